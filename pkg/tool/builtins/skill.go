package builtins

import (
	"context"
	"encoding/json"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/skill"
	"github.com/restflow/restflow/pkg/tool"
)

// SkillArgs is the skill tool's parameter surface.
type SkillArgs struct {
	SkillID string            `json:"skill_id" jsonschema:"description=Skill to load"`
	Vars    map[string]string `json:"vars,omitempty" jsonschema:"description=Values substituted into the skill's placeholders"`
}

// SkillLoader resolves a skill id to its parsed form. *skill.Loader
// implements it.
type SkillLoader interface {
	Load(ctx context.Context, id string) (*skill.Skill, error)
}

// SkillTool loads a skill's rendered body so it lands in the next LLM
// turn as an instruction block.
type SkillTool struct {
	loader SkillLoader
}

// NewSkillTool builds the skill tool over the shared loader.
func NewSkillTool(loader SkillLoader) *SkillTool {
	return &SkillTool{loader: loader}
}

func (t *SkillTool) Name() string { return "skill" }

func (t *SkillTool) Description() string {
	return "Load a named skill's instructions into the conversation."
}

func (t *SkillTool) ParametersSchema() map[string]any { return schemaFor(&SkillArgs{}) }

func (t *SkillTool) SupportsParallel(json.RawMessage) bool { return true }

func (t *SkillTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[SkillArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode skill arguments", err)
	}
	sk, err := t.loader.Load(ctx, a.SkillID)
	if err != nil {
		if rferrors.HasKind(err, rferrors.NotFound) {
			return errorOutput("skill not found: " + a.SkillID), nil
		}
		return tool.Output{}, err
	}
	return okOutput(map[string]any{
		"skill_id":     sk.ID,
		"name":         sk.Name,
		"instructions": skill.Render(sk.Body, a.Vars),
	}), nil
}
