package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/restflow/restflow/pkg/skill"
	"github.com/restflow/restflow/pkg/tool"
)

// sectionSeparator joins system-prompt sections.
const sectionSeparator = "\n\n"

// defaultBaseInstructions is used when the agent definition carries no
// system prompt of its own.
const defaultBaseInstructions = `You are a capable assistant that solves tasks step by step.
Think about what to do next, call tools when they help, and give a final
answer when the task is done.`

// SkillRenderer resolves skill ids into rendered instruction blocks.
// *skill.Loader implements it; tests substitute a stub.
type SkillRenderer interface {
	RenderAll(ctx context.Context, ids []string, vars map[string]string) []string
}

var _ SkillRenderer = (*skill.Loader)(nil)

// promptInputs carries everything composeSystemPrompt needs beyond the
// run config.
type promptInputs struct {
	tools            []tool.Definition
	workspaceContext string
	agentContext     string
}

// composeSystemPrompt builds the system message in a fixed order:
// base instructions, tool section, workspace context,
// skills block, agent context. Empty sections are skipped entirely
// rather than leaving blank separators behind.
func composeSystemPrompt(ctx context.Context, cfg Config, skills SkillRenderer, in promptInputs) string {
	var sections []string

	base := cfg.SystemPrompt
	if base == "" {
		base = defaultBaseInstructions
	}
	sections = append(sections, base)

	if len(in.tools) > 0 {
		var b strings.Builder
		b.WriteString("Available tools:\n")
		for _, def := range in.tools {
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		}
		sections = append(sections, strings.TrimRight(b.String(), "\n"))
	}

	if in.workspaceContext != "" {
		sections = append(sections, "Workspace context:\n"+in.workspaceContext)
	}

	if skills != nil && len(cfg.Skills) > 0 {
		if blocks := skills.RenderAll(ctx, cfg.Skills, cfg.SkillVars); len(blocks) > 0 {
			sections = append(sections, strings.Join(blocks, sectionSeparator))
		}
	}

	if in.agentContext != "" {
		sections = append(sections, "Long-term memory:\n"+in.agentContext)
	}

	return strings.Join(sections, sectionSeparator)
}
