package builtins

import (
	"context"
	"encoding/json"

	"github.com/restflow/restflow/pkg/channel"
	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/tool"
)

// ReplyArgs is the reply tool's parameter surface.
type ReplyArgs struct {
	Message string `json:"message" jsonschema:"description=Message to send to the user"`
}

// ReplyTool sends an intermediate message to the user through the
// conversation's channel, auto-routed by the ReplySender the runner
// bound to this dispatch. Send failures are swallowed by
// the sender; from the agent's perspective a reply always "succeeds"
// once handed off.
type ReplyTool struct{}

// NewReplyTool builds the reply tool.
func NewReplyTool() *ReplyTool { return &ReplyTool{} }

func (t *ReplyTool) Name() string { return "reply" }

func (t *ReplyTool) Description() string {
	return "Send an intermediate progress message to the user without ending the run."
}

func (t *ReplyTool) ParametersSchema() map[string]any { return schemaFor(&ReplyArgs{}) }

// SupportsParallel: replies to one conversation must not interleave.
func (t *ReplyTool) SupportsParallel(json.RawMessage) bool { return false }

func (t *ReplyTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[ReplyArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode reply arguments", err)
	}
	sender := channel.SenderFrom(ctx)
	if sender == nil {
		return errorOutput("no conversation channel bound to this run"), nil
	}
	sender.Send(ctx, a.Message)
	return okOutput(map[string]any{"delivered": true}), nil
}
