package builtins

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/tool"
)

// BashConfig tunes the shell tool's local policy. These lists apply in
// addition to the Security Gate, which sees every invocation through
// the ActionDescriber contract; the local lists exist so a deployment
// can hard-disable commands even under a permissive gate policy.
type BashConfig struct {
	// Allowlist restricts execution to the named executables
	// (basenames). Empty permits any executable the gate allows.
	Allowlist []string
	// Blocklist refuses the named executables outright.
	Blocklist []string
	// DefaultTimeout bounds a command when the call does not set its
	// own; zero means 60s.
	DefaultTimeout time.Duration
	// Workdir is the default working directory.
	Workdir string
}

// BashArgs is the shell tool's parameter surface.
type BashArgs struct {
	Command     string `json:"command" jsonschema:"description=Shell command to execute"`
	TimeoutSecs int    `json:"timeout_secs,omitempty" jsonschema:"description=Kill the command after this many seconds"`
	Workdir     string `json:"workdir,omitempty" jsonschema:"description=Working directory for the command"`
}

type bashResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	// Sandbox names the isolation in effect; "none" tells the agent no
	// OS sandbox protects this execution.
	Sandbox string `json:"sandbox"`
}

// BashTool runs shell commands.
type BashTool struct {
	cfg BashConfig
}

// NewBashTool builds the shell tool.
func NewBashTool(cfg BashConfig) *BashTool {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	return &BashTool{cfg: cfg}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Execute a shell command and return its stdout, stderr, and exit code."
}

func (t *BashTool) ParametersSchema() map[string]any { return schemaFor(&BashArgs{}) }

// SupportsParallel: shell commands may touch shared state, but the
// command text is opaque; serialization is left to the caller's
// policy, matching the per-invocation default of true.
func (t *BashTool) SupportsParallel(json.RawMessage) bool { return true }

// Action implements tool.ActionDescriber so every command passes the
// Security Gate before running.
func (t *BashTool) Action(args json.RawMessage) (operation, target, summary string) {
	a, err := decodeArgs[BashArgs](args)
	if err != nil {
		return "exec", "", ""
	}
	return "exec", a.Command, a.Command
}

func (t *BashTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[BashArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode bash arguments", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return errorOutput("empty command"), nil
	}

	executable := path.Base(firstToken(a.Command))
	for _, blocked := range t.cfg.Blocklist {
		if executable == blocked {
			return tool.Output{}, rferrors.New(rferrors.Policy, "command blocked: "+executable)
		}
	}
	if len(t.cfg.Allowlist) > 0 && !contains(t.cfg.Allowlist, executable) {
		return tool.Output{}, rferrors.New(rferrors.Policy, "command not in allowlist: "+executable)
	}

	timeout := t.cfg.DefaultTimeout
	if a.TimeoutSecs > 0 {
		timeout = time.Duration(a.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell(), "-c", a.Command)
	if a.Workdir != "" {
		cmd.Dir = a.Workdir
	} else if t.cfg.Workdir != "" {
		cmd.Dir = t.cfg.Workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return tool.Output{}, rferrors.New(rferrors.Resource, "command timed out after "+timeout.String())
	}

	result := bashResult{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Sandbox: "none",
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return tool.Output{Success: false, Result: result, Error: exitErr.Error()}, nil
	}
	if runErr != nil {
		return errorOutput(runErr.Error()), nil
	}
	return okOutput(result), nil
}

func shell() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "/bin/sh"
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
