package builtins

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/restflow/restflow/pkg/filetracker"
	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/tool"
)

// FSConfig scopes the filesystem tools to an allow-listed path set. An
// empty AllowedPaths permits any path.
type FSConfig struct {
	AllowedPaths []string
}

// fsBase carries the shared pieces of every filesystem tool: the path
// allow-list and the process-wide file tracker that detects external
// modification before any write.
type fsBase struct {
	cfg     FSConfig
	tracker *filetracker.Tracker
}

func (b *fsBase) checkPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", rferrors.Wrap(rferrors.Protocol, "resolve path "+p, err)
	}
	if len(b.cfg.AllowedPaths) == 0 {
		return abs, nil
	}
	for _, root := range b.cfg.AllowedPaths {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", rferrors.New(rferrors.Policy, "path outside allowed set: "+abs)
}

// guardWrite refuses the write when the file changed on disk since the
// tracker last saw it; the agent must re-read first.
func (b *fsBase) guardWrite(path string) error {
	return b.tracker.CheckExternalModification(path)
}

// ReadArgs is the fs_read parameter surface.
type ReadArgs struct {
	Path string `json:"path" jsonschema:"description=File path to read"`
}

// FSReadTool reads a file and records the read with the tracker.
type FSReadTool struct{ fsBase }

// NewFSReadTool builds fs_read over the shared tracker.
func NewFSReadTool(cfg FSConfig, tracker *filetracker.Tracker) *FSReadTool {
	return &FSReadTool{fsBase{cfg: cfg, tracker: tracker}}
}

func (t *FSReadTool) Name() string        { return "fs_read" }
func (t *FSReadTool) Description() string { return "Read the contents of a file." }
func (t *FSReadTool) ParametersSchema() map[string]any { return schemaFor(&ReadArgs{}) }
func (t *FSReadTool) SupportsParallel(json.RawMessage) bool { return true }

func (t *FSReadTool) Action(args json.RawMessage) (string, string, string) {
	a, _ := decodeArgs[ReadArgs](args)
	return "read", a.Path, "read " + a.Path
}

func (t *FSReadTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[ReadArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode fs_read arguments", err)
	}
	path, err := t.checkPath(a.Path)
	if err != nil {
		return tool.Output{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errorOutput(err.Error()), nil
	}
	t.tracker.RecordRead(path, time.Now())
	return okOutput(map[string]any{"path": path, "content": string(raw)}), nil
}

// WriteArgs is the fs_write parameter surface.
type WriteArgs struct {
	Path    string `json:"path" jsonschema:"description=File path to write"`
	Content string `json:"content" jsonschema:"description=Full file content to write"`
}

// FSWriteTool writes a whole file, refusing when the file changed
// externally since the last tracked read.
type FSWriteTool struct{ fsBase }

// NewFSWriteTool builds fs_write over the shared tracker.
func NewFSWriteTool(cfg FSConfig, tracker *filetracker.Tracker) *FSWriteTool {
	return &FSWriteTool{fsBase{cfg: cfg, tracker: tracker}}
}

func (t *FSWriteTool) Name() string        { return "fs_write" }
func (t *FSWriteTool) Description() string { return "Write content to a file, creating it if absent." }
func (t *FSWriteTool) ParametersSchema() map[string]any { return schemaFor(&WriteArgs{}) }
func (t *FSWriteTool) SupportsParallel(json.RawMessage) bool { return true }

func (t *FSWriteTool) Action(args json.RawMessage) (string, string, string) {
	a, _ := decodeArgs[WriteArgs](args)
	return "write", a.Path, "write " + a.Path
}

func (t *FSWriteTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[WriteArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode fs_write arguments", err)
	}
	path, err := t.checkPath(a.Path)
	if err != nil {
		return tool.Output{}, err
	}
	if err := t.guardWrite(path); err != nil {
		return tool.Output{}, err
	}
	if err := os.WriteFile(path, []byte(a.Content), 0644); err != nil {
		return errorOutput(err.Error()), nil
	}
	t.tracker.RecordWrite(path, time.Now())
	return okOutput(map[string]any{"path": path, "bytes": len(a.Content)}), nil
}

// EditArgs is the fs_edit parameter surface.
type EditArgs struct {
	Path      string `json:"path" jsonschema:"description=File path to edit"`
	OldString string `json:"old_string" jsonschema:"description=Exact text to replace"`
	NewString string `json:"new_string" jsonschema:"description=Replacement text"`
}

// FSEditTool replaces one occurrence of a string in a file.
type FSEditTool struct{ fsBase }

// NewFSEditTool builds fs_edit over the shared tracker.
func NewFSEditTool(cfg FSConfig, tracker *filetracker.Tracker) *FSEditTool {
	return &FSEditTool{fsBase{cfg: cfg, tracker: tracker}}
}

func (t *FSEditTool) Name() string { return "fs_edit" }
func (t *FSEditTool) Description() string {
	return "Replace an exact string in a file with a new string."
}
func (t *FSEditTool) ParametersSchema() map[string]any { return schemaFor(&EditArgs{}) }
func (t *FSEditTool) SupportsParallel(json.RawMessage) bool { return true }

func (t *FSEditTool) Action(args json.RawMessage) (string, string, string) {
	a, _ := decodeArgs[EditArgs](args)
	return "edit", a.Path, "edit " + a.Path
}

func (t *FSEditTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[EditArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode fs_edit arguments", err)
	}
	return applyEdits(&t.fsBase, a.Path, []editOp{{Old: a.OldString, New: a.NewString}})
}

// editOp is one old->new replacement.
type editOp struct {
	Old string `json:"old_string" jsonschema:"description=Exact text to replace"`
	New string `json:"new_string" jsonschema:"description=Replacement text"`
}

// MultiEditArgs is the fs_multi_edit parameter surface.
type MultiEditArgs struct {
	Path  string   `json:"path" jsonschema:"description=File path to edit"`
	Edits []editOp `json:"edits" jsonschema:"description=Replacements applied in order"`
}

// FSMultiEditTool applies several replacements to one file atomically:
// either every edit applies or the file is untouched.
type FSMultiEditTool struct{ fsBase }

// NewFSMultiEditTool builds fs_multi_edit over the shared tracker.
func NewFSMultiEditTool(cfg FSConfig, tracker *filetracker.Tracker) *FSMultiEditTool {
	return &FSMultiEditTool{fsBase{cfg: cfg, tracker: tracker}}
}

func (t *FSMultiEditTool) Name() string { return "fs_multi_edit" }
func (t *FSMultiEditTool) Description() string {
	return "Apply several exact string replacements to one file; all or none."
}
func (t *FSMultiEditTool) ParametersSchema() map[string]any { return schemaFor(&MultiEditArgs{}) }
func (t *FSMultiEditTool) SupportsParallel(json.RawMessage) bool { return true }

func (t *FSMultiEditTool) Action(args json.RawMessage) (string, string, string) {
	a, _ := decodeArgs[MultiEditArgs](args)
	return "edit", a.Path, "multi-edit " + a.Path
}

func (t *FSMultiEditTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[MultiEditArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode fs_multi_edit arguments", err)
	}
	return applyEdits(&t.fsBase, a.Path, a.Edits)
}

// applyEdits loads the file, applies each replacement in order, and
// writes the result, guarded by the external-modification check.
func applyEdits(b *fsBase, rawPath string, edits []editOp) (tool.Output, error) {
	path, err := b.checkPath(rawPath)
	if err != nil {
		return tool.Output{}, err
	}
	if err := b.guardWrite(path); err != nil {
		return tool.Output{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return errorOutput(err.Error()), nil
	}
	content := string(raw)
	for _, edit := range edits {
		if !strings.Contains(content, edit.Old) {
			return errorOutput("old_string not found in " + path + ": " + truncate(edit.Old, 80)), nil
		}
		content = strings.Replace(content, edit.Old, edit.New, 1)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return errorOutput(err.Error()), nil
	}
	now := time.Now()
	b.tracker.RecordRead(path, now)
	b.tracker.RecordWrite(path, now)
	return okOutput(map[string]any{"path": path, "edits": len(edits)}), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
