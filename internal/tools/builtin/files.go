package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/obra/lace/pkg/lace"
)

// resolver resolves a tool-supplied path against a workspace root and
// rejects anything that would escape it, grounded on the teacher's
// internal/tools/files.Resolver.
type resolver struct {
	root string
}

func newResolver(root string) resolver {
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	return resolver{root: root}
}

func (r resolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	rootAbs, err := filepath.Abs(r.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

const defaultMaxReadBytes = 200_000

// ReadFile reads a file from the workspace with an optional offset and a
// byte-limit cap, grounded on the teacher's internal/tools/files.ReadTool.
type ReadFile struct {
	resolver resolver
	maxBytes int
}

// NewReadFile constructs a ReadFile tool scoped to workspaceRoot.
func NewReadFile(workspaceRoot string) *ReadFile {
	return &ReadFile{resolver: newResolver(workspaceRoot), maxBytes: defaultMaxReadBytes}
}

func (t *ReadFile) Descriptor() lace.ToolDescriptor {
	return lace.ToolDescriptor{
		Name:        "read_file",
		Description: "Read a file from the workspace, with an optional byte offset and limit.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["path"],
			"properties": {
				"path": {"type": "string", "description": "Path relative to the workspace root"},
				"offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start reading from"},
				"max_bytes": {"type": "integer", "minimum": 0, "description": "Maximum bytes to read"}
			}
		}`),
		Annotations: lace.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}
}

type readFileParams struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	MaxBytes int    `json:"max_bytes"`
}

func (t *ReadFile) Execute(ctx context.Context, args json.RawMessage) (lace.ToolResult, error) {
	var p readFileParams
	if err := json.Unmarshal(args, &p); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if p.Offset < 0 {
		return errResult("offset must be >= 0"), nil
	}

	resolved, err := t.resolver.resolve(p.Path)
	if err != nil {
		return errResult(err.Error()), nil
	}

	f, err := os.Open(resolved)
	if err != nil {
		return errResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errResult(fmt.Sprintf("stat file: %v", err)), nil
	}
	if p.Offset > 0 {
		if _, err := f.Seek(p.Offset, io.SeekStart); err != nil {
			return errResult(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxBytes
	if p.MaxBytes > 0 && p.MaxBytes < limit {
		limit = p.MaxBytes
	}
	remaining := info.Size() - p.Offset
	if remaining < 0 {
		remaining = 0
	}
	if remaining > int64(limit) {
		remaining = int64(limit)
	}

	buf, err := io.ReadAll(io.LimitReader(f, remaining))
	if err != nil {
		return errResult(fmt.Sprintf("read file: %v", err)), nil
	}

	truncated := p.Offset+int64(len(buf)) < info.Size()
	text := string(buf)
	if truncated {
		text += fmt.Sprintf("\n[truncated; %d of %d bytes shown]", len(buf), info.Size())
	}
	return lace.ToolResult{Content: []lace.ContentBlock{lace.TextBlock(text)}}, nil
}

// WriteFile creates or overwrites a file in the workspace, grounded on the
// teacher's internal/tools/files.WriteTool.
type WriteFile struct {
	resolver resolver
}

// NewWriteFile constructs a WriteFile tool scoped to workspaceRoot.
func NewWriteFile(workspaceRoot string) *WriteFile {
	return &WriteFile{resolver: newResolver(workspaceRoot)}
}

func (t *WriteFile) Descriptor() lace.ToolDescriptor {
	return lace.ToolDescriptor{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories as needed.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["path", "content"],
			"properties": {
				"path": {"type": "string", "description": "Path relative to the workspace root"},
				"content": {"type": "string", "description": "File contents to write"},
				"append": {"type": "boolean", "description": "Append instead of overwrite (default: false)"}
			}
		}`),
		Annotations: lace.ToolAnnotations{DestructiveHint: true},
	}
}

type writeFileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append"`
}

func (t *WriteFile) Execute(ctx context.Context, args json.RawMessage) (lace.ToolResult, error) {
	var p writeFileParams
	if err := json.Unmarshal(args, &p); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(p.Path) == "" {
		return errResult("path is required"), nil
	}

	resolved, err := t.resolver.resolve(p.Path)
	if err != nil {
		return errResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return errResult(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if p.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return errResult(fmt.Sprintf("open file: %v", err)), nil
	}
	defer f.Close()

	n, err := f.WriteString(p.Content)
	if err != nil {
		return errResult(fmt.Sprintf("write file: %v", err)), nil
	}

	return lace.ToolResult{Content: []lace.ContentBlock{lace.TextBlock(fmt.Sprintf("wrote %d bytes to %s", n, p.Path))}}, nil
}
