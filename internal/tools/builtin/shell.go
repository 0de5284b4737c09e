// Package builtin provides the small set of tools lace registers by
// default, grounded on the teacher's internal/edge/nodetools.RunTool: a
// single shell-out tool with a bounded timeout and a working directory.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/obra/lace/internal/tools"
	"github.com/obra/lace/pkg/lace"
)

// shellName must match internal/tools.DefaultConfig's "shell" timeout entry.
const shellName = "shell"

const shellSchema = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {
			"type": "string",
			"description": "Shell command to execute"
		},
		"working_dir": {
			"type": "string",
			"description": "Working directory for the command, default the process's current directory"
		},
		"timeout_seconds": {
			"type": "integer",
			"description": "Timeout in seconds (1-300)",
			"minimum": 1,
			"maximum": 300,
			"default": 60
		}
	}
}`

// Shell executes a command through the host shell. It is registered with
// ToolAnnotations.DestructiveHint set, so the executor serializes it
// against every other call in its turn.
type Shell struct{}

// NewShell constructs the shell tool.
func NewShell() *Shell { return &Shell{} }

func (s *Shell) Descriptor() lace.ToolDescriptor {
	return lace.ToolDescriptor{
		Name:        shellName,
		Description: "Execute a shell command on the host. Returns combined stdout/stderr.",
		InputSchema: json.RawMessage(shellSchema),
		Annotations: lace.ToolAnnotations{DestructiveHint: true},
	}
}

type shellParams struct {
	Command        string `json:"command"`
	WorkingDir     string `json:"working_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

const (
	minShellTimeout = 1 * time.Second
	maxShellTimeout = 300 * time.Second
)

func (s *Shell) Execute(ctx context.Context, args json.RawMessage) (lace.ToolResult, error) {
	var p shellParams
	if err := json.Unmarshal(args, &p); err != nil {
		return errResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if p.Command == "" {
		return errResult("command is required"), nil
	}

	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = tools.DefaultShellTimeout
	}
	if timeout < minShellTimeout {
		timeout = minShellTimeout
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shellPath, shellFlag := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shellPath, shellFlag = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(runCtx, shellPath, shellFlag, p.Command)
	if p.WorkingDir != "" {
		cmd.Dir = p.WorkingDir
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return errResult(fmt.Sprintf("command timed out after %s\npartial output:\n%s", timeout, output)), nil
		}
		return errResult(fmt.Sprintf("command failed: %v\noutput:\n%s", err, output)), nil
	}

	return lace.ToolResult{Content: []lace.ContentBlock{lace.TextBlock(string(output))}}, nil
}

func errResult(msg string) lace.ToolResult {
	return lace.ToolResult{IsError: true, Content: []lace.ContentBlock{lace.TextBlock(msg)}}
}
