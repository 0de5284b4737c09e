// Package testprovider implements an in-memory Provider used by
// LACE_TEST_MODE and by internal/turnengine's own tests, so the full turn
// engine can be exercised without network access or API keys — the same
// role a scripted/stub provider plays in the teacher's own test suites.
package testprovider

import (
	"context"
	"encoding/json"

	"github.com/obra/lace/internal/provider"
)

// Script is one canned response; a Provider holds a queue of them and each
// call to Stream consumes the next entry. That queue is not safe for
// concurrent Stream calls against the same Provider instance — tests that
// need concurrency should construct one Provider per goroutine.
type Script struct {
	Text     string
	ToolCall *ScriptedToolCall
	Err      *provider.Error
}

// ScriptedToolCall describes a tool call the scripted provider should emit
// as a tool_use_start/tool_input_delta/tool_use_complete sequence.
type ScriptedToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Provider replays a fixed Script queue.
type Provider struct {
	name    string
	models  []provider.Model
	scripts []Script
	idx     int
}

// New constructs a scripted Provider. Calling Stream more times than there
// are scripts returns a single ChunkMessageStop with empty text.
func New(name string, models []provider.Model, scripts ...Script) *Provider {
	return &Provider{name: name, models: models, scripts: scripts}
}

func (p *Provider) Name() string            { return p.name }
func (p *Provider) Models() []provider.Model { return p.models }
func (p *Provider) SupportsTools() bool      { return true }

func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	var script Script
	if p.idx < len(p.scripts) {
		script = p.scripts[p.idx]
		p.idx++
	}

	ch := make(chan provider.Chunk, 8)
	go func() {
		defer close(ch)
		if script.Err != nil {
			select {
			case ch <- provider.Chunk{Type: provider.ChunkError, Err: script.Err}:
			case <-ctx.Done():
			}
			return
		}
		if script.Text != "" {
			select {
			case ch <- provider.Chunk{Type: provider.ChunkToken, Text: script.Text}:
			case <-ctx.Done():
				return
			}
		}
		if tc := script.ToolCall; tc != nil {
			select {
			case ch <- provider.Chunk{Type: provider.ChunkToolUseStart, ToolCallID: tc.ID, ToolName: tc.Name}:
			case <-ctx.Done():
				return
			}
			select {
			case ch <- provider.Chunk{Type: provider.ChunkToolInputDelta, ToolCallID: tc.ID, InputDelta: string(tc.Args)}:
			case <-ctx.Done():
				return
			}
			select {
			case ch <- provider.Chunk{Type: provider.ChunkToolUseComplete, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Args}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- provider.Chunk{Type: provider.ChunkMessageStop, InputTokens: 10, OutputTokens: 10}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
