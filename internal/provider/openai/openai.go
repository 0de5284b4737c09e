// Package openai adapts github.com/sashabaranov/go-openai to
// internal/provider.Provider, proving the provider abstraction is
// vendor-neutral as spec.md §4.3 requires. go-openai is one of the teacher's
// own dependencies (internal/agent/providers likely has a sibling openai.go
// in the full pack); it is a streaming-capable chat-completions client with
// a simpler, already-complete-per-chunk delta model than Anthropic's SSE
// event stream, so tool-call assembly here buffers argument fragments
// per-index before emitting ChunkToolUseComplete.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/pkg/lace"
)

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Provider adapts the OpenAI chat completions API.
type Provider struct {
	client       *openaisdk.Client
	defaultModel string
}

// New constructs a Provider. APIKey is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	clientCfg := openaisdk.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{client: openaisdk.NewClientWithConfig(clientCfg), defaultModel: cfg.DefaultModel}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Models() []provider.Model {
	return []provider.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128_000, SupportsTools: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128_000, SupportsTools: true},
	}
}

func (p *Provider) SupportsTools() bool { return true }

func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := convertMessages(req)
	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("openai: convert tools: %w", err)
	}

	streamReq := openaisdk.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if len(tools) > 0 {
		streamReq.Tools = tools
	}
	if req.MaxTokens > 0 {
		streamReq.MaxTokens = req.MaxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, streamReq)
	if err != nil {
		return nil, wrapError(err)
	}

	out := make(chan provider.Chunk, 16)
	go processStream(ctx, stream, out)
	return out, nil
}

type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func processStream(ctx context.Context, stream *openaisdk.ChatCompletionStream, out chan<- provider.Chunk) {
	defer close(out)
	defer stream.Close()

	pending := map[int]*toolCallBuffer{}
	started := map[int]bool{}
	var inputTokens, outputTokens int64

	send := func(c provider.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(provider.Chunk{Type: provider.ChunkError, Err: wrapError(err)})
			return
		}
		if resp.Usage != nil {
			inputTokens = int64(resp.Usage.PromptTokens)
			outputTokens = int64(resp.Usage.CompletionTokens)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			if !send(provider.Chunk{Type: provider.ChunkToken, Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			buf, ok := pending[idx]
			if !ok {
				buf = &toolCallBuffer{}
				pending[idx] = buf
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			if !started[idx] && buf.id != "" && buf.name != "" {
				started[idx] = true
				if !send(provider.Chunk{Type: provider.ChunkToolUseStart, ToolCallID: buf.id, ToolName: buf.name}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				buf.args.WriteString(tc.Function.Arguments)
				if !send(provider.Chunk{Type: provider.ChunkToolInputDelta, ToolCallID: buf.id, InputDelta: tc.Function.Arguments}) {
					return
				}
			}
		}
		if resp.Choices[0].FinishReason != "" {
			for idx, buf := range pending {
				if buf.id == "" {
					continue
				}
				if !send(provider.Chunk{Type: provider.ChunkToolUseComplete, ToolCallID: buf.id, ToolName: buf.name, ToolArgs: json.RawMessage(buf.args.String())}) {
					return
				}
				delete(pending, idx)
			}
		}
	}
	send(provider.Chunk{Type: provider.ChunkMessageStop, InputTokens: inputTokens, OutputTokens: outputTokens})
}

func convertMessages(req provider.Request) []openaisdk.ChatCompletionMessage {
	out := make([]openaisdk.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openaisdk.ChatCompletionMessage{Role: openaisdk.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "tool":
			for _, tr := range m.ToolResults {
				content := ""
				for _, b := range tr.Content {
					content += b.Text
				}
				out = append(out, openaisdk.ChatCompletionMessage{
					Role:       openaisdk.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			out = append(out, openaisdk.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func convertTools(tools []lace.ToolDescriptor) ([]openaisdk.Tool, error) {
	out := make([]openaisdk.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", t.Name, err)
			}
		}
		out = append(out, openaisdk.Tool{
			Type: openaisdk.ToolTypeFunction,
			Function: &openaisdk.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

func wrapError(err error) error {
	kind := provider.ErrServerError
	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		kind = provider.ErrCancelled
	case strings.Contains(msg, "429"):
		kind = provider.ErrRateLimited
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		kind = provider.ErrUnauthorized
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection"):
		kind = provider.ErrNetworkTransient
	case strings.Contains(msg, "400"):
		kind = provider.ErrBadRequest
	}
	return &provider.Error{Kind: kind, Cause: err}
}
