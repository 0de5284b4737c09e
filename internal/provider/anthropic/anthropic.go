// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// internal/provider.Provider trait. It is grounded closely on the teacher's
// internal/agent/providers/anthropic.go: the same SSE event-type switch
// (message_start/content_block_start/content_block_delta/content_block_stop/
// message_delta/message_stop/error) driving a streamed chunk channel, the
// same malformed-stream protection via a consecutive-empty-event counter,
// and the same error-wrapping approach — but emits the finer-grained
// tool_use_start/tool_input_delta/tool_use_complete progression spec.md
// requires instead of a single complete-tool-call chunk.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/pkg/lace"
)

// maxEmptyStreamEvents bounds how many consecutive no-op SSE events we
// tolerate before declaring the stream malformed and surfacing an error,
// matching the teacher's malformed-stream guard.
const maxEmptyStreamEvents = 50

// Config configures a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Provider adapts the Anthropic Messages API to internal/provider.Provider.
type Provider struct {
	client       anthropicsdk.Client
	defaultModel string
}

// New constructs a Provider. APIKey is required; DefaultModel falls back to
// "claude-sonnet-4-20250514" if empty.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{client: anthropicsdk.NewClient(opts...), defaultModel: cfg.DefaultModel}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Models() []provider.Model {
	return []provider.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextWindow: 200_000, SupportsTools: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextWindow: 200_000, SupportsTools: true},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextWindow: 200_000, SupportsTools: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextWindow: 200_000, SupportsTools: true},
	}
}

func (p *Provider) SupportsTools() bool { return true }

// Stream sends req and translates the Anthropic SSE stream into
// internal/provider chunks.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert tools: %w", err)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan provider.Chunk, 16)
	go processStream(ctx, stream, out, model)
	return out, nil
}

func processStream(ctx context.Context, stream interface {
	Next() bool
	Current() anthropicsdk.MessageStreamEventUnion
	Err() error
}, out chan<- provider.Chunk, model string) {
	defer close(out)

	var (
		currentToolID    string
		currentToolName  string
		inputTokens      int64
		outputTokens     int64
		emptyEventCount  int
	)

	send := func(c provider.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = ms.Message.Usage.InputTokens
			}
			processed = true

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				currentToolID = tu.ID
				currentToolName = tu.Name
				if !send(provider.Chunk{Type: provider.ChunkToolUseStart, ToolCallID: tu.ID, ToolName: tu.Name}) {
					return
				}
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(provider.Chunk{Type: provider.ChunkToken, Text: delta.Text}) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					if !send(provider.Chunk{Type: provider.ChunkToolInputDelta, ToolCallID: currentToolID, InputDelta: delta.PartialJSON}) {
						return
					}
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolID != "" {
				if !send(provider.Chunk{Type: provider.ChunkToolUseComplete, ToolCallID: currentToolID, ToolName: currentToolName}) {
					return
				}
				currentToolID = ""
				currentToolName = ""
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = md.Usage.OutputTokens
			}
			processed = true

		case "message_stop":
			send(provider.Chunk{Type: provider.ChunkMessageStop, InputTokens: inputTokens, OutputTokens: outputTokens})
			return

		case "error":
			send(provider.Chunk{Type: provider.ChunkError, Err: wrapError(errors.New("anthropic stream error"))})
			return
		}

		if processed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				send(provider.Chunk{Type: provider.ChunkError, Err: wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEventCount))})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(provider.Chunk{Type: provider.ChunkError, Err: wrapError(err)})
	}
}

func convertMessages(msgs []provider.Message) ([]anthropicsdk.MessageParam, error) {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "user":
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		case "assistant":
			out = append(out, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		case "tool":
			for _, tr := range m.ToolResults {
				content := ""
				for _, b := range tr.Content {
					content += b.Text
				}
				out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewToolResultBlock(tr.ToolCallID, content, tr.IsError)))
			}
		default:
			return nil, fmt.Errorf("anthropic: unknown role %q", m.Role)
		}
	}
	return out, nil
}

func convertTools(tools []lace.ToolDescriptor) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", t.Name, err)
			}
		}
		out = append(out, anthropicsdk.ToolUnionParamOfTool(anthropicsdk.ToolInputSchemaParam{
			Properties: schema["properties"],
		}, t.Name))
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
