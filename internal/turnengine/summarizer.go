package turnengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/pkg/lace"
)

// summarizePrompt instructs the model to compress a trimmed event prefix
// into the single SYSTEM_MESSAGE internal/compaction.Run seeds a new thread
// with.
const summarizePrompt = "Summarize the following conversation history concisely, preserving facts, decisions, and open tasks a continuation would need. Write plain prose with no preamble."

// providerSummarizer implements compaction.Summarizer over a
// provider.Provider, issuing a single streamed request per call and
// collecting its tokens rather than forwarding them anywhere — compaction
// happens mid-turn, invisibly to the conversation it's trimming.
type providerSummarizer struct {
	prov  provider.Provider
	model string
}

func newProviderSummarizer(prov provider.Provider, model string) *providerSummarizer {
	return &providerSummarizer{prov: prov, model: model}
}

func (s *providerSummarizer) Summarize(ctx context.Context, events []lace.Event) (string, error) {
	var transcript strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&transcript, "[%s] %s\n", ev.Type, string(ev.Data))
	}

	req := provider.Request{
		Model:    s.model,
		System:   summarizePrompt,
		Messages: []provider.Message{{Role: "user", Content: transcript.String()}},
	}
	chunks, err := s.prov.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("turnengine: summarize: %w", err)
	}

	var out strings.Builder
	for chunk := range chunks {
		switch chunk.Type {
		case provider.ChunkToken:
			out.WriteString(chunk.Text)
		case provider.ChunkError:
			return "", chunk.Err
		}
	}
	return out.String(), nil
}
