package approval

import (
	"context"
	"encoding/json"

	"github.com/obra/lace/internal/bus"
	"github.com/obra/lace/pkg/lace"
)

// ApprovalRequestPayload is published on bus.SubjectApprovalRequested for an
// InteractiveGate's request; a UI subscribes, presents it to the user, and
// calls the payload's Resolve function with the user's decision.
type ApprovalRequestPayload struct {
	ToolName  string
	Arguments json.RawMessage
	RiskHint  lace.RiskHint
	Resolve   func(Decision)
}

// InteractiveGate publishes a request on the bus and blocks until a human
// resolves it (or ctx is cancelled), matching spec.md §4.5's interactive
// gate.
type InteractiveGate struct {
	bus      *bus.Bus
	threadID string
}

// NewInteractiveGate constructs a Gate that surfaces requests via b for
// threadID.
func NewInteractiveGate(b *bus.Bus, threadID string) *InteractiveGate {
	return &InteractiveGate{bus: b, threadID: threadID}
}

func (g *InteractiveGate) RequestApproval(ctx context.Context, toolName string, arguments json.RawMessage, riskHint lace.RiskHint) (Decision, error) {
	resultCh := make(chan Decision, 1)
	g.bus.Publish(ctx, g.threadID, bus.SubjectApprovalRequested, ApprovalRequestPayload{
		ToolName:  toolName,
		Arguments: arguments,
		RiskHint:  riskHint,
		Resolve:   func(d Decision) { resultCh <- d },
	})
	select {
	case d := <-resultCh:
		return d, nil
	case <-ctx.Done():
		return Deny, ctx.Err()
	}
}

// NonInteractiveGate resolves every request immediately from a static
// decision, for headless/CI/LACE_TEST_MODE use where no human is present to
// approve anything.
type NonInteractiveGate struct {
	Default Decision
}

// NewNonInteractiveGate constructs a Gate that always returns def.
func NewNonInteractiveGate(def Decision) *NonInteractiveGate {
	return &NonInteractiveGate{Default: def}
}

func (g *NonInteractiveGate) RequestApproval(ctx context.Context, toolName string, arguments json.RawMessage, riskHint lace.RiskHint) (Decision, error) {
	return g.Default, nil
}
