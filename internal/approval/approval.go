// Package approval implements the approval gate from spec.md §4.5, adapted
// from the teacher's internal/agent/approval.go three-tier
// allow/require-approval/deny model. The teacher's Allowed/Denied/Pending
// decision set is narrowed here to spec.md's exact protocol:
// requestApproval(toolName, arguments, riskHint) -> ALLOW_ONCE | ALLOW_SESSION | DENY.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/obra/lace/pkg/lace"
)

// Decision is the caller-facing outcome of an approval request.
type Decision string

const (
	AllowOnce    Decision = "ALLOW_ONCE"
	AllowSession Decision = "ALLOW_SESSION"
	Deny         Decision = "DENY"
)

// ErrNoGateConfigured is returned when a tool requires approval but no Gate
// was wired in — spec.md mandates this fail closed (an error, never a
// silent allow).
var ErrNoGateConfigured = errors.New("approval: tool requires approval but no gate is configured")

// ErrApprovalDenied is the sentinel a caller (cmd/lace) maps to its own
// "approval denied" exit code. The turn engine itself never returns this —
// a denied call just becomes a synthetic tool result so the model can react
// — callers that need to distinguish "turn completed, but something in it
// was denied" watch bus.SubjectToolFinished and wrap this sentinel.
var ErrApprovalDenied = errors.New("approval: a tool call was denied")

// Gate resolves a single approval request. Implementations may block
// (InteractiveGate, waiting on a human) or resolve immediately
// (NonInteractiveGate, from static policy).
type Gate interface {
	RequestApproval(ctx context.Context, toolName string, arguments json.RawMessage, riskHint lace.RiskHint) (Decision, error)
}

// Resolve applies policy first (steps that don't need a gate at all), and
// only consults gate for DecisionRequireApproval. It is the single call
// site internal/tools' executor integration and internal/turnengine use.
func Resolve(ctx context.Context, policy *lace.Policy, gate Gate, toolName string, arguments json.RawMessage, riskHint lace.RiskHint) (allow bool, err error) {
	switch policy.Decide(toolName) {
	case lace.DecisionAllow:
		return true, nil
	case lace.DecisionDeny:
		return false, nil
	case lace.DecisionRequireApproval:
		if gate == nil {
			return false, ErrNoGateConfigured
		}
		decision, err := gate.RequestApproval(ctx, toolName, arguments, riskHint)
		if err != nil {
			return false, fmt.Errorf("approval: request for %q: %w", toolName, err)
		}
		switch decision {
		case AllowOnce:
			return true, nil
		case AllowSession:
			policy.AllowSession(toolName)
			return true, nil
		case Deny:
			return false, nil
		default:
			return false, fmt.Errorf("approval: unknown decision %q", decision)
		}
	default:
		return false, fmt.Errorf("approval: unknown policy decision for %q", toolName)
	}
}
