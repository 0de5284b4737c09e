package approval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/obra/lace/pkg/lace"
)

func TestResolveAllowsWithoutGate(t *testing.T) {
	policy := lace.Policy{Rules: map[string]lace.ToolDecision{"read_file": lace.DecisionAllow}}
	allow, err := Resolve(context.Background(), &policy, nil, "read_file", json.RawMessage(`{}`), lace.RiskLow)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !allow {
		t.Fatal("expected allow for explicitly allowed tool")
	}
}

func TestResolveDeniesWithoutGate(t *testing.T) {
	policy := lace.Policy{Rules: map[string]lace.ToolDecision{"rm": lace.DecisionDeny}}
	allow, err := Resolve(context.Background(), &policy, nil, "rm", json.RawMessage(`{}`), lace.RiskHigh)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if allow {
		t.Fatal("expected deny for explicitly denied tool")
	}
}

func TestResolveFailsClosedWhenRequireApprovalAndNoGate(t *testing.T) {
	policy := lace.DefaultPolicy()
	_, err := Resolve(context.Background(), &policy, nil, "shell", json.RawMessage(`{}`), lace.RiskHigh)
	if err != ErrNoGateConfigured {
		t.Fatalf("expected ErrNoGateConfigured, got %v", err)
	}
}

func TestResolveAllowOnceDoesNotUpgradePolicy(t *testing.T) {
	policy := lace.DefaultPolicy()
	gate := NewNonInteractiveGate(AllowOnce)
	allow, err := Resolve(context.Background(), &policy, gate, "shell", json.RawMessage(`{}`), lace.RiskMedium)
	if err != nil || !allow {
		t.Fatalf("expected allow, got allow=%v err=%v", allow, err)
	}
	if policy.Decide("shell") != lace.DecisionRequireApproval {
		t.Fatalf("expected ALLOW_ONCE not to change policy, got %v", policy.Decide("shell"))
	}
}

func TestResolveAllowSessionUpgradesPolicy(t *testing.T) {
	policy := lace.DefaultPolicy()
	gate := NewNonInteractiveGate(AllowSession)
	allow, err := Resolve(context.Background(), &policy, gate, "shell", json.RawMessage(`{}`), lace.RiskMedium)
	if err != nil || !allow {
		t.Fatalf("expected allow, got allow=%v err=%v", allow, err)
	}
	if policy.Decide("shell") != lace.DecisionAllow {
		t.Fatalf("expected ALLOW_SESSION to upgrade policy to allow, got %v", policy.Decide("shell"))
	}
}

func TestResolveDenyFromGate(t *testing.T) {
	policy := lace.DefaultPolicy()
	gate := NewNonInteractiveGate(Deny)
	allow, err := Resolve(context.Background(), &policy, gate, "shell", json.RawMessage(`{}`), lace.RiskMedium)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if allow {
		t.Fatal("expected deny")
	}
}
