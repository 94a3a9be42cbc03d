package orders

import (
	"context"
	"testing"

	"github.com/osiriscare/compliance-agent/internal/coordinator"
)

func TestRunDiagnosticRejectsUnknownKind(t *testing.T) {
	order := coordinator.Order{Params: map[string]interface{}{"diagnostic_kind": "delete_everything"}}
	if _, err := RunDiagnostic(context.Background(), order); err == nil {
		t.Fatal("expected an unrecognized diagnostic_kind to be rejected")
	}
}

func TestRunDiagnosticExecutesWhitelistedCommand(t *testing.T) {
	order := coordinator.Order{Params: map[string]interface{}{"diagnostic_kind": "uptime"}}
	out, err := RunDiagnostic(context.Background(), order)
	if err != nil {
		t.Fatalf("RunDiagnostic: %v", err)
	}
	if out.Kind != "uptime" {
		t.Fatalf("expected kind uptime, got %s", out.Kind)
	}
}

func TestIsDiagnosticDistinguishesOrderType(t *testing.T) {
	if !IsDiagnostic(coordinator.Order{OrderType: "diagnostic"}) {
		t.Fatal("expected order_type=diagnostic to be recognized")
	}
	if IsDiagnostic(coordinator.Order{OrderType: "heal"}) {
		t.Fatal("did not expect order_type=heal to be treated as diagnostic")
	}
	if IsDiagnostic(coordinator.Order{}) {
		t.Fatal("did not expect the zero-value order_type to be treated as diagnostic")
	}
}
