package healing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/osiriscare/compliance-agent/internal/config"
	"github.com/osiriscare/compliance-agent/internal/runbook"
)

// fixedWindow returns a maintenance window that does not contain the
// current instant, so a disruptive runbook is reliably deferred.
func fixedWindow(t *testing.T) config.MaintenanceWindowRange {
	t.Helper()
	now := time.Now().UTC()
	start := now.Add(5 * time.Hour)
	end := start.Add(1 * time.Hour)
	w, err := config.ParseMaintenanceWindow(fmt.Sprintf("%02d:%02d-%02d:%02d", start.Hour(), start.Minute(), end.Hour()%24, end.Minute()))
	if err != nil {
		t.Fatalf("ParseMaintenanceWindow: %v", err)
	}
	return w
}

func trueRunbookStep(binary string, args []string) runbook.Step {
	return runbook.Step{
		Action:         runbook.ActionRunCommand,
		TimeoutSeconds: 5,
		RunCommand:     &runbook.RunCommandParams{Binary: binary, Args: args},
	}
}

func TestHealSucceedsWhenAllStepsSucceed(t *testing.T) {
	rb := &runbook.Runbook{
		ID:    "RB-TEST-001",
		Steps: []runbook.Step{trueRunbookStep("/bin/true", nil)},
	}
	h := &Healer{Snapshot: func(ctx context.Context) (HealthSnapshot, error) {
		return HealthSnapshot{Timestamp: time.Now().UTC()}, nil
	}}

	result := h.Heal(context.Background(), rb)
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.RollbackPerformed {
		t.Fatal("expected no rollback on success")
	}
}

func TestHealRollbackAvailableReflectsDeclaredStepsNotExecution(t *testing.T) {
	rb := &runbook.Runbook{
		ID:       "RB-TEST-008",
		Steps:    []runbook.Step{trueRunbookStep("/bin/true", nil)},
		Rollback: []runbook.Step{trueRunbookStep("/bin/echo", []string{"restore"})},
	}
	h := &Healer{Snapshot: func(ctx context.Context) (HealthSnapshot, error) {
		return HealthSnapshot{Timestamp: time.Now().UTC()}, nil
	}}

	result := h.Heal(context.Background(), rb)
	if result.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.RollbackPerformed {
		t.Fatal("expected no rollback to have run on the happy path")
	}
	if !result.RollbackAvailable {
		t.Fatal("expected rollback_available=true since the runbook declares rollback steps, even though none ran")
	}
}

func TestHealRollbackAvailableFalseWhenNoRollbackDeclared(t *testing.T) {
	rb := &runbook.Runbook{
		ID:    "RB-TEST-009",
		Steps: []runbook.Step{trueRunbookStep("/bin/true", nil)},
	}
	h := &Healer{Snapshot: func(ctx context.Context) (HealthSnapshot, error) {
		return HealthSnapshot{Timestamp: time.Now().UTC()}, nil
	}}

	result := h.Heal(context.Background(), rb)
	if result.RollbackAvailable {
		t.Fatal("expected rollback_available=false when the runbook declares no rollback steps")
	}
}

func TestHealRollsBackInReverseOrderOnFailure(t *testing.T) {
	rb := &runbook.Runbook{
		ID:    "RB-TEST-002",
		Steps: []runbook.Step{trueRunbookStep("/bin/false", nil)},
		Rollback: []runbook.Step{
			trueRunbookStep("/bin/echo", []string{"first"}),
			trueRunbookStep("/bin/echo", []string{"second"}),
		},
	}
	h := &Healer{Snapshot: func(ctx context.Context) (HealthSnapshot, error) {
		return HealthSnapshot{Timestamp: time.Now().UTC()}, nil
	}}

	result := h.Heal(context.Background(), rb)
	if result.Status != StatusRolledBack {
		t.Fatalf("expected rolled_back, got %+v", result)
	}
	if !result.RollbackPerformed {
		t.Fatal("expected rollback to have been performed")
	}
	// One forward-step result plus two rollback steps.
	if len(result.Steps) != 3 {
		t.Fatalf("expected 1 forward + 2 rollback step results, got %d: %+v", len(result.Steps), result.Steps)
	}
	if result.Steps[1].Stdout != "second\n" || result.Steps[2].Stdout != "first\n" {
		t.Fatalf("expected rollback to run the declared steps in reverse order, got %+v", result.Steps[1:])
	}
}

func TestHealRollbackFailureIsTerminalFailed(t *testing.T) {
	rb := &runbook.Runbook{
		ID:       "RB-TEST-003",
		Steps:    []runbook.Step{trueRunbookStep("/bin/false", nil)},
		Rollback: []runbook.Step{trueRunbookStep("/bin/false", nil)},
	}
	h := &Healer{Snapshot: func(ctx context.Context) (HealthSnapshot, error) {
		return HealthSnapshot{Timestamp: time.Now().UTC()}, nil
	}}

	result := h.Heal(context.Background(), rb)
	if result.Status != StatusFailed {
		t.Fatalf("expected failed when rollback itself fails, got %+v", result)
	}
}

func TestHealDryRunProducesNoSideEffects(t *testing.T) {
	rb := &runbook.Runbook{
		ID:    "RB-TEST-004",
		Steps: []runbook.Step{trueRunbookStep("/bin/false", nil)}, // would fail for real
	}
	h := &Healer{DryRun: true}

	result := h.Heal(context.Background(), rb)
	if result.Status != StatusSuccess {
		t.Fatalf("expected dry-run to report success regardless of real step outcome, got %+v", result)
	}
	if len(result.Steps) != 1 || result.Steps[0].Stdout != "[DRY-RUN]" {
		t.Fatalf("expected deterministic dry-run output, got %+v", result.Steps)
	}
}

func TestHealDeferredOutsideMaintenanceWindowForDisruptiveRunbook(t *testing.T) {
	rb := &runbook.Runbook{
		ID:         "RB-TEST-005",
		Disruptive: true,
		Steps:      []runbook.Step{trueRunbookStep("/bin/true", nil)},
	}
	// fixedWindow starts five hours from now and lasts one hour, so "now"
	// always falls outside it.
	h := &Healer{
		HasMaintenanceWindow: true,
		MaintenanceWindow:    fixedWindow(t),
	}

	result := h.Heal(context.Background(), rb)
	if result.Status != StatusDeferred {
		t.Fatalf("expected deferred outside maintenance window, got %+v", result)
	}
}

func TestHealDeferredWhileClockSkewAsserting(t *testing.T) {
	rb := &runbook.Runbook{
		ID:    "RB-TEST-006",
		Steps: []runbook.Step{trueRunbookStep("/bin/true", nil)},
	}
	h := &Healer{ClockSkewAsserting: func() bool { return true }}

	result := h.Heal(context.Background(), rb)
	if result.Status != StatusDeferred {
		t.Fatalf("expected deferred while clock skew asserts, got %+v", result)
	}
}

func TestVerifyBackupAdvancedRequiresNewerTimestamp(t *testing.T) {
	h := &Healer{}
	pre := HealthSnapshot{BackupLastSuccess: time.Unix(1000, 0)}

	stale := HealthSnapshot{BackupLastSuccess: time.Unix(1000, 0)}
	ok, err := h.verifyBackupAdvanced(context.Background(), &runbook.Runbook{ID: "RB-BACKUP-001"}, pre, stale)
	if err != nil || ok {
		t.Fatalf("expected failure when post backup timestamp did not advance, got ok=%v err=%v", ok, err)
	}

	fresh := HealthSnapshot{BackupLastSuccess: time.Unix(2000, 0)}
	ok, err = h.verifyBackupAdvanced(context.Background(), &runbook.Runbook{ID: "RB-BACKUP-001"}, pre, fresh)
	if err != nil || !ok {
		t.Fatalf("expected success when post backup timestamp advanced, got ok=%v err=%v", ok, err)
	}
}

func TestVerifyManifestSyncedComparesAgainstExpectedHash(t *testing.T) {
	h := &Healer{ExpectedManifestHash: func() string { return "abc123" }}
	rb := &runbook.Runbook{ID: "RB-DRIFT-001"}

	ok, err := h.verifyManifestSynced(context.Background(), rb, HealthSnapshot{}, HealthSnapshot{ConfigManifestHash: "def456"})
	if err != nil || ok {
		t.Fatalf("expected failure when post manifest hash does not match baseline, got ok=%v err=%v", ok, err)
	}

	ok, err = h.verifyManifestSynced(context.Background(), rb, HealthSnapshot{}, HealthSnapshot{ConfigManifestHash: "abc123"})
	if err != nil || !ok {
		t.Fatalf("expected success when post manifest hash matches baseline, got ok=%v err=%v", ok, err)
	}
}

func TestVerifyManifestSyncedPassesWithNoBaselineWired(t *testing.T) {
	h := &Healer{}
	ok, err := h.verifyManifestSynced(context.Background(), &runbook.Runbook{ID: "RB-DRIFT-001"}, HealthSnapshot{}, HealthSnapshot{ConfigManifestHash: "anything"})
	if err != nil || !ok {
		t.Fatalf("expected verification to pass when no baseline hash is wired, got ok=%v err=%v", ok, err)
	}
}

func TestHealFailingVerifierTriggersRollback(t *testing.T) {
	rb := &runbook.Runbook{
		ID:       "RB-TEST-007",
		Steps:    []runbook.Step{trueRunbookStep("/bin/true", nil)},
		Rollback: []runbook.Step{trueRunbookStep("/bin/true", nil)},
	}
	h := &Healer{
		Snapshot: func(ctx context.Context) (HealthSnapshot, error) {
			return HealthSnapshot{Timestamp: time.Now().UTC()}, nil
		},
		Verifiers: map[string]Verifier{
			"RB-TEST-007": func(ctx context.Context, rb *runbook.Runbook, pre, post HealthSnapshot) (bool, error) { return false, nil },
		},
	}

	result := h.Heal(context.Background(), rb)
	if result.Status != StatusRolledBack {
		t.Fatalf("expected a failing verifier to trigger rollback, got %+v", result)
	}
	if result.HealthCheckPassed {
		t.Fatal("expected health_check_passed=false when verifier fails")
	}
}
