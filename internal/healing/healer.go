package healing

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/osiriscare/compliance-agent/internal/config"
	"github.com/osiriscare/compliance-agent/internal/runbook"
)

// ClockSkewAsserting reports whether the clock-skew drift check currently
// asserts. The Healer consults this before any disruptive remediation.
type ClockSkewAsserting func() bool

// ExpectedManifestHash reports the config manifest hash the currently
// loaded baseline expects. The RB-DRIFT verifier uses this to confirm a
// sync_manifest runbook actually landed the host on the declared
// generation, not merely that it exited zero.
type ExpectedManifestHash func() string

// Verifier is a runbook-specific post-healing fix check (e.g. RB-SERVICE:
// declared services now active). The zero value always passes.
type Verifier func(ctx context.Context, rb *runbook.Runbook, pre, post HealthSnapshot) (bool, error)

// Healer executes validated runbooks with mandatory pre/post snapshots
// and reverse-order rollback on failure.
type Healer struct {
	MaintenanceWindow    config.MaintenanceWindowRange
	HasMaintenanceWindow bool
	ClockSkewAsserting   ClockSkewAsserting
	ExpectedManifestHash ExpectedManifestHash
	DryRun               bool
	Snapshot             func(ctx context.Context) (HealthSnapshot, error)
	Verifiers            map[string]Verifier // keyed by runbook ID
}

// New builds a Healer from process configuration, wiring the fix
// verifiers for the three named runbooks (RB-SERVICE, RB-BACKUP,
// RB-DRIFT) declared by the shipped drift probes.
func New(cfg *config.Config, clockSkewAsserting ClockSkewAsserting, expectedManifestHash ExpectedManifestHash) *Healer {
	h := &Healer{
		ClockSkewAsserting:   clockSkewAsserting,
		ExpectedManifestHash: expectedManifestHash,
		DryRun:               cfg.DryRunMode,
		Snapshot:             captureHostSnapshot,
	}
	h.Verifiers = map[string]Verifier{
		"RB-SERVICE-001": h.verifyServiceRestored,
		"RB-BACKUP-001":  h.verifyBackupAdvanced,
		"RB-DRIFT-001":   h.verifyManifestSynced,
	}
	if cfg.MaintenanceWindow != "" {
		if w, err := config.ParseMaintenanceWindow(cfg.MaintenanceWindow); err == nil {
			h.MaintenanceWindow = w
			h.HasMaintenanceWindow = true
		}
	}
	return h
}

// verifyServiceRestored confirms every service this runbook restarted is
// now active, per RB-SERVICE.
func (h *Healer) verifyServiceRestored(ctx context.Context, rb *runbook.Runbook, pre, post HealthSnapshot) (bool, error) {
	for _, step := range rb.Steps {
		if step.Action != runbook.ActionRestartService || step.RestartService == nil {
			continue
		}
		active, err := isServiceActive(ctx, step.RestartService.Service)
		if err != nil {
			return false, err
		}
		if !active {
			return false, nil
		}
	}
	return true, nil
}

// verifyBackupAdvanced confirms a fresh backup landed after the runbook
// ran, per RB-BACKUP: the post-snapshot's last-success timestamp must be
// newer than the pre-snapshot's.
func (h *Healer) verifyBackupAdvanced(ctx context.Context, rb *runbook.Runbook, pre, post HealthSnapshot) (bool, error) {
	if post.BackupLastSuccess.IsZero() {
		return false, nil
	}
	return post.BackupLastSuccess.After(pre.BackupLastSuccess), nil
}

// verifyManifestSynced confirms the host's config manifest now matches
// the baseline's declared hash, per RB-DRIFT. With no baseline hash
// wired yet (e.g. very first cycle), verification can't be meaningfully
// asserted, so it passes rather than false-failing a runbook that may
// well have worked.
func (h *Healer) verifyManifestSynced(ctx context.Context, rb *runbook.Runbook, pre, post HealthSnapshot) (bool, error) {
	if h.ExpectedManifestHash == nil {
		return true, nil
	}
	expected := h.ExpectedManifestHash()
	if expected == "" {
		return true, nil
	}
	return post.ConfigManifestHash == expected, nil
}

// Heal runs the full eight-step execution procedure for rb: pre-snapshot,
// forward steps, post-snapshot, verification, and reverse-order rollback
// on any failure.
func (h *Healer) Heal(ctx context.Context, rb *runbook.Runbook) Result {
	start := time.Now().UTC()

	if rb.Disruptive && h.HasMaintenanceWindow && !h.MaintenanceWindow.Contains(start) {
		return Result{
			RunbookID:      rb.ID,
			Status:         StatusDeferred,
			DeferredReason: "outside maintenance window",
			Timestamp:      start,
			Duration:       time.Since(start),
		}
	}
	if h.ClockSkewAsserting != nil && h.ClockSkewAsserting() {
		return Result{
			RunbookID:      rb.ID,
			Status:         StatusDeferred,
			DeferredReason: "clock skew drift asserting; disruptive remediation withheld",
			Timestamp:      start,
			Duration:       time.Since(start),
		}
	}

	pre, err := h.snapshot(ctx)
	if err != nil {
		return Result{
			RunbookID:    rb.ID,
			Status:       StatusFailed,
			ErrorMessage: fmt.Sprintf("pre-snapshot: %v", err),
			Timestamp:    start,
			Duration:     time.Since(start),
		}
	}

	envelope := stepEnvelope(rb.Steps)
	stepCtx, cancel := context.WithTimeout(ctx, envelope)
	defer cancel()

	steps, rollbackRequired := h.runSteps(stepCtx, rb.Steps)

	post, err := h.snapshot(ctx)
	if err != nil {
		post = pre
	}

	verified := true
	if !rollbackRequired {
		if v, ok := h.Verifiers[rb.ID]; ok && v != nil {
			ok, vErr := v(ctx, rb, pre, post)
			verified = ok && vErr == nil
			if !verified {
				rollbackRequired = true
			}
		}
	}

	result := Result{
		RunbookID:         rb.ID,
		Steps:             steps,
		PreSnapshot:       pre,
		PostSnapshot:      post,
		HealthCheckPassed: verified,
		RollbackAvailable: len(rb.Rollback) > 0,
		Timestamp:         start,
	}

	if rollbackRequired {
		rbCtx, rbCancel := context.WithTimeout(ctx, stepEnvelope(rb.Rollback))
		rollbackSteps, rollbackFailed := h.runRollback(rbCtx, rb.Rollback)
		rbCancel()
		result.Steps = append(result.Steps, rollbackSteps...)
		result.RollbackPerformed = true
		if rollbackFailed {
			result.Status = StatusFailed
			result.ErrorMessage = "rollback failed"
		} else {
			result.Status = StatusRolledBack
		}
	} else {
		result.Status = StatusSuccess
	}

	result.Duration = time.Since(start)
	return result
}

func (h *Healer) snapshot(ctx context.Context) (HealthSnapshot, error) {
	if h.DryRun {
		return HealthSnapshot{Timestamp: time.Now().UTC()}, nil
	}
	if h.Snapshot == nil {
		return HealthSnapshot{Timestamp: time.Now().UTC()}, nil
	}
	return h.Snapshot(ctx)
}

// runSteps executes rb's forward steps in order, stopping at the first
// non-success outcome and flagging rollback as required.
func (h *Healer) runSteps(ctx context.Context, steps []runbook.Step) ([]StepResult, bool) {
	results := make([]StepResult, 0, len(steps))
	rollbackRequired := false
	for i, step := range steps {
		if rollbackRequired {
			results = append(results, StepResult{Index: i, Status: StepSkipped})
			continue
		}
		r := h.runStep(ctx, i, step)
		results = append(results, r)
		if r.Status != StepSuccess {
			rollbackRequired = true
		}
	}
	return results, rollbackRequired
}

// runRollback executes rb's rollback steps in reverse order of the
// declared list.
func (h *Healer) runRollback(ctx context.Context, steps []runbook.Step) ([]StepResult, bool) {
	results := make([]StepResult, 0, len(steps))
	failed := false
	for i := len(steps) - 1; i >= 0; i-- {
		r := h.runStep(ctx, i, steps[i])
		results = append(results, r)
		if r.Status != StepSuccess {
			failed = true
		}
	}
	return results, failed
}

func (h *Healer) runStep(ctx context.Context, index int, step runbook.Step) StepResult {
	if h.DryRun {
		return StepResult{Index: index, Status: StepSuccess, Stdout: "[DRY-RUN]"}
	}

	name, args := resolveCommand(step)
	if name == "" {
		return StepResult{Index: index, Status: StepFailed, Stderr: "unresolvable step action"}
	}

	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(stepCtx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	duration := time.Since(start)

	result := StepResult{Index: index, Stdout: stdout.String(), Stderr: stderr.String(), Duration: duration}

	if stepCtx.Err() == context.DeadlineExceeded {
		result.Status = StepTimedOut
		return result
	}
	if err != nil {
		result.Status = StepFailed
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		return result
	}
	result.Status = StepSuccess
	return result
}

// resolveCommand translates a validated runbook step into an argv the
// healer spawns directly — parameters are substituted positionally,
// never concatenated into a shell command line, so no step can ever
// spawn a subshell carrying attacker-controlled input.
func resolveCommand(step runbook.Step) (string, []string) {
	switch step.Action {
	case runbook.ActionRunCommand:
		if step.RunCommand == nil {
			return "", nil
		}
		return step.RunCommand.Binary, step.RunCommand.Args
	case runbook.ActionRestartService:
		if step.RestartService == nil {
			return "", nil
		}
		return "systemctl", []string{"restart", step.RestartService.Service}
	case runbook.ActionTriggerBackup:
		if step.TriggerBackup == nil {
			return "", nil
		}
		return "compliance-agent-backup", []string{"--target", step.TriggerBackup.Target}
	case runbook.ActionSyncManifest:
		if step.SyncManifest == nil {
			return "", nil
		}
		return "nixos-rebuild", []string{"switch", "--flake", step.SyncManifest.ManifestSource}
	default:
		return "", nil
	}
}

// stepEnvelope derives a whole-runbook timeout from the sum of its
// declared step timeouts, plus a fixed overhead margin, so a runbook
// that hangs past any reasonable bound is terminated outright.
func stepEnvelope(steps []runbook.Step) time.Duration {
	var total time.Duration
	for _, s := range steps {
		total += s.Timeout()
	}
	return total + 30*time.Second
}

// captureHostSnapshot gathers the HealthSnapshot fields for this host:
// the 1-minute load average, backup recency, and the current config
// manifest hash, none of which require runbook context. ServiceActive
// and DiskUsagePct are returned as empty maps: per-runbook service
// activity is checked directly by verifyServiceRestored, since it
// depends on which services a given runbook restarted, and disk usage
// is not measured.
func captureHostSnapshot(ctx context.Context) (HealthSnapshot, error) {
	snap := HealthSnapshot{
		Timestamp:     time.Now().UTC(),
		ServiceActive: map[string]bool{},
		DiskUsagePct:  map[string]float64{},
	}

	if load, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(load))
		if len(fields) > 0 {
			fmt.Sscanf(fields[0], "%f", &snap.LoadAverage1m)
		}
	}

	if lastBackup, err := lastBackupSuccess("/var/lib/compliance-agent/backup-status"); err == nil {
		snap.BackupLastSuccess = lastBackup
	}

	if hash, err := currentConfigManifestHash(ctx); err == nil {
		snap.ConfigManifestHash = hash
	}

	return snap, nil
}

// isServiceActive reports whether name is active per systemctl, the same
// check the Drift Detector's service-health probe performs.
func isServiceActive(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "systemctl", "is-active", name).Output()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "inactive" || trimmed == "failed" || trimmed == "activating" {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(out)) == "active", nil
}

// lastBackupSuccess reads the last_backup timestamp out of the
// compliance-agent backup-status record. A missing file is not an
// error: it just means no backup has run yet.
func lastBackupSuccess(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var last time.Time
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || strings.TrimSpace(key) != "last_backup" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value)); err == nil {
			last = ts
		}
	}
	return last, scanner.Err()
}

// currentConfigManifestHash hashes the host's current declarative config
// generation, the same way the Drift Detector's config-manifest probe
// does, so the RB-DRIFT verifier and that probe always agree on what
// "the current manifest" means.
func currentConfigManifestHash(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "readlink", "-f", "/run/current-system").Output()
	if err != nil {
		data, readErr := os.ReadFile("/etc/compliance-agent/manifest.json")
		if readErr != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(string(out))))
	return hex.EncodeToString(sum[:]), nil
}
