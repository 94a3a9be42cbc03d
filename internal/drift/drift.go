// Package drift implements the Drift Detector: six independent,
// read-only, concurrently executed compliance checks compared against a
// declared baseline. Grounded on the agent-side checks package
// (github.com/osiriscare/agent/internal/checks — patches.go, rmm.go,
// screenlock.go, bitlocker.go, defender.go, firewall.go, each a small,
// independent, read-only probe) and concurrency-fanned-out with
// golang.org/x/sync/errgroup.
package drift

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/osiriscare/compliance-agent/internal/config"
)

// Severity is the drift severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Check names — the six checks the detector runs each cycle.
const (
	CheckConfigManifest  = "config_manifest_hash"
	CheckPatchStatus     = "patch_status"
	CheckBackupFreshness = "backup_freshness"
	CheckServiceHealth   = "service_health"
	CheckEncryptionStatus = "encryption_status"
	CheckClockSkew       = "clock_skew"
)

// AllChecks lists every check name the detector always invokes.
var AllChecks = []string{
	CheckConfigManifest,
	CheckPatchStatus,
	CheckBackupFreshness,
	CheckServiceHealth,
	CheckEncryptionStatus,
	CheckClockSkew,
}

// Result is one DriftResult per check per cycle.
type Result struct {
	CheckName             string
	DriftDetected         bool
	Severity              Severity
	Details               map[string]interface{}
	RemediationRunbookID  string
	HIPAAControls         []string
	Timestamp             time.Time
}

// Probe is a single check's read-only implementation. Probes never
// mutate host state; a probe that returns an error is recorded as
// drift_detected=true, severity=critical — a check that can't complete
// is treated as failing closed, never as "no drift."
type Probe func(ctx context.Context, baseline *config.BaselineConfig) (Result, error)

// Detector runs the registered probes concurrently, one per check name.
type Detector struct {
	probes      map[string]Probe
	perCheckTimeout time.Duration
}

// New builds a Detector with the standard six probes wired to real host
// interrogation. perCheckTimeout bounds each individual probe; a cycle
// timeout (enforced by the caller's context) bounds the whole set.
func New(perCheckTimeout time.Duration) *Detector {
	if perCheckTimeout <= 0 {
		perCheckTimeout = 20 * time.Second
	}
	d := &Detector{probes: make(map[string]Probe), perCheckTimeout: perCheckTimeout}
	d.Register(CheckConfigManifest, ConfigManifestProbe)
	d.Register(CheckPatchStatus, PatchStatusProbe)
	d.Register(CheckBackupFreshness, BackupFreshnessProbe)
	d.Register(CheckServiceHealth, ServiceHealthProbe)
	d.Register(CheckEncryptionStatus, EncryptionStatusProbe)
	d.Register(CheckClockSkew, ClockSkewProbe)
	return d
}

// Register installs or overrides a probe — used by tests to substitute
// fakes for real host interrogation.
func (d *Detector) Register(name string, p Probe) {
	d.probes[name] = p
}

// CheckAll runs every registered probe concurrently and returns a
// mapping from check name to DriftResult. A failing or timed-out probe
// never prevents the others from completing.
func (d *Detector) CheckAll(ctx context.Context, baseline *config.BaselineConfig) map[string]Result {
	results := make(map[string]Result, len(AllChecks))
	resultsCh := make(chan Result, len(d.probes))

	g, gctx := errgroup.WithContext(context.Background()) // each probe gets its own timeout, not a shared cancel-on-first-error context
	_ = gctx
	for name, probe := range d.probes {
		name, probe := name, probe
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, d.perCheckTimeout)
			defer cancel()

			result, err := runProbeSafely(probeCtx, probe, baseline)
			if err != nil {
				result = Result{
					CheckName:     name,
					DriftDetected: true,
					Severity:      SeverityCritical,
					Details:       map[string]interface{}{"error": err.Error()},
					HIPAAControls: []string{"164.312(b)"},
					Timestamp:     time.Now().UTC(),
				}
			}
			result.CheckName = name
			resultsCh <- result
			return nil
		})
	}
	_ = g.Wait()
	close(resultsCh)

	for r := range resultsCh {
		results[r.CheckName] = r
	}
	return results
}

// runProbeSafely recovers a panicking probe into an error so one broken
// check can never take down the others or the cycle.
func runProbeSafely(ctx context.Context, p Probe, baseline *config.BaselineConfig) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanic(r)
		}
	}()
	return p(ctx, baseline)
}

type panicError struct{ v interface{} }

func (e panicError) Error() string { return "drift probe panicked" }

func errPanic(v interface{}) error { return panicError{v: v} }

// Default thresholds used when no operator-declared baseline exists yet
// and CaptureBaseline must invent one from the running host's current
// state: an absent baseline file on first run is not an error, it
// triggers an initial capture instead.
const (
	defaultMaxPatchAge       = 30 * 24 * time.Hour
	defaultMaxBackupAge      = 26 * time.Hour
	defaultMaxRestoreTestAge = 120 * 24 * time.Hour
	defaultMaxClockSkewMS    = 90_000
)

// CaptureBaseline builds a BaselineConfig from the host's current state:
// the live config manifest hash, so the very next cycle sees zero drift
// on that check, combined with conservative default thresholds for the
// age- and skew-based checks. Critical services and required encrypted
// volumes are left empty — those are declarative choices an operator
// must still supply, never inferred from whatever happens to be running.
func CaptureBaseline(ctx context.Context) (*config.BaselineConfig, error) {
	hash, err := currentConfigManifestHash(ctx)
	if err != nil {
		return nil, err
	}
	return &config.BaselineConfig{
		ConfigManifestHash: hash,
		MaxPatchAge:        defaultMaxPatchAge,
		MaxBackupAge:       defaultMaxBackupAge,
		MaxRestoreTestAge:  defaultMaxRestoreTestAge,
		MaxClockSkewMS:     defaultMaxClockSkewMS,
	}, nil
}
