// Package agentcore implements the Agent Core: the periodic control
// loop that ties the coordinator client, order pipeline, drift
// detector, healer, and evidence builder together into one cycle.
// The fetch → verify → detect → heal → evidence sequencing is adapted
// from a fleet-orchestration run loop, narrowed from a WinRM/SSH-fleet
// scanning cycle down to this single-host pull-only cycle; the
// flap-aware cooldown (see cooldown.go) is adapted the same way.
package agentcore

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/osiriscare/compliance-agent/internal/config"
	"github.com/osiriscare/compliance-agent/internal/coordinator"
	"github.com/osiriscare/compliance-agent/internal/drift"
	"github.com/osiriscare/compliance-agent/internal/evidence"
	"github.com/osiriscare/compliance-agent/internal/healing"
	"github.com/osiriscare/compliance-agent/internal/identity"
	"github.com/osiriscare/compliance-agent/internal/metrics"
	"github.com/osiriscare/compliance-agent/internal/noncestore"
	"github.com/osiriscare/compliance-agent/internal/orders"
	"github.com/osiriscare/compliance-agent/internal/queue"
	"github.com/osiriscare/compliance-agent/internal/runbook"
	"github.com/osiriscare/compliance-agent/internal/sdnotify"
	"github.com/osiriscare/compliance-agent/internal/signer"
)

// queueFlushBatchSize bounds how many pending bundles one cycle uploads.
const queueFlushBatchSize = 25

// Core wires every component together and runs the periodic cycle.
type Core struct {
	cfg      *config.Config
	identity identity.SiteIdentity
	logger   *slog.Logger

	coordinatorClient *coordinator.Client
	verifier          *signer.Verifier
	signingKey        *signer.Signer
	nonces            *noncestore.Store
	q                 *queue.Queue
	detector          *drift.Detector
	runbooks          *runbook.Set
	healer            *healing.Healer
	pipeline          *orders.Pipeline
	builder           *evidence.Builder

	cooldown *cooldownTracker

	clockSkewGate    *ClockSkewGate
	manifestBaseline *ManifestBaselineGate

	baselineMu sync.RWMutex
	baseline   *config.BaselineConfig
	lastPrune  time.Time
}

// Deps bundles the already-constructed collaborators Core orchestrates.
// Building these (opening the SQLite databases, loading keys, loading
// runbooks) is the caller's responsibility — cmd/agent does this once
// at startup.
type Deps struct {
	Config            *config.Config
	Identity          identity.SiteIdentity
	Logger            *slog.Logger
	CoordinatorClient *coordinator.Client
	Verifier          *signer.Verifier
	SigningKey        *signer.Signer
	Nonces            *noncestore.Store
	Queue             *queue.Queue
	Detector          *drift.Detector
	Runbooks          *runbook.Set
	Healer            *healing.Healer
	Builder           *evidence.Builder
	ClockSkewGate     *ClockSkewGate
	ManifestBaseline  *ManifestBaselineGate
}

// New builds a Core from Deps, wiring the order pipeline internally
// since it only needs the verifier, nonce store, and host ID.
func New(d Deps) *Core {
	return &Core{
		cfg:               d.Config,
		identity:          d.Identity,
		logger:            d.Logger,
		coordinatorClient: d.CoordinatorClient,
		verifier:          d.Verifier,
		signingKey:        d.SigningKey,
		nonces:            d.Nonces,
		q:                 d.Queue,
		detector:          d.Detector,
		runbooks:          d.Runbooks,
		healer:            d.Healer,
		pipeline:          orders.New(d.Verifier, d.Nonces, d.Identity.HostID, d.Config.OrderTTLSecondsMinimum),
		builder:           d.Builder,
		clockSkewGate:     d.ClockSkewGate,
		manifestBaseline:  d.ManifestBaseline,
		cooldown:          newCooldownTracker(),
	}
}

// Run is the top-level process loop: sleep poll_interval ± jitter,
// run one cycle, repeat until ctx is cancelled. On cancellation it lets
// an in-flight cycle finish at its next safe boundary (RunCycle itself
// checks ctx between phases) rather than killing it outright.
func (c *Core) Run(ctx context.Context) error {
	if err := c.loadOrCaptureBaseline(ctx); err != nil {
		return fmt.Errorf("agentcore: establish baseline: %w", err)
	}
	c.startBaselineWatcher()

	_ = sdnotify.Ready()
	defer func() { _ = sdnotify.Stopping() }()

	for {
		cycleStats, err := c.RunCycle(ctx)
		if err != nil {
			c.logger.Error("cycle failed", "error", err)
		} else {
			cycleStats.LogSummary(c.logger)
		}
		_ = sdnotify.Watchdog()

		select {
		case <-ctx.Done():
			return c.drainOnShutdown()
		case <-time.After(c.nextInterval()):
		}
	}
}

// nextInterval applies ~10% jitter to the configured poll interval so a
// fleet of agents doesn't converge on the same coordinator request
// cadence.
func (c *Core) nextInterval() time.Duration {
	base := time.Duration(c.cfg.PollIntervalSeconds) * time.Second
	jitter := time.Duration(rand.Int63n(int64(base) / 5)) // up to 20%, centered below
	return base - jitter/2 + time.Duration(rand.Int63n(int64(jitter)+1))
}

// drainOnShutdown flushes the queue with a short deadline before exit,
// giving a cancelled run one last best-effort chance to ship evidence.
func (c *Core) drainOnShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, _ = c.flushQueue(ctx)
	return nil
}

// RunCycle executes one full Agent Core cycle: fetch orders, verify
// them, detect drift, heal drifted checks, execute accepted orders,
// flush the offline queue, and prune old evidence.
func (c *Core) RunCycle(ctx context.Context) (*metrics.Cycle, error) {
	stats := metrics.NewCycle()

	if err := ctxErr(ctx); err != nil {
		return stats, err
	}

	orderDecisions := c.fetchAndVerifyOrders(ctx, stats)

	if err := ctxErr(ctx); err != nil {
		return stats, err
	}
	results := c.detector.CheckAll(ctx, c.currentBaseline())
	c.clockSkewGate.Set(results[drift.CheckClockSkew].DriftDetected)

	for _, r := range results {
		if r.DriftDetected {
			stats.DriftFound.Inc()
		}
	}

	if err := ctxErr(ctx); err != nil {
		return stats, err
	}
	c.healDrift(ctx, results, stats)

	if err := ctxErr(ctx); err != nil {
		return stats, err
	}
	c.healOrders(ctx, orderDecisions, stats)

	if err := ctxErr(ctx); err != nil {
		return stats, err
	}
	flushed, failed, err := c.flushQueue(ctx)
	if err != nil {
		c.logger.Warn("queue flush encountered an error", "error", err)
	}
	for i := 0; i < flushed; i++ {
		stats.QueueFlushed.Inc()
	}
	for i := 0; i < failed; i++ {
		stats.QueueFailed.Inc()
	}

	c.prunePeriodically()

	return stats, nil
}

// loadOrCaptureBaseline loads the declared baseline file. If none exists
// yet, it captures the host's current state as the initial baseline and
// persists it — an absent baseline file on first run is not an error.
func (c *Core) loadOrCaptureBaseline(ctx context.Context) error {
	b, err := config.LoadBaseline(c.cfg.BaselinePath)
	if err != nil {
		return err
	}
	if b == nil {
		c.logger.Info("no baseline found, capturing current host state as initial baseline")
		b, err = drift.CaptureBaseline(ctx)
		if err != nil {
			return fmt.Errorf("capture initial baseline: %w", err)
		}
		if err := config.SaveBaseline(c.cfg.BaselinePath, b); err != nil {
			return fmt.Errorf("persist initial baseline: %w", err)
		}
	}
	c.baselineMu.Lock()
	c.baseline = b
	c.baselineMu.Unlock()
	if c.manifestBaseline != nil {
		c.manifestBaseline.Set(b.ConfigManifestHash)
	}
	return nil
}

// startBaselineWatcher reloads the baseline on explicit configuration
// change, never on a timer.
func (c *Core) startBaselineWatcher() {
	watcher, err := config.NewBaselineWatcher(c.cfg.BaselinePath)
	if err != nil {
		c.logger.Warn("baseline watcher unavailable, relying on startup load only", "error", err)
		return
	}
	go watcher.Run(func(b *config.BaselineConfig, err error) {
		if err != nil {
			c.logger.Error("baseline reload failed, keeping previous baseline", "error", err)
			return
		}
		c.baselineMu.Lock()
		c.baseline = b
		c.baselineMu.Unlock()
		if c.manifestBaseline != nil {
			c.manifestBaseline.Set(b.ConfigManifestHash)
		}
		c.logger.Info("baseline reloaded")
	})
}

func (c *Core) currentBaseline() *config.BaselineConfig {
	c.baselineMu.RLock()
	defer c.baselineMu.RUnlock()
	return c.baseline
}

// prunePeriodically runs evidence pruning at most once every 24 hours,
// wired to the three retention knobs from configuration.
func (c *Core) prunePeriodically() {
	if time.Since(c.lastPrune) < 24*time.Hour {
		return
	}
	c.lastPrune = time.Now()
	n, err := c.builder.Prune(c.cfg.EvidenceRetentionDays, c.cfg.EvidenceRetentionDaysMinimum, c.cfg.EvidenceKeepLastN)
	if err != nil {
		c.logger.Warn("evidence pruning failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("pruned evidence records", "count", n)
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// fetchAndVerifyOrders pulls pending orders and runs each through the
// verification pipeline, immediately folding rejected/expired orders
// into evidence (their verification is itself the per-cycle outcome).
func (c *Core) fetchAndVerifyOrders(ctx context.Context, stats *metrics.Cycle) []orders.Decision {
	fetched, err := c.coordinatorClient.FetchPendingOrders(ctx, 50)
	if err != nil {
		c.logger.Warn("fetch pending orders failed", "error", err)
		return nil
	}

	decisions := make([]orders.Decision, 0, len(fetched))
	for _, o := range fetched {
		decision := c.pipeline.Verify(o)
		decisions = append(decisions, decision)

		if decision.Disposition != orders.DispositionAccepted {
			stats.OrdersRejected.Inc()
			c.recordOrderDisposition(decision)
		}
	}
	return decisions
}

func (c *Core) recordOrderDisposition(decision orders.Decision) {
	now := time.Now().UTC()
	outcome := evidence.OutcomeRejected
	if decision.Disposition == orders.DispositionExpired {
		outcome = evidence.OutcomeExpired
	}
	bundle, err := c.builder.Build(evidence.Bundle{
		TimestampStart: now,
		TimestampEnd:   now,
		Check:          "order",
		OrderID:        decision.Order.OrderID,
		RunbookID:      decision.Order.RunbookID,
		Outcome:        outcome,
		Error:          decision.Reason,
	})
	if err != nil {
		c.logger.Error("build order-rejection bundle failed", "error", err)
		return
	}
	if err := c.builder.SignAndPersist(bundle); err != nil {
		c.logger.Error("persist order-rejection bundle failed", "error", err)
	}
}

// healDrift heals each drifted check whose resolved runbook is loaded
// and validated, honoring the flap-aware cooldown. A drifted check with
// no remediation runbook at all (encryption status, clock skew) still
// needs operator visibility, so it is folded into an alert bundle
// rather than dropped.
func (c *Core) healDrift(ctx context.Context, results map[string]drift.Result, stats *metrics.Cycle) {
	for checkName, r := range results {
		if !r.DriftDetected {
			continue
		}
		if c.cooldown.ShouldSuppress("drift:" + checkName) {
			continue
		}
		if r.RemediationRunbookID == "" {
			c.recordAlert(r, "drift detected with no remediation runbook declared")
			continue
		}

		rb, ok := c.runbooks.Resolve(r.RemediationRunbookID)
		if !ok {
			c.recordAlert(r, "remediation runbook not loaded or invalid: "+r.RemediationRunbookID)
			continue
		}

		stats.HealsAttempted.Inc()
		healResult := c.healer.Heal(ctx, rb)
		if healResult.Status == healing.StatusSuccess {
			stats.HealsSucceeded.Inc()
		}
		c.recordHealingOutcome(checkName, r, healResult, "")
	}
}

// recordAlert folds a DriftResult whose remediation cannot be resolved
// into an alert-outcome bundle: drift that can't be healed still needs
// operator visibility.
func (c *Core) recordAlert(r drift.Result, reason string) {
	now := r.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	bundle, err := c.builder.Build(evidence.Bundle{
		TimestampStart: now,
		TimestampEnd:   now,
		Check:          r.CheckName,
		HIPAAControls:  r.HIPAAControls,
		Outcome:        evidence.OutcomeAlert,
		Error:          reason,
	})
	if err != nil {
		c.logger.Error("build alert bundle failed", "error", err)
		return
	}
	if err := c.builder.SignAndPersist(bundle); err != nil {
		c.logger.Error("persist alert bundle failed", "error", err)
	}
}

func (c *Core) recordHealingOutcome(check string, r drift.Result, h healing.Result, orderID string) {
	outcome := evidence.OutcomeSuccess
	switch h.Status {
	case healing.StatusFailed:
		outcome = evidence.OutcomeFailed
	case healing.StatusRolledBack:
		outcome = evidence.OutcomeReverted
	case healing.StatusDeferred:
		outcome = evidence.OutcomeDeferred
	case healing.StatusPartial:
		outcome = evidence.OutcomeFailed
	}

	checkName := check
	if checkName == "" {
		checkName = "order"
	}

	bundle, err := c.builder.Build(evidence.Bundle{
		TimestampStart:    h.Timestamp,
		TimestampEnd:      h.Timestamp.Add(h.Duration),
		Check:             checkName,
		HIPAAControls:     r.HIPAAControls,
		PreState:          h.PreSnapshot,
		PostState:         h.PostSnapshot,
		ActionTaken:       h.Steps,
		RollbackAvailable: h.RollbackAvailable,
		Outcome:           outcome,
		OrderID:           orderID,
		RunbookID:         h.RunbookID,
		Error:             h.ErrorMessage,
	})
	if err != nil {
		c.logger.Error("build healing bundle failed", "error", err)
		return
	}
	if err := c.builder.SignAndPersist(bundle); err != nil {
		c.logger.Error("persist healing bundle failed", "error", err)
	}
}

// healOrders executes each accepted order, diagnostic or heal, folding
// the outcome into evidence with order_id populated.
func (c *Core) healOrders(ctx context.Context, decisions []orders.Decision, stats *metrics.Cycle) {
	for _, decision := range decisions {
		if decision.Disposition != orders.DispositionAccepted {
			continue
		}
		order := decision.Order
		stats.OrdersProcessed.Inc()

		if orders.IsDiagnostic(order) {
			c.recordDiagnostic(ctx, order)
			continue
		}

		rb, ok := c.runbooks.Resolve(order.RunbookID)
		if !ok {
			c.recordOrderRunbookMissing(order)
			continue
		}

		if c.cooldown.ShouldSuppress("order-runbook:" + order.RunbookID) {
			continue
		}

		stats.HealsAttempted.Inc()
		healResult := c.healer.Heal(ctx, rb)
		if healResult.Status == healing.StatusSuccess {
			stats.HealsSucceeded.Inc()
		}
		c.recordHealingOutcome("", drift.Result{}, healResult, order.OrderID)
	}
}

// recordDiagnostic runs a whitelisted read-only diagnostic order and
// folds its captured output into evidence. It never reaches the Healer:
// there is no runbook, no rollback, no pre/post snapshot.
func (c *Core) recordDiagnostic(ctx context.Context, order coordinator.Order) {
	now := time.Now().UTC()
	out, err := orders.RunDiagnostic(ctx, order)

	outcome := evidence.OutcomeSuccess
	errMsg := ""
	if err != nil {
		outcome = evidence.OutcomeFailed
		errMsg = err.Error()
	} else if out.ExitCode != 0 {
		outcome = evidence.OutcomeFailed
		errMsg = out.Error
	}

	bundle, buildErr := c.builder.Build(evidence.Bundle{
		TimestampStart: now,
		TimestampEnd:   time.Now().UTC(),
		Check:          "diagnostic",
		OrderID:        order.OrderID,
		Outcome:        outcome,
		Error:          errMsg,
		ActionTaken: []healing.StepResult{{
			Index:  0,
			Status: diagnosticStepStatus(err, out.ExitCode),
			Stdout: out.Stdout,
			Stderr: out.Stderr,
		}},
	})
	if buildErr != nil {
		c.logger.Error("build diagnostic bundle failed", "error", buildErr)
		return
	}
	if err := c.builder.SignAndPersist(bundle); err != nil {
		c.logger.Error("persist diagnostic bundle failed", "error", err)
	}
}

func diagnosticStepStatus(err error, exitCode int) healing.StepStatus {
	if err != nil || exitCode != 0 {
		return healing.StepFailed
	}
	return healing.StepSuccess
}

func (c *Core) recordOrderRunbookMissing(order coordinator.Order) {
	now := time.Now().UTC()
	bundle, err := c.builder.Build(evidence.Bundle{
		TimestampStart: now,
		TimestampEnd:   now,
		Check:          "order",
		OrderID:        order.OrderID,
		RunbookID:      order.RunbookID,
		Outcome:        evidence.OutcomeAlert,
		Error:          "runbook not loaded or invalid: " + order.RunbookID,
	})
	if err != nil {
		c.logger.Error("build missing-runbook bundle failed", "error", err)
		return
	}
	if err := c.builder.SignAndPersist(bundle); err != nil {
		c.logger.Error("persist missing-runbook bundle failed", "error", err)
	}
}

// flushQueue drains up to queueFlushBatchSize pending bundles, uploading
// each through the coordinator client, and reports how many succeeded
// versus failed so the caller can fold the counts into per-cycle stats.
func (c *Core) flushQueue(ctx context.Context) (flushed, failed int, err error) {
	pending, err := c.q.NextPending(queueFlushBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("agentcore: list pending evidence: %w", err)
	}

	for _, rec := range pending {
		if cerr := ctxErr(ctx); cerr != nil {
			return flushed, failed, cerr
		}
		if uerr := c.uploadOne(ctx, rec); uerr != nil {
			_ = c.q.MarkFailure(rec.BundleID, uerr)
			failed++
			continue
		}
		_ = c.q.MarkUploaded(rec.BundleID)
		flushed++
	}
	return flushed, failed, nil
}

func (c *Core) uploadOne(ctx context.Context, rec queue.QueuedEvidence) error {
	bundleJSON, err := os.ReadFile(rec.BundlePath)
	if err != nil {
		return fmt.Errorf("read bundle file: %w", err)
	}
	sig, err := os.ReadFile(rec.SignaturePath)
	if err != nil {
		return fmt.Errorf("read signature file: %w", err)
	}
	return c.coordinatorClient.UploadBundle(ctx, bundleJSON, sig)
}
