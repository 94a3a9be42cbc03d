package agentcore

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osiriscare/compliance-agent/internal/config"
	"github.com/osiriscare/compliance-agent/internal/coordinator"
	"github.com/osiriscare/compliance-agent/internal/drift"
	"github.com/osiriscare/compliance-agent/internal/evidence"
	"github.com/osiriscare/compliance-agent/internal/healing"
	"github.com/osiriscare/compliance-agent/internal/identity"
	"github.com/osiriscare/compliance-agent/internal/noncestore"
	"github.com/osiriscare/compliance-agent/internal/queue"
	"github.com/osiriscare/compliance-agent/internal/runbook"
	"github.com/osiriscare/compliance-agent/internal/signer"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValueForTest(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

const testRunbookYAML = `
id: RB-TEST-001
name: restart test service
severity: high
hipaa_controls: ["164.312(a)(1)"]
disruptive: false
steps:
  - action: restart_service
    timeout_seconds: 5
    params:
      service: test.service
rollback:
  - action: restart_service
    timeout_seconds: 5
    params:
      service: test.service
`

func newTestCore(t *testing.T, server *httptest.Server) *Core {
	t.Helper()
	dir := t.TempDir()

	sgn, err := signer.LoadOrCreate(filepath.Join(dir, "agent.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	verifier := signer.NewVerifier()
	if err := verifier.AddTrustedKeyHex(hexEncode(sgn.PublicKey())); err != nil {
		t.Fatalf("AddTrustedKeyHex: %v", err)
	}

	nonces, err := noncestore.Open(filepath.Join(dir, "nonces.db"))
	if err != nil {
		t.Fatalf("noncestore.Open: %v", err)
	}
	t.Cleanup(func() { nonces.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	id, err := identity.New("site-1", "", "host-1", identity.DeploymentDirect)
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}

	builder := evidence.NewBuilder(id, "policy-v1", filepath.Join(dir, "evidence"), sgn, q)

	rbDir := filepath.Join(dir, "runbooks")
	if err := os.MkdirAll(rbDir, 0o755); err != nil {
		t.Fatalf("mkdir runbooks: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rbDir, "restart.yaml"), []byte(testRunbookYAML), 0o644); err != nil {
		t.Fatalf("write runbook: %v", err)
	}
	rbSet, errs := runbook.LoadDir(rbDir)
	if len(errs) > 0 {
		t.Fatalf("LoadDir errors: %v", errs)
	}

	detector := drift.New(5 * time.Second)
	detector.Register(drift.CheckServiceHealth, func(ctx context.Context, baseline *config.BaselineConfig) (drift.Result, error) {
		return drift.Result{
			DriftDetected:        true,
			Severity:             drift.SeverityHigh,
			RemediationRunbookID: "RB-TEST-001",
			HIPAAControls:        []string{"164.312(a)(1)"},
			Timestamp:            time.Now().UTC(),
		}, nil
	})
	for _, name := range drift.AllChecks {
		if name == drift.CheckServiceHealth {
			continue
		}
		detector.Register(name, func(ctx context.Context, baseline *config.BaselineConfig) (drift.Result, error) {
			return drift.Result{Timestamp: time.Now().UTC()}, nil
		})
	}

	gate := NewClockSkewGate()
	manifestGate := NewManifestBaselineGate()
	defaults := config.Default()
	cfg := &defaults
	cfg.DryRunMode = true
	cfg.BaselinePath = filepath.Join(dir, "baseline.yaml")
	healer := healing.New(cfg, gate.Asserting, manifestGate.ExpectedHash)

	u, _ := url.Parse(server.URL)
	client, err := coordinator.New(coordinator.Options{
		BaseURL:        server.URL,
		AllowedHosts:   []string{u.Hostname()},
		AuthMode:       coordinator.AuthBearer,
		BearerToken:    "test-token",
		SiteID:         "site-1",
		HostID:         "host-1",
		DeploymentMode: "direct",
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return New(Deps{
		Config:            cfg,
		Identity:          id,
		Logger:            logger,
		CoordinatorClient: client,
		Verifier:          verifier,
		SigningKey:        sgn,
		Nonces:            nonces,
		Queue:             q,
		Detector:          detector,
		Runbooks:          rbSet,
		Healer:            healer,
		Builder:           builder,
		ClockSkewGate:     gate,
		ManifestBaseline:  manifestGate,
	})
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

func TestRunCycleHealsDriftAndUploadsEvidence(t *testing.T) {
	var uploadCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orders/pending", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"orders":[]}`))
	})
	mux.HandleFunc("/api/evidence", func(w http.ResponseWriter, r *http.Request) {
		uploadCount++
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	core := newTestCore(t, server)

	if err := core.loadOrCaptureBaseline(context.Background()); err != nil {
		t.Fatalf("loadOrCaptureBaseline: %v", err)
	}

	stats, err := core.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if counterValueForTest(stats.DriftFound) != 1 {
		t.Fatalf("expected exactly one drifted check, got %v", counterValueForTest(stats.DriftFound))
	}
	if counterValueForTest(stats.HealsAttempted) != 1 {
		t.Fatalf("expected one heal attempt, got %v", counterValueForTest(stats.HealsAttempted))
	}
	if counterValueForTest(stats.HealsSucceeded) != 1 {
		t.Fatalf("expected the dry-run heal to succeed, got %v", counterValueForTest(stats.HealsSucceeded))
	}
	if counterValueForTest(stats.QueueFlushed) != 1 {
		t.Fatalf("expected the bundle to flush through the offline queue, got %v", counterValueForTest(stats.QueueFlushed))
	}
	if uploadCount != 1 {
		t.Fatalf("expected exactly one evidence upload, got %d", uploadCount)
	}
}

// newTestCoreUnremediatedDrift is like newTestCore, but the drifted
// check it registers declares no remediation runbook at all, mirroring
// EncryptionStatusProbe and ClockSkewProbe.
func newTestCoreUnremediatedDrift(t *testing.T, server *httptest.Server) *Core {
	t.Helper()
	core := newTestCore(t, server)
	core.detector.Register(drift.CheckServiceHealth, func(ctx context.Context, baseline *config.BaselineConfig) (drift.Result, error) {
		return drift.Result{
			DriftDetected: true,
			Severity:      drift.SeverityCritical,
			HIPAAControls: []string{"164.312(e)(2)(ii)"},
			Timestamp:     time.Now().UTC(),
		}, nil
	})
	return core
}

func TestRunCycleEmitsAlertBundleForDriftWithNoRemediationRunbook(t *testing.T) {
	var uploadedOutcome string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orders/pending", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"orders":[]}`))
	})
	mux.HandleFunc("/api/evidence", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			body := r.MultipartForm.Value["bundle"]
			if len(body) > 0 {
				var decoded struct {
					Outcome string `json:"outcome"`
				}
				if err := json.Unmarshal([]byte(body[0]), &decoded); err == nil {
					uploadedOutcome = decoded.Outcome
				}
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	core := newTestCoreUnremediatedDrift(t, server)
	if err := core.loadOrCaptureBaseline(context.Background()); err != nil {
		t.Fatalf("loadOrCaptureBaseline: %v", err)
	}

	stats, err := core.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if counterValueForTest(stats.HealsAttempted) != 0 {
		t.Fatalf("expected no heal attempt for a check with no remediation runbook, got %v", counterValueForTest(stats.HealsAttempted))
	}
	if counterValueForTest(stats.QueueFlushed) != 1 {
		t.Fatalf("expected the alert bundle to flush, got %v", counterValueForTest(stats.QueueFlushed))
	}
	if uploadedOutcome != string(evidence.OutcomeAlert) {
		t.Fatalf("expected an alert-outcome bundle for unremediated drift, got outcome=%q", uploadedOutcome)
	}
}

func TestRunCycleSuppressesRepeatedHealWithinCooldown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orders/pending", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"orders":[]}`))
	})
	mux.HandleFunc("/api/evidence", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	core := newTestCore(t, server)
	if err := core.loadOrCaptureBaseline(context.Background()); err != nil {
		t.Fatalf("loadOrCaptureBaseline: %v", err)
	}

	if _, err := core.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	stats, err := core.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if counterValueForTest(stats.HealsAttempted) != 0 {
		t.Fatalf("expected the second cycle's heal to be suppressed by cooldown, got %v attempts", counterValueForTest(stats.HealsAttempted))
	}
}
