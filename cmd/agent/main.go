// Command agent runs the compliance agent: a periodic pull-only process
// that fetches signed orders from a coordinator, detects configuration
// drift against a declared baseline, executes whitelisted remediation
// runbooks, and produces signed evidence bundles. The config flag and
// signal-driven shutdown are adapted from a single-binary daemon
// entrypoint into a cobra command tree so validate-config and version
// are real subcommands rather than boolean flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osiriscare/compliance-agent/internal/agentcore"
	"github.com/osiriscare/compliance-agent/internal/config"
	"github.com/osiriscare/compliance-agent/internal/coordinator"
	"github.com/osiriscare/compliance-agent/internal/drift"
	"github.com/osiriscare/compliance-agent/internal/evidence"
	"github.com/osiriscare/compliance-agent/internal/healing"
	"github.com/osiriscare/compliance-agent/internal/logging"
	"github.com/osiriscare/compliance-agent/internal/noncestore"
	"github.com/osiriscare/compliance-agent/internal/queue"
	"github.com/osiriscare/compliance-agent/internal/runbook"
	"github.com/osiriscare/compliance-agent/internal/signer"
)

// version is set at build time via -ldflags.
var version = "0.1.0"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "agent",
		Short: "Pull-only compliance agent",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/compliance-agent/config.yaml", "configuration file path")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newValidateConfigCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newValidateConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file without starting the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if _, err := cfg.Identity(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s is valid\n", *configPath)
			return nil
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent cycle loop until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(*configPath)
		},
	}
}

func runAgent(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	if cfg.LogLevel != "" {
		logCfg.Level = cfg.LogLevel
	}
	if cfg.LogOutput != "" {
		logCfg.Output = cfg.LogOutput
	}
	logCfg.FilePath = cfg.LogFile
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	id, err := cfg.Identity()
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	sgn, err := signer.LoadOrCreate(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	verifier := signer.NewVerifier()
	if cfg.TrustedVerifyKeysPath != "" {
		loaded, err := signer.LoadTrustedKeys(cfg.TrustedVerifyKeysPath)
		if err != nil {
			return fmt.Errorf("load trusted verify keys: %w", err)
		}
		verifier = loaded
	}

	nonces, err := noncestore.Open(cfg.NonceDBPath)
	if err != nil {
		return fmt.Errorf("open nonce store: %w", err)
	}
	defer nonces.Close()

	q, err := queue.Open(cfg.QueueDBPath)
	if err != nil {
		return fmt.Errorf("open offline queue: %w", err)
	}
	defer q.Close()

	builder := evidence.NewBuilder(id, runbookPolicyVersion(cfg), cfg.EvidenceRoot, sgn, q)

	runbooks, loadErrs := runbook.LoadDir(cfg.RunbooksDir)
	for _, e := range loadErrs {
		logger.Warn("runbook rejected at load time", "error", e)
	}

	detector := drift.New(0)

	gate := agentcore.NewClockSkewGate()
	manifestGate := agentcore.NewManifestBaselineGate()
	healer := healing.New(cfg, gate.Asserting, manifestGate.ExpectedHash)

	authMode := coordinator.AuthMTLS
	if cfg.AuthMode == "bearer" {
		authMode = coordinator.AuthBearer
	}
	client, err := coordinator.New(coordinator.Options{
		BaseURL:        cfg.CoordinatorURL,
		AllowedHosts:   cfg.CoordinatorAllowedHosts,
		AuthMode:       authMode,
		BearerToken:    cfg.BearerToken,
		ClientCert:     cfg.ClientCertPath,
		ClientKey:      cfg.ClientKeyPath,
		TrustedCA:      cfg.TrustedCAPath,
		SiteID:         cfg.SiteID,
		HostID:         id.HostID,
		DeploymentMode: string(cfg.DeploymentMode),
		ResellerID:     cfg.ResellerID,
	})
	if err != nil {
		return fmt.Errorf("build coordinator client: %w", err)
	}

	core := agentcore.New(agentcore.Deps{
		Config:            cfg,
		Identity:          id,
		Logger:            logger,
		CoordinatorClient: client,
		Verifier:          verifier,
		SigningKey:        sgn,
		Nonces:            nonces,
		Queue:             q,
		Detector:          detector,
		Runbooks:          runbooks,
		Healer:            healer,
		Builder:           builder,
		ClockSkewGate:     gate,
		ManifestBaseline:  manifestGate,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	logger.Info("agent starting", "site_id", id.SiteID, "host_id", id.HostID, "deployment_mode", id.DeploymentMode)
	return core.Run(ctx)
}

// runbookPolicyVersion is folded into every evidence bundle; it pins the
// runbook set a cycle ran against, the same way every execution result
// is stamped with the policy/ruleset version that produced it.
func runbookPolicyVersion(cfg *config.Config) string {
	if cfg.RunbooksDir == "" {
		return "unversioned"
	}
	return cfg.RunbooksDir
}
