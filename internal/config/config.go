// Package config loads and validates the agent's site identity, endpoint
// URLs, key paths, timing, and maintenance window — YAML file plus
// validation, the same shape an appliance daemon's config loader uses,
// layered through viper so an option set in the file can be overridden
// by an AGENT_-prefixed environment variable. An option the file does not
// set is not read from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/osiriscare/compliance-agent/internal/identity"
)

// Config holds every recognized option from the agent's configuration
// surface.
type Config struct {
	SiteID         string                  `mapstructure:"site_id"`
	HostID         string                  `mapstructure:"host_id"`
	DeploymentMode identity.DeploymentMode `mapstructure:"deployment_mode"`
	ResellerID     string                  `mapstructure:"reseller_id"`

	CoordinatorURL          string   `mapstructure:"coordinator_url"`
	CoordinatorAllowedHosts []string `mapstructure:"coordinator_allowed_hosts"`
	AuthMode                string   `mapstructure:"auth_mode"` // "mtls" | "bearer"
	BearerToken             string   `mapstructure:"bearer_token"`

	ClientCertPath string `mapstructure:"client_cert_path"`
	ClientKeyPath  string `mapstructure:"client_key_path"`
	TrustedCAPath  string `mapstructure:"trusted_ca_path"`

	SigningKeyPath        string `mapstructure:"signing_key_path"`
	TrustedVerifyKeysPath string `mapstructure:"trusted_verify_keys_path"`

	BaselinePath  string `mapstructure:"baseline_path"`
	RunbooksDir   string `mapstructure:"runbooks_dir"`
	EvidenceRoot  string `mapstructure:"evidence_root"`
	QueueDBPath   string `mapstructure:"queue_db_path"`
	NonceDBPath   string `mapstructure:"nonce_db_path"`

	PollIntervalSeconds    int `mapstructure:"poll_interval_seconds"`
	OrderTTLSecondsMinimum int `mapstructure:"order_ttl_seconds_minimum"`

	MaintenanceWindow string `mapstructure:"maintenance_window"` // HH:MM-HH:MM UTC

	EvidenceRetentionDays        int `mapstructure:"evidence_retention_days"`
	EvidenceRetentionDaysMinimum int `mapstructure:"evidence_retention_days_minimum"`
	EvidenceKeepLastN            int `mapstructure:"evidence_keep_last_n"`

	MaxClockSkewMS int `mapstructure:"max_clock_skew_ms"`

	DryRunMode bool `mapstructure:"dry_run_mode"`

	LogLevel  string `mapstructure:"log_level"`
	LogOutput string `mapstructure:"log_output"` // "stdout" | "file"
	LogFile   string `mapstructure:"log_file"`

	MaxHealAttemptCap int `mapstructure:"max_heal_attempt_cap"`
}

// MaintenanceWindowRange is the parsed [start, end) UTC clock-time window.
type MaintenanceWindowRange struct {
	Start time.Duration // offset from UTC midnight
	End   time.Duration
}

// Default returns a Config with sane defaults.
func Default() Config {
	return Config{
		DeploymentMode:               identity.DeploymentDirect,
		AuthMode:                     "mtls",
		PollIntervalSeconds:          60,
		OrderTTLSecondsMinimum:       60,
		MaintenanceWindow:            "02:00-04:00",
		EvidenceRetentionDays:        365,
		EvidenceRetentionDaysMinimum: 7,
		EvidenceKeepLastN:            5,
		MaxClockSkewMS:               90_000,
		LogLevel:                     "info",
		LogOutput:                    "stdout",
		MaxHealAttemptCap:            5,
	}
}

// Load reads configuration from a YAML file at path, applying env overrides
// via viper and validating required fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AGENT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the invariants of the recognized configuration surface.
func (c *Config) Validate() error {
	if c.SiteID == "" {
		return fmt.Errorf("config: site_id is required")
	}
	switch c.DeploymentMode {
	case identity.DeploymentDirect:
		if c.ResellerID != "" {
			return fmt.Errorf("config: reseller_id must be empty when deployment_mode=direct")
		}
	case identity.DeploymentReseller:
		if c.ResellerID == "" {
			return fmt.Errorf("config: reseller_id is required when deployment_mode=reseller")
		}
	default:
		return fmt.Errorf("config: deployment_mode must be 'direct' or 'reseller', got %q", c.DeploymentMode)
	}
	if c.CoordinatorURL == "" {
		return fmt.Errorf("config: coordinator_url is required")
	}
	if len(c.CoordinatorAllowedHosts) == 0 {
		return fmt.Errorf("config: coordinator_allowed_hosts must list at least one host")
	}
	if c.SigningKeyPath == "" {
		return fmt.Errorf("config: signing_key_path is required")
	}
	if c.OrderTTLSecondsMinimum < 60 {
		return fmt.Errorf("config: order_ttl_seconds_minimum must be >= 60, got %d", c.OrderTTLSecondsMinimum)
	}
	if c.PollIntervalSeconds < 10 || c.PollIntervalSeconds > 3600 {
		return fmt.Errorf("config: poll_interval_seconds must be between 10 and 3600, got %d", c.PollIntervalSeconds)
	}
	if _, err := ParseMaintenanceWindow(c.MaintenanceWindow); err != nil {
		return fmt.Errorf("config: invalid maintenance_window: %w", err)
	}
	switch c.AuthMode {
	case "mtls":
		if c.ClientCertPath == "" || c.ClientKeyPath == "" {
			return fmt.Errorf("config: client_cert_path and client_key_path required for auth_mode=mtls")
		}
	case "bearer":
		if c.BearerToken == "" {
			return fmt.Errorf("config: bearer_token required for auth_mode=bearer")
		}
	default:
		return fmt.Errorf("config: auth_mode must be 'mtls' or 'bearer', got %q", c.AuthMode)
	}
	if c.EvidenceRetentionDaysMinimum > c.EvidenceRetentionDays {
		return fmt.Errorf("config: evidence_retention_days_minimum cannot exceed evidence_retention_days")
	}
	return nil
}

// ParseMaintenanceWindow parses "HH:MM-HH:MM" into a clock-offset range.
func ParseMaintenanceWindow(s string) (MaintenanceWindowRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return MaintenanceWindowRange{}, fmt.Errorf("expected HH:MM-HH:MM, got %q", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return MaintenanceWindowRange{}, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return MaintenanceWindowRange{}, err
	}
	return MaintenanceWindowRange{Start: start, End: end}, nil
}

func parseClock(s string) (time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Contains reports whether the UTC-midnight offset t falls inside the
// window, correctly handling a window that wraps past midnight.
func (w MaintenanceWindowRange) Contains(t time.Time) bool {
	t = t.UTC()
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if w.Start <= w.End {
		return offset >= w.Start && offset < w.End
	}
	// Wraps past midnight, e.g. 22:00-02:00.
	return offset >= w.Start || offset < w.End
}

// Identity builds the SiteIdentity implied by this Config.
func (c *Config) Identity() (identity.SiteIdentity, error) {
	return identity.New(c.SiteID, c.ResellerID, c.HostID, c.DeploymentMode)
}

// RunbookPath joins RunbooksDir with a relative file name.
func (c *Config) RunbookPath(name string) string {
	return filepath.Join(c.RunbooksDir, name)
}
