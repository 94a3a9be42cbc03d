package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// BaselineConfig is the declarative target state the Drift Detector
// compares the live host against. It is read once at startup and never
// mutated at runtime except through an explicit reload.
type BaselineConfig struct {
	ConfigManifestHash  string        `yaml:"config_manifest_hash"`
	MaxPatchAge         time.Duration `yaml:"max_patch_age"`
	MaxBackupAge        time.Duration `yaml:"max_backup_age"`
	MaxRestoreTestAge    time.Duration `yaml:"max_restore_test_age"`
	CriticalServices    []string      `yaml:"critical_services"`
	RequiredEncryptedVolumes []string `yaml:"required_encrypted_volumes"`
	MaxClockSkewMS      int           `yaml:"max_clock_skew_ms"`
	FirewallRulesetHash string        `yaml:"firewall_ruleset_hash"`
}

// rawBaseline mirrors BaselineConfig but with duration fields expressed
// as seconds on disk, matching the plain-numeric-field convention used
// throughout this repo's YAML-backed configs instead of Go duration
// strings.
type rawBaseline struct {
	ConfigManifestHash       string   `yaml:"config_manifest_hash"`
	MaxPatchAgeSeconds       int64    `yaml:"max_patch_age_seconds"`
	MaxBackupAgeSeconds      int64    `yaml:"max_backup_age_seconds"`
	MaxRestoreTestAgeSeconds int64    `yaml:"max_restore_test_age_seconds"`
	CriticalServices         []string `yaml:"critical_services"`
	RequiredEncryptedVolumes []string `yaml:"required_encrypted_volumes"`
	MaxClockSkewMS           int      `yaml:"max_clock_skew_ms"`
	FirewallRulesetHash      string   `yaml:"firewall_ruleset_hash"`
}

// LoadBaseline reads the baseline file. A missing file is not an error:
// the caller (Drift Detector, first-run capture) is expected to treat a
// nil, nil return as "no baseline yet".
func LoadBaseline(path string) (*BaselineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read baseline %s: %w", path, err)
	}

	var raw rawBaseline
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse baseline %s: %w", path, err)
	}

	return &BaselineConfig{
		ConfigManifestHash:       raw.ConfigManifestHash,
		MaxPatchAge:              time.Duration(raw.MaxPatchAgeSeconds) * time.Second,
		MaxBackupAge:             time.Duration(raw.MaxBackupAgeSeconds) * time.Second,
		MaxRestoreTestAge:        time.Duration(raw.MaxRestoreTestAgeSeconds) * time.Second,
		CriticalServices:         raw.CriticalServices,
		RequiredEncryptedVolumes: raw.RequiredEncryptedVolumes,
		MaxClockSkewMS:           raw.MaxClockSkewMS,
		FirewallRulesetHash:      raw.FirewallRulesetHash,
	}, nil
}

// SaveBaseline writes a captured baseline atomically (temp file +
// rename), so a crash mid-write never leaves a corrupt baseline file.
func SaveBaseline(path string, b *BaselineConfig) error {
	raw := rawBaseline{
		ConfigManifestHash:       b.ConfigManifestHash,
		MaxPatchAgeSeconds:       int64(b.MaxPatchAge.Seconds()),
		MaxBackupAgeSeconds:      int64(b.MaxBackupAge.Seconds()),
		MaxRestoreTestAgeSeconds: int64(b.MaxRestoreTestAge.Seconds()),
		CriticalServices:         b.CriticalServices,
		RequiredEncryptedVolumes: b.RequiredEncryptedVolumes,
		MaxClockSkewMS:           b.MaxClockSkewMS,
		FirewallRulesetHash:      b.FirewallRulesetHash,
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: marshal baseline: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write temp baseline: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename baseline into place: %w", err)
	}
	return nil
}

// BaselineWatcher watches the baseline file for explicit configuration
// changes — the baseline is reloaded only when the file itself changes,
// never on a timer — and invokes onReload with the newly parsed
// baseline.
type BaselineWatcher struct {
	watcher *fsnotify.Watcher
	path    string
}

// NewBaselineWatcher starts watching the file at path itself for writes.
// A replacement of the file by writing a new one and renaming it over
// path (as SaveBaseline, editors and config-management tools do) is not
// reported as a change, and the watch does not carry over to the new file.
func NewBaselineWatcher(path string) (*BaselineWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create baseline watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch baseline %s: %w", path, err)
	}
	return &BaselineWatcher{watcher: w, path: path}, nil
}

// Run blocks, invoking onReload whenever the baseline file changes, until
// the watcher is closed. onReload errors are swallowed by the caller's
// choice — Run only forwards events and reload failures as a single
// channel of (*BaselineConfig, error) pairs.
func (bw *BaselineWatcher) Run(onReload func(*BaselineConfig, error)) {
	for {
		select {
		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			b, err := LoadBaseline(bw.path)
			onReload(b, err)
		case _, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (bw *BaselineWatcher) Close() error {
	return bw.watcher.Close()
}
