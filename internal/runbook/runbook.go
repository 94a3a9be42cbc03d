// Package runbook loads and validates declarative remediation runbooks.
// Rule loading and validation (validatePromotedRule, allowedRuleActions)
// is adapted from a flat rule-matching model into a fixed Runbook/Step
// shape: four whitelisted action verbs, each with its own typed
// parameter record, unknown keys rejected at load time rather than at
// execution time.
package runbook

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is one of the four whitelisted verbs a runbook step may use.
// Any other value causes validation to fail at load time — never at
// execution time.
type Action string

const (
	ActionRunCommand     Action = "run_command"
	ActionRestartService Action = "restart_service"
	ActionTriggerBackup  Action = "trigger_backup"
	ActionSyncManifest   Action = "sync_manifest"
)

var allowedActions = map[Action]bool{
	ActionRunCommand:     true,
	ActionRestartService: true,
	ActionTriggerBackup:  true,
	ActionSyncManifest:   true,
}

// Step is one ordered step (forward or rollback) of a runbook.
type Step struct {
	Action         Action
	TimeoutSeconds int
	// Exactly one of the following is populated, matching Action.
	RunCommand     *RunCommandParams
	RestartService *RestartServiceParams
	TriggerBackup  *TriggerBackupParams
	SyncManifest   *SyncManifestParams
}

// Timeout returns the step's declared timeout as a time.Duration.
func (s Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RunCommandParams are the only parameters accepted for run_command.
// Args are substituted into argv positions, never concatenated into a
// shell command line, so no step can spawn a subshell with
// user-supplied arguments.
type RunCommandParams struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
}

// RestartServiceParams are the only parameters accepted for
// restart_service.
type RestartServiceParams struct {
	Service string `yaml:"service"`
}

// TriggerBackupParams are the only parameters accepted for
// trigger_backup.
type TriggerBackupParams struct {
	Target string `yaml:"target"`
}

// SyncManifestParams are the only parameters accepted for
// sync_manifest.
type SyncManifestParams struct {
	ManifestSource string `yaml:"manifest_source"`
}

// Runbook is a declarative, validated remediation procedure.
type Runbook struct {
	ID            string
	Name          string
	Severity      string
	HIPAAControls []string
	Disruptive    bool
	Steps         []Step
	Rollback      []Step
}

// rawDoc mirrors the on-disk YAML shape.
type rawDoc struct {
	ID            string       `yaml:"id"`
	Name          string       `yaml:"name"`
	Severity      string       `yaml:"severity"`
	HIPAAControls []string     `yaml:"hipaa_controls"`
	Disruptive    bool         `yaml:"disruptive"`
	Steps         []rawStep    `yaml:"steps"`
	Rollback      []rawStep    `yaml:"rollback"`
}

type rawStep struct {
	Action         string                 `yaml:"action"`
	TimeoutSeconds int                    `yaml:"timeout_seconds"`
	Params         map[string]interface{} `yaml:"params"`
}

// Load parses and validates a single runbook file. A runbook that fails
// validation is refused — it is never returned, and the caller (the
// loader walking RunbooksDir) is responsible for logging the rejection
// and not making it available to the Healer.
func Load(path string) (*Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runbook: read %s: %w", path, err)
	}

	var raw rawDoc
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("runbook: parse %s: %w", path, err)
	}

	rb, err := fromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("runbook: validate %s: %w", path, err)
	}
	return rb, nil
}

func fromRaw(raw rawDoc) (*Runbook, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if len(raw.HIPAAControls) == 0 {
		return nil, fmt.Errorf("missing hipaa_controls")
	}
	if len(raw.Steps) == 0 {
		return nil, fmt.Errorf("missing steps")
	}

	steps, err := validateSteps(raw.Steps)
	if err != nil {
		return nil, fmt.Errorf("steps: %w", err)
	}
	rollback, err := validateSteps(raw.Rollback)
	if err != nil {
		return nil, fmt.Errorf("rollback: %w", err)
	}

	return &Runbook{
		ID:            raw.ID,
		Name:          raw.Name,
		Severity:      raw.Severity,
		HIPAAControls: raw.HIPAAControls,
		Disruptive:    raw.Disruptive,
		Steps:         steps,
		Rollback:      rollback,
	}, nil
}

func validateSteps(raw []rawStep) ([]Step, error) {
	steps := make([]Step, 0, len(raw))
	for i, rs := range raw {
		action := Action(rs.Action)
		if !allowedActions[action] {
			return nil, fmt.Errorf("step %d: action %q is not in the whitelist", i, rs.Action)
		}
		if rs.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("step %d: timeout_seconds must be a finite positive value", i)
		}

		step := Step{Action: action, TimeoutSeconds: rs.TimeoutSeconds}
		if err := bindParams(&step, rs.Params); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// bindParams decodes the step's declarative parameter mapping into the
// one typed parameter record matching its action, refusing unknown keys
// at load time rather than execution time.
func bindParams(step *Step, params map[string]interface{}) error {
	switch step.Action {
	case ActionRunCommand:
		p := &RunCommandParams{}
		if err := decodeStrict(params, p, []string{"binary", "args"}); err != nil {
			return err
		}
		if p.Binary == "" {
			return fmt.Errorf("run_command requires a binary parameter")
		}
		step.RunCommand = p

	case ActionRestartService:
		p := &RestartServiceParams{}
		if err := decodeStrict(params, p, []string{"service"}); err != nil {
			return err
		}
		if p.Service == "" {
			return fmt.Errorf("restart_service requires a service parameter")
		}
		step.RestartService = p

	case ActionTriggerBackup:
		p := &TriggerBackupParams{}
		if err := decodeStrict(params, p, []string{"target"}); err != nil {
			return err
		}
		step.TriggerBackup = p

	case ActionSyncManifest:
		p := &SyncManifestParams{}
		if err := decodeStrict(params, p, []string{"manifest_source"}); err != nil {
			return err
		}
		step.SyncManifest = p
	}
	return nil
}

// decodeStrict round-trips params through YAML into target, first
// rejecting any key not in allowedKeys.
func decodeStrict(params map[string]interface{}, target interface{}, allowedKeys []string) error {
	allowed := make(map[string]bool, len(allowedKeys))
	for _, k := range allowedKeys {
		allowed[k] = true
	}
	for k := range params {
		if !allowed[k] {
			return fmt.Errorf("unknown parameter %q", k)
		}
	}

	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("bind params: %w", err)
	}
	return nil
}

// Set is the collection of loaded, validated runbooks keyed by ID.
type Set struct {
	byID map[string]*Runbook
}

// LoadDir loads every *.yaml/*.yml file in dir. A file that fails
// validation is skipped (its runbook is refused) and reported in the
// returned errs slice rather than aborting the whole load.
func LoadDir(dir string) (*Set, []error) {
	set := &Set{byID: make(map[string]*Runbook)}
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return set, []error{fmt.Errorf("runbook: read dir %s: %w", dir, err)}
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		rb, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		set.byID[rb.ID] = rb
	}
	return set, errs
}

// Resolve looks up a runbook by ID. The bool is false if the ID is not
// loaded — "not loaded" and "failed validation" are treated identically:
// both mean the runbook cannot be reached at cycle time.
func (s *Set) Resolve(id string) (*Runbook, bool) {
	rb, ok := s.byID[id]
	return rb, ok
}
