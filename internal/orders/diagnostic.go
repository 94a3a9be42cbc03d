// Diagnostic order execution: a small, fixed set of read-only shell
// commands an operator can request on demand, adapted from a
// whitelisted map of diagnostic probes — never free-form. Unlike a heal
// order, a diagnostic order never touches the Healer — it has no
// runbook, no rollback, no pre/post snapshot, only captured output.
package orders

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/osiriscare/compliance-agent/internal/coordinator"
)

// DiagnosticOutput is the captured result of a diagnostic order.
type DiagnosticOutput struct {
	Kind     string
	Stdout   string
	Stderr   string
	ExitCode int
	Error    string
}

// diagnosticCommands is the complete, fixed whitelist. An order
// requesting any kind outside this map is rejected before exec'ing
// anything — there is no free-form script execution path (spec
// Non-goals).
var diagnosticCommands = map[string][]string{
	"disk_usage":      {"df", "-h"},
	"uptime":          {"uptime"},
	"service_status":  {"systemctl", "list-units", "--type=service", "--state=running", "--no-pager"},
	"firewall_status": {"nft", "list", "ruleset"},
}

// RunDiagnostic executes the whitelisted command named by
// order.Params["diagnostic_kind"], timing it out after 15 seconds.
func RunDiagnostic(ctx context.Context, order coordinator.Order) (DiagnosticOutput, error) {
	kind, _ := order.Params["diagnostic_kind"].(string)
	argv, ok := diagnosticCommands[kind]
	if !ok {
		return DiagnosticOutput{Kind: kind}, fmt.Errorf("orders: unrecognized diagnostic_kind %q", kind)
	}

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	out := DiagnosticOutput{Kind: kind}
	if err := cmd.Run(); err != nil {
		out.Error = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
		}
	}
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	return out, nil
}
