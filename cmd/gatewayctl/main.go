// Command gatewayctl is the operator tool for the execution gateway: it
// verifies the audit and manifest chains, issues approval tokens and
// dry-runs egress policy.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/helm-gateway/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Load()
	slog.SetDefault(cfg.NewLogger(stderr))

	switch args[1] {
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "verify-manifests":
		return runVerifyManifestsCmd(args[2:], stdout, stderr)
	case "manifests":
		return runManifestsCmd(args[2:], stdout, stderr)
	case "approve":
		return runApproveCmd(cfg, args[2:], stdout, stderr)
	case "inspect-token":
		return runInspectTokenCmd(cfg, args[2:], stdout, stderr)
	case "policy-check":
		return runPolicyCheckCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: gatewayctl <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	printSection(w, "INTEGRITY")
	printCommand(w, "verify-audit", "Verify the audit hash chain (--backend, --path|--dsn, --json)")
	printCommand(w, "verify-manifests", "Verify the manifest chain (--backend, --dir|--path|--dsn, --json)")
	printCommand(w, "manifests", "Print a range of manifests (--dir, --from, --to)")
	printSection(w, "APPROVAL")
	printCommand(w, "approve", "Issue an execution token (--action, --approver)")
	printCommand(w, "inspect-token", "Decode an execution token (--token)")
	printSection(w, "POLICY")
	printCommand(w, "policy-check", "Dry-run an egress decision (--policy, --domain, --method)")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-18s %s\n", name, desc)
}
