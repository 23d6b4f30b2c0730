package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm-gateway/pkg/config"
	"github.com/Mindburn-Labs/helm-gateway/pkg/firewall"
)

type policyCheck struct {
	Domain    string `json:"domain"`
	Method    string `json:"method"`
	Allowed   bool   `json:"allowed"`
	Rule      string `json:"rule,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Remaining int64  `json:"remaining"`
}

// runPolicyCheckCmd evaluates one request against a fresh counter.
//
// Exit codes:
//
//	0 = allowed
//	1 = denied
//	2 = runtime error
func runPolicyCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy-check", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		policyPath string
		domain     string
		method     string
		jsonOutput bool
	)
	cmd.StringVar(&policyPath, "policy", "", "Path to the policy YAML (REQUIRED)")
	cmd.StringVar(&domain, "domain", "", "Request domain (REQUIRED)")
	cmd.StringVar(&method, "method", "GET", "HTTP method")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the decision as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policyPath == "" || domain == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --policy and --domain are required")
		return 2
	}

	pf, err := config.LoadPolicyFile(policyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	eval := firewall.NewPolicyEvaluator(pf.Policy())
	d := eval.EvaluateRequest(domain, method)
	res := policyCheck{
		Domain:    firewall.NormalizeDomain(domain),
		Method:    method,
		Allowed:   d.Allowed,
		Rule:      d.Rule,
		Reason:    d.Reason,
		Remaining: eval.Remaining(),
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.Allowed {
		_, _ = fmt.Fprintf(stdout, "ALLOW %s %s (%d requests left)\n", res.Method, res.Domain, res.Remaining)
	} else {
		_, _ = fmt.Fprintf(stdout, "DENY %s %s: %s (%s)\n", res.Method, res.Domain, res.Reason, res.Rule)
	}
	if !res.Allowed {
		return 1
	}
	return 0
}
