// Package firewall enforces the egress policy of an execution: which domains
// and methods may be contacted, how many requests may be made, and what a
// request may carry.
package firewall

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var (
	ErrPolicyViolation    = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodePolicyViolation, "request violates execution policy")
	ErrTransportViolation = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeTransportViolation, "request violates transport rules")
)

// Policy rule names.
const (
	RuleMaxRequests   = "max_requests"
	RuleMethodAllowed = "allowed_methods"
	RuleDomainAllowed = "allowed_domains"
	RuleEmptyDomain   = "empty_domain"
)

// Decision is the outcome of evaluating one request against the policy.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
	// Count is the request number this decision was made for, starting at 1.
	Count int64
}

// Err converts a denial into a classified error. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrPolicyViolation.WithRule(d.Rule, "").WithMessage("%s", d.Reason)
}

// PolicyEvaluator applies a Policy to the requests of one execution. The
// request counter belongs to the evaluator, so each execution gets its own.
type PolicyEvaluator struct {
	policy   contracts.Policy
	exact    map[string]struct{}
	suffixes []string
	count    atomic.Int64
	logger   *slog.Logger
}

// NewPolicyEvaluator splits the policy's domains into exact names and
// "*.suffix" wildcards.
func NewPolicyEvaluator(policy contracts.Policy) *PolicyEvaluator {
	e := &PolicyEvaluator{
		policy: policy,
		exact:  make(map[string]struct{}),
		logger: slog.Default().With("component", "policy_evaluator"),
	}
	for _, d := range policy.AllowedDomains() {
		if suffix, ok := strings.CutPrefix(d, "*."); ok {
			if suffix != "" {
				e.suffixes = append(e.suffixes, "."+suffix)
			}
			continue
		}
		e.exact[d] = struct{}{}
	}
	return e
}

// EvaluateRequest counts the request and then checks it. The counter moves
// before any other check, so rejected requests still use up the budget.
func (e *PolicyEvaluator) EvaluateRequest(domain, method string) Decision {
	n := e.count.Add(1)

	if limit := int64(e.policy.MaxRequests()); n > limit {
		return e.deny(n, RuleMaxRequests, fmt.Sprintf("request %d exceeds limit of %d", n, limit))
	}
	if !e.policy.AllowsMethod(method) {
		return e.deny(n, RuleMethodAllowed, fmt.Sprintf("method %q is not allowed", method))
	}
	host := NormalizeDomain(domain)
	if host == "" {
		return e.deny(n, RuleEmptyDomain, "empty domain")
	}
	if !e.allowsDomain(host) {
		return e.deny(n, RuleDomainAllowed, fmt.Sprintf("domain %q is not allowed", host))
	}
	return Decision{Allowed: true, Count: n}
}

// Count returns how many requests have been evaluated.
func (e *PolicyEvaluator) Count() int64 { return e.count.Load() }

// Remaining returns how many more requests the policy admits.
func (e *PolicyEvaluator) Remaining() int64 {
	r := int64(e.policy.MaxRequests()) - e.count.Load()
	if r < 0 {
		return 0
	}
	return r
}

func (e *PolicyEvaluator) allowsDomain(host string) bool {
	if _, ok := e.exact[host]; ok {
		return true
	}
	for _, s := range e.suffixes {
		if len(host) > len(s) && strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

func (e *PolicyEvaluator) deny(n int64, rule, reason string) Decision {
	e.logger.Warn("request denied", "rule", rule, "reason", reason, "count", n)
	return Decision{Rule: rule, Reason: reason, Count: n}
}

// NormalizeDomain lower-cases a host, drops any port and a trailing dot.
func NormalizeDomain(domain string) string {
	d := strings.TrimSpace(domain)
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(strings.ToLower(d), ".")
	return d
}

// Firewall combines the policy evaluator of an execution with a payload guard.
type Firewall struct {
	evaluator *PolicyEvaluator
	guard     *PayloadGuard
}

// New returns a firewall with a fresh request counter for policy.
func New(policy contracts.Policy, guard *PayloadGuard) *Firewall {
	if guard == nil {
		guard = NewPayloadGuard()
	}
	return &Firewall{evaluator: NewPolicyEvaluator(policy), guard: guard}
}

// Check inspects the request and evaluates it against the policy. Both run on
// every call; the returned error joins every violation.
func (f *Firewall) Check(req Request) error {
	verdict := f.guard.Inspect(req)
	decision := f.evaluator.EvaluateRequest(req.Host(), req.Method)
	return errors.Join(verdict.Err(), decision.Err())
}

// Evaluator exposes the request counter of this firewall.
func (f *Firewall) Evaluator() *PolicyEvaluator { return f.evaluator }
