package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-gateway/pkg/actiongate"
	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/firewall"
)

// SupportedPolicyVersions is the semver constraint a policy file must satisfy.
const SupportedPolicyVersions = "^1"

// PolicyFile is the operator-authored egress and action policy for an
// execution. Keyword and path lists add to the built-in sets; they can never
// remove an entry from them.
type PolicyFile struct {
	Version           string            `yaml:"version"`
	MaxRequests       int               `yaml:"max_requests"`
	AllowedDomains    []string          `yaml:"allowed_domains"`
	AllowedMethods    []string          `yaml:"allowed_methods"`
	SafeMethods       []string          `yaml:"safe_methods,omitempty"`
	PermittedKinds    []string          `yaml:"permitted_kinds,omitempty"`
	ForbiddenKeywords []string          `yaml:"forbidden_keywords,omitempty"`
	ForbiddenPaths    []string          `yaml:"forbidden_paths,omitempty"`
	DenyRules         []string          `yaml:"deny_rules,omitempty"`
	ParameterSchemas  map[string]string `yaml:"parameter_schemas,omitempty"`
}

// LoadPolicyFile reads and validates a YAML policy document. Unknown fields
// and unsupported versions are errors.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*PolicyFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pf PolicyFile
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate checks the version gate and that the allow-lists are usable.
func (p *PolicyFile) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, ErrInvalidConfig.WithMessage(format, args...))
	}

	if err := checkPolicyVersion(p.Version); err != nil {
		errs = append(errs, err)
	}
	if p.MaxRequests <= 0 {
		invalid("max_requests must be positive, got %d", p.MaxRequests)
	}
	if len(p.AllowedDomains) == 0 {
		invalid("allowed_domains must not be empty")
	}
	if len(p.AllowedMethods) == 0 {
		invalid("allowed_methods must not be empty")
	}
	permitted := contracts.PermittedActionTypes()
	for _, k := range p.PermittedKinds {
		if !slices.Contains(permitted, contracts.ActionType(k)) {
			invalid("permitted_kinds: %q is not a permitted action kind", k)
		}
	}
	return errors.Join(errs...)
}

func checkPolicyVersion(v string) error {
	if v == "" {
		return ErrInvalidConfig.WithMessage("policy version is required")
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return ErrInvalidConfig.WithMessage("policy version %q: %v", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return ErrInvalidConfig.WithMessage("policy version %s does not satisfy %s", version, SupportedPolicyVersions)
	}
	return nil
}

// Policy returns the egress policy for one execution.
func (p *PolicyFile) Policy() contracts.Policy {
	return contracts.NewPolicy(p.MaxRequests, p.AllowedDomains, p.AllowedMethods)
}

// Guard returns the transport guard; the default safe methods apply when
// none are configured.
func (p *PolicyFile) Guard() *firewall.PayloadGuard {
	if len(p.SafeMethods) == 0 {
		return firewall.NewPayloadGuard()
	}
	return firewall.NewPayloadGuard(firewall.WithSafeMethods(p.SafeMethods...))
}

// GateConfig returns the action gate configuration, extending the built-in
// forbidden sets with the file's entries.
func (p *PolicyFile) GateConfig() actiongate.Config {
	cfg := actiongate.Config{
		ForbiddenKeywords: append(slices.Clone(actiongate.DefaultForbiddenKeywords), p.ForbiddenKeywords...),
		ForbiddenPaths:    append(slices.Clone(actiongate.DefaultForbiddenPaths), p.ForbiddenPaths...),
		DenyRules:         p.DenyRules,
	}
	for _, k := range p.PermittedKinds {
		cfg.PermittedKinds = append(cfg.PermittedKinds, contracts.ActionType(k))
	}
	if len(p.ParameterSchemas) > 0 {
		cfg.ParameterSchemas = make(map[contracts.ActionType]string, len(p.ParameterSchemas))
		for k, s := range p.ParameterSchemas {
			cfg.ParameterSchemas[contracts.ActionType(k)] = s
		}
	}
	return cfg
}
