// Package actiongate decides whether a proposed action may run at all.
//
// The gate holds fixed sets built at construction: permitted action kinds,
// forbidden kind patterns, forbidden parameter keywords and forbidden target
// path fragments. Every check runs on every call so the returned error lists
// every rule the action broke.
package actiongate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

var (
	ErrForbiddenAction = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeForbiddenAction, "action is forbidden")
	ErrUnsafeAction    = gatewayerr.New(gatewayerr.ClassHardStop, gatewayerr.CodeUnsafeAction, "action is not in the permitted set")
)

// Rule names recorded on violations.
const (
	RuleForbiddenKind    = "forbidden_kind"
	RulePermittedKind    = "permitted_kind"
	RuleForbiddenKeyword = "forbidden_keyword"
	RuleForbiddenPath    = "forbidden_path"
	RuleParameterSchema  = "parameter_schema"
	RuleDenyExpression   = "deny_rule"
)

// DefaultForbiddenKinds are kind patterns that are never executed.
var DefaultForbiddenKinds = []string{
	"delete", "purchase", "payment", "login", "logout", "register",
	"upload", "execute_script", "download", "admin",
}

// DefaultForbiddenKeywords are refused anywhere in parameter names or values.
var DefaultForbiddenKeywords = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey", "credential",
	"admin", "captcha", "payment", "credit_card", "creditcard", "cvv", "ssn",
	"private_key",
}

// DefaultForbiddenPaths are refused anywhere in the target.
var DefaultForbiddenPaths = []string{
	"/admin", "/auth", "/login", "/logout", "/signin", "/oauth",
	"/payment", "/checkout", "/billing", "/account/delete", "/wp-admin",
}

// Config lists the gate's sets. Empty slices fall back to the defaults.
type Config struct {
	PermittedKinds    []contracts.ActionType
	ForbiddenKinds    []string
	ForbiddenKeywords []string
	ForbiddenPaths    []string
	// ParameterSchemas maps an action kind to a JSON Schema for its parameters.
	ParameterSchemas map[contracts.ActionType]string
	// DenyRules are CEL expressions; an action matching any of them is refused.
	DenyRules []string
}

// Gate validates actions. It is immutable and safe for concurrent use.
type Gate struct {
	permitted map[contracts.ActionType]struct{}
	kinds     []string
	keywords  []string
	paths     []string
	schemas   map[contracts.ActionType]*jsonschema.Schema
	rules     *ruleSet
	logger    *slog.Logger
}

// New compiles cfg into a Gate.
func New(cfg Config) (*Gate, error) {
	g := &Gate{
		permitted: make(map[contracts.ActionType]struct{}),
		kinds:     normalizeAll(orDefault(cfg.ForbiddenKinds, DefaultForbiddenKinds)),
		keywords:  normalizeAll(orDefault(cfg.ForbiddenKeywords, DefaultForbiddenKeywords)),
		paths:     normalizeAll(orDefault(cfg.ForbiddenPaths, DefaultForbiddenPaths)),
		schemas:   make(map[contracts.ActionType]*jsonschema.Schema),
		logger:    slog.Default().With("component", "action_gate"),
	}

	permitted := cfg.PermittedKinds
	if len(permitted) == 0 {
		permitted = contracts.PermittedActionTypes()
	}
	for _, k := range permitted {
		g.permitted[contracts.ActionType(normalize(string(k)))] = struct{}{}
	}

	for kind, schema := range cfg.ParameterSchemas {
		compiled, err := compileSchema(string(kind), schema)
		if err != nil {
			return nil, err
		}
		g.schemas[contracts.ActionType(normalize(string(kind)))] = compiled
	}

	rules, err := compileRules(cfg.DenyRules)
	if err != nil {
		return nil, err
	}
	g.rules = rules
	return g, nil
}

// NewDefault returns a gate with the default sets and no extra rules.
func NewDefault() *Gate {
	g, err := New(Config{})
	if err != nil {
		panic(fmt.Sprintf("actiongate: default config must compile: %v", err))
	}
	return g
}

// Validate runs every check and returns all violations joined, or nil.
func (g *Gate) Validate(action contracts.SafeAction) error {
	var violations []error
	kind := normalize(string(action.Type()))

	// 1. Forbidden kind patterns.
	for _, pattern := range g.kinds {
		if strings.Contains(kind, pattern) {
			violations = append(violations, ErrForbiddenAction.
				WithRule(RuleForbiddenKind, "action_type").
				WithMessage("action kind %q matches forbidden pattern %q", action.Type(), pattern))
			break
		}
	}

	// 2. Permitted set.
	if _, ok := g.permitted[contracts.ActionType(kind)]; !ok {
		violations = append(violations, ErrUnsafeAction.
			WithRule(RulePermittedKind, "action_type").
			WithMessage("action kind %q is not permitted", action.Type()))
	}

	// 3. Forbidden keywords in parameter names and values.
	params := action.Parameters()
	for _, key := range action.ParameterKeys() {
		for _, candidate := range []string{key, params[key]} {
			if kw, hit := containsAny(normalize(candidate), g.keywords); hit {
				violations = append(violations, ErrForbiddenAction.
					WithRule(RuleForbiddenKeyword, "parameters."+key).
					WithMessage("parameter %q contains forbidden keyword %q", key, kw))
				break
			}
		}
	}

	// 4. Forbidden target paths, raw and percent-decoded.
	for _, target := range targetForms(action.Target()) {
		if p, hit := containsAny(target, g.paths); hit {
			violations = append(violations, ErrForbiddenAction.
				WithRule(RuleForbiddenPath, "target").
				WithMessage("target %q contains forbidden path %q", action.Target(), p))
			break
		}
	}

	if schema, ok := g.schemas[contracts.ActionType(kind)]; ok {
		if err := schema.Validate(toAny(params)); err != nil {
			violations = append(violations, gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeUnsafeAction, err, "parameters do not match schema").
				WithRule(RuleParameterSchema, "parameters"))
		}
	}

	if g.rules != nil {
		violations = append(violations, g.rules.evaluate(action)...)
	}

	if len(violations) == 0 {
		return nil
	}
	g.logger.Warn("action refused",
		"action_id", action.ActionID(),
		"action_type", action.Type(),
		"violations", len(violations),
	)
	return errors.Join(violations...)
}

// IsSafe is Validate without the error detail.
func (g *Gate) IsSafe(action contracts.SafeAction) bool {
	return g.Validate(action) == nil
}

func compileSchema(kind, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://gateway.schemas.local/actions/%s.schema.json", kind)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("action schema load failed for %q: %w", kind, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("action schema compile failed for %q: %w", kind, err)
	}
	return compiled, nil
}

// normalize folds compatibility forms (full-width letters, ligatures) and case.
func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := normalize(strings.TrimSpace(s)); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func orDefault(in, def []string) []string {
	if len(in) == 0 {
		return def
	}
	return in
}

func containsAny(s string, needles []string) (string, bool) {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return n, true
		}
	}
	return "", false
}

func targetForms(target string) []string {
	forms := []string{normalize(target)}
	if decoded, err := url.PathUnescape(target); err == nil && decoded != target {
		forms = append(forms, normalize(decoded))
	}
	return forms
}

func toAny(params map[string]string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
