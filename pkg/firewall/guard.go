package firewall

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Transport rule names.
const (
	RuleURL            = "url"
	RuleScheme         = "https_only"
	RuleSafeMethod     = "safe_methods"
	RuleSpoofingHeader = "spoofing_header"
)

// DefaultSafeMethods are the methods the guard lets through.
var DefaultSafeMethods = []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions}

// SpoofingHeaders may never be set by a proposed request.
var SpoofingHeaders = []string{
	"Host", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto", "X-Real-IP",
	"X-Original-URL", "X-Rewrite-URL", "Forwarded", "X-Client-IP", "True-Client-IP",
	"CF-Connecting-IP",
}

// Request is an egress request implied by an action.
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// Host returns the URL's host, or "" when the URL does not parse.
func (r Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Violation is one broken transport rule.
type Violation struct {
	Rule    string
	Field   string
	Message string
}

// Verdict lists every violation found in a request.
type Verdict struct {
	Violations []Violation
}

func (v Verdict) Allowed() bool { return len(v.Violations) == 0 }

// Err joins the violations into classified errors, or returns nil.
func (v Verdict) Err() error {
	errs := make([]error, 0, len(v.Violations))
	for _, vi := range v.Violations {
		errs = append(errs, ErrTransportViolation.WithRule(vi.Rule, vi.Field).WithMessage("%s", vi.Message))
	}
	return errors.Join(errs...)
}

// PayloadGuard checks the shape of a request. It never modifies the request.
type PayloadGuard struct {
	safeMethods map[string]struct{}
	spoofing    map[string]struct{}
}

type GuardOption func(*PayloadGuard)

// WithSafeMethods replaces the default method set.
func WithSafeMethods(methods ...string) GuardOption {
	return func(g *PayloadGuard) {
		g.safeMethods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			g.safeMethods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
	}
}

func NewPayloadGuard(opts ...GuardOption) *PayloadGuard {
	g := &PayloadGuard{spoofing: make(map[string]struct{}, len(SpoofingHeaders))}
	WithSafeMethods(DefaultSafeMethods...)(g)
	for _, h := range SpoofingHeaders {
		g.spoofing[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Inspect returns every rule the request breaks.
func (g *PayloadGuard) Inspect(req Request) Verdict {
	var v Verdict
	add := func(rule, field, msg string) {
		v.Violations = append(v.Violations, Violation{Rule: rule, Field: field, Message: msg})
	}

	u, err := url.Parse(req.URL)
	switch {
	case err != nil:
		add(RuleURL, "url", "url does not parse: "+err.Error())
	case u.Host == "":
		add(RuleURL, "url", "url has no host")
	}
	if err == nil && !strings.EqualFold(u.Scheme, "https") {
		add(RuleScheme, "url", "scheme "+u.Scheme+" is not https")
	}

	if _, ok := g.safeMethods[strings.ToUpper(req.Method)]; !ok {
		add(RuleSafeMethod, "method", "method "+req.Method+" is not permitted")
	}

	var names []string
	for name := range req.Header {
		if _, bad := g.spoofing[http.CanonicalHeaderKey(name)]; bad {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		add(RuleSpoofingHeader, "header."+name, "header "+name+" is not permitted")
	}
	return v
}

