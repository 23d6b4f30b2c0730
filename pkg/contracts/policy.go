package contracts

import (
	"sort"
	"strings"
)

// Policy is the egress policy for one execution. It is immutable after
// NewPolicy; accessors return copies.
type Policy struct {
	maxRequests    int
	allowedDomains map[string]struct{}
	allowedMethods map[string]struct{}
}

// NewPolicy normalizes domains to lower case and methods to upper case.
func NewPolicy(maxRequests int, allowedDomains, allowedMethods []string) Policy {
	p := Policy{
		maxRequests:    maxRequests,
		allowedDomains: make(map[string]struct{}, len(allowedDomains)),
		allowedMethods: make(map[string]struct{}, len(allowedMethods)),
	}
	for _, d := range allowedDomains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			p.allowedDomains[d] = struct{}{}
		}
	}
	for _, m := range allowedMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			p.allowedMethods[m] = struct{}{}
		}
	}
	return p
}

func (p Policy) MaxRequests() int { return p.maxRequests }

// AllowedDomains returns the domain patterns in sorted order.
func (p Policy) AllowedDomains() []string { return sortedKeys(p.allowedDomains) }

// AllowedMethods returns the allowed HTTP methods in sorted order.
func (p Policy) AllowedMethods() []string { return sortedKeys(p.allowedMethods) }

// AllowsMethod reports whether method (any case) is allowed.
func (p Policy) AllowsMethod(method string) bool {
	_, ok := p.allowedMethods[strings.ToUpper(method)]
	return ok
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
