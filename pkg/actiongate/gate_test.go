package actiongate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

func mustAction(t *testing.T, kind contracts.ActionType, target string, params map[string]string) contracts.SafeAction {
	t.Helper()
	a, err := contracts.NewSafeAction("act-1", kind, target, params, "test")
	require.NoError(t, err)
	return a
}

func rules(err error) []string {
	var out []string
	for _, v := range gatewayerr.Violations(err) {
		out = append(out, v.Rule)
	}
	return out
}

func TestGate_AllowsOrdinaryNavigation(t *testing.T) {
	g := NewDefault()
	a := mustAction(t, contracts.ActionNavigate, "https://example.com/products", map[string]string{"wait": "load"})
	require.NoError(t, g.Validate(a))
	assert.True(t, g.IsSafe(a))
}

func TestGate_ForbiddenPath(t *testing.T) {
	g := NewDefault()
	a := mustAction(t, contracts.ActionNavigate, "https://example.com/admin/dashboard", nil)

	err := g.Validate(a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForbiddenAction))
	assert.True(t, gatewayerr.IsHardStop(err))
	assert.Contains(t, rules(err), RuleForbiddenPath)
	assert.False(t, g.IsSafe(a))
}

func TestGate_ForbiddenKeywordInValue(t *testing.T) {
	g := NewDefault()
	a := mustAction(t, contracts.ActionTypeText, "#field", map[string]string{"text": "password123"})

	err := g.Validate(a)
	require.Error(t, err)
	vs := gatewayerr.Violations(err)
	require.Len(t, vs, 1)
	assert.Equal(t, RuleForbiddenKeyword, vs[0].Rule)
	assert.Equal(t, "parameters.text", vs[0].Field)
}

func TestGate_KeywordMatchingFoldsCompatibilityForms(t *testing.T) {
	g := NewDefault()
	// Full-width "ＰＡＳＳＷＯＲＤ" normalizes to "password".
	a := mustAction(t, contracts.ActionTypeText, "#field", map[string]string{"text": "ＰＡＳＳＷＯＲＤ"})
	assert.Contains(t, rules(g.Validate(a)), RuleForbiddenKeyword)
}

func TestGate_PercentEncodedPathIsCaught(t *testing.T) {
	g := NewDefault()
	a := mustAction(t, contracts.ActionNavigate, "https://example.com/%61dmin/users", nil)
	assert.Contains(t, rules(g.Validate(a)), RuleForbiddenPath)
}

func TestGate_ReportsEveryViolation(t *testing.T) {
	g := NewDefault()
	a := mustAction(t, "delete_account", "https://example.com/login", map[string]string{"field": "secret"})

	got := rules(g.Validate(a))
	assert.ElementsMatch(t, []string{
		RuleForbiddenKind,
		RulePermittedKind,
		RuleForbiddenKeyword,
		RuleForbiddenPath,
	}, got)
}

func TestGate_UnknownKindIsUnsafe(t *testing.T) {
	g := NewDefault()
	a := mustAction(t, "drag_and_drop", "#item", nil)

	err := g.Validate(a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsafeAction))
	assert.Equal(t, []string{RulePermittedKind}, rules(err))
}

func TestGate_CustomSets(t *testing.T) {
	g, err := New(Config{
		PermittedKinds:    []contracts.ActionType{contracts.ActionClick},
		ForbiddenKeywords: []string{"nuke"},
		ForbiddenPaths:    []string{"/danger"},
	})
	require.NoError(t, err)

	assert.True(t, g.IsSafe(mustAction(t, contracts.ActionClick, "https://example.com/admin", nil)),
		"custom path set replaces the defaults")
	assert.False(t, g.IsSafe(mustAction(t, contracts.ActionNavigate, "https://example.com/", nil)))
	assert.False(t, g.IsSafe(mustAction(t, contracts.ActionClick, "https://example.com/danger", nil)))
	assert.False(t, g.IsSafe(mustAction(t, contracts.ActionClick, "#btn", map[string]string{"label": "NUKE it"})))
}

func TestGate_ParameterSchema(t *testing.T) {
	g, err := New(Config{
		ParameterSchemas: map[contracts.ActionType]string{
			contracts.ActionScroll: `{
				"type": "object",
				"properties": {"direction": {"enum": ["up", "down"]}},
				"required": ["direction"],
				"additionalProperties": false
			}`,
		},
	})
	require.NoError(t, err)

	assert.True(t, g.IsSafe(mustAction(t, contracts.ActionScroll, "body", map[string]string{"direction": "down"})))

	err = g.Validate(mustAction(t, contracts.ActionScroll, "body", map[string]string{"direction": "sideways"}))
	require.Error(t, err)
	assert.Equal(t, []string{RuleParameterSchema}, rules(err))
	assert.Equal(t, gatewayerr.CodeUnsafeAction, gatewayerr.CodeOf(err))

	assert.False(t, g.IsSafe(mustAction(t, contracts.ActionScroll, "body", nil)))
}

func TestGate_InvalidSchemaRejectedAtConstruction(t *testing.T) {
	_, err := New(Config{
		ParameterSchemas: map[contracts.ActionType]string{contracts.ActionScroll: `{"type": 12`},
	})
	require.Error(t, err)
}

func TestGate_DenyRules(t *testing.T) {
	g, err := New(Config{
		DenyRules: []string{
			`target.startsWith("http://")`,
			`action_type == "click" && "selector" in parameters && parameters["selector"].contains("logout")`,
		},
	})
	require.NoError(t, err)

	assert.True(t, g.IsSafe(mustAction(t, contracts.ActionNavigate, "https://example.com/", nil)))

	err = g.Validate(mustAction(t, contracts.ActionNavigate, "http://example.com/", nil))
	require.Error(t, err)
	vs := gatewayerr.Violations(err)
	require.Len(t, vs, 1)
	assert.Equal(t, RuleDenyExpression, vs[0].Rule)
	assert.Equal(t, "rule[0]", vs[0].Field)

	err = g.Validate(mustAction(t, contracts.ActionClick, "#nav", map[string]string{"selector": "a.logout-link"}))
	assert.Contains(t, rules(err), RuleDenyExpression)
}

func TestGate_DenyRuleEvaluationErrorFailsClosed(t *testing.T) {
	g, err := New(Config{DenyRules: []string{`parameters["missing"] == "x"`}})
	require.NoError(t, err)

	err = g.Validate(mustAction(t, contracts.ActionClick, "#btn", nil))
	require.Error(t, err)
	assert.True(t, gatewayerr.IsHardStop(err))
	assert.Contains(t, rules(err), RuleDenyExpression)
}

func TestGate_DenyRuleMustBeBoolean(t *testing.T) {
	_, err := New(Config{DenyRules: []string{`target + "x"`}})
	require.Error(t, err)

	_, err = New(Config{DenyRules: []string{`this is not cel`}})
	require.Error(t, err)
}
