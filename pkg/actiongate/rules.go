package actiongate

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

// ruleSet holds compiled CEL deny rules. An expression that evaluates to true,
// to a non-boolean, or fails to evaluate denies the action.
type ruleSet struct {
	exprs    []string
	programs []cel.Program
}

func compileRules(exprs []string) (*ruleSet, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("parameters", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &ruleSet{}
	for i, expr := range exprs {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("deny rule %d compile failed: %w", i, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("deny rule %d must return bool, got %v", i, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("deny rule %d program failed: %w", i, err)
		}
		rs.exprs = append(rs.exprs, expr)
		rs.programs = append(rs.programs, prg)
	}
	return rs, nil
}

func (rs *ruleSet) evaluate(action contracts.SafeAction) []error {
	input := map[string]any{
		"action_type": string(action.Type()),
		"target":      action.Target(),
		"parameters":  action.Parameters(),
	}

	var violations []error
	for i, prg := range rs.programs {
		out, _, err := prg.Eval(input)
		if err != nil {
			violations = append(violations, gatewayerr.Wrap(gatewayerr.ClassHardStop, gatewayerr.CodeForbiddenAction, err, "deny rule evaluation failed").
				WithRule(RuleDenyExpression, fmt.Sprintf("rule[%d]", i)))
			continue
		}
		denied, ok := out.Value().(bool)
		if !ok || denied {
			violations = append(violations, ErrForbiddenAction.
				WithRule(RuleDenyExpression, fmt.Sprintf("rule[%d]", i)).
				WithMessage("action matches deny rule %q", rs.exprs[i]))
		}
	}
	return violations
}
