package guard

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/consense-labs/cct/pkg/cct"
)

// celRule is a compiled extension rule. The expression must evaluate to a
// bool: true means the request passes, false raises a violation.
type celRule struct {
	name string
	eval func(ctx context.Context, req Request, claims *cct.Claims) []Violation
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("request", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("claims", types.NewMapType(types.StringType, types.DynType)),
		),
	)
}

// AddCELRule compiles a CEL expression and registers it as an extension rule
// evaluated alongside the built-in rules. The expression sees two variables:
// request (scopes, llc, redacted, context) and claims (llc, scopes, purpose,
// export flags). A false result raises a violation at the given severity;
// compile errors are returned immediately, runtime errors surface as
// error-severity violations through the usual isolation path.
//
//	guard.AddCELRule("session_only", `claims.llc == "session"`, guard.SeverityBlocking)
func (g *Guard) AddCELRule(name, expression string, severity Severity) error {
	env, err := newCELEnv()
	if err != nil {
		return fmt.Errorf("create evaluation env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile rule %s: %w", name, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("build rule %s: %w", name, err)
	}

	g.extensions = append(g.extensions, celRule{
		name: name,
		eval: func(_ context.Context, req Request, claims *cct.Claims) []Violation {
			out, _, err := prg.Eval(map[string]interface{}{
				"request": requestActivation(req),
				"claims":  claimsActivation(claims),
			})
			if err != nil {
				// Fail closed.
				return []Violation{{
					Rule:     name,
					Severity: SeverityError,
					Message:  fmt.Sprintf("rule evaluation failed: %v", err),
				}}
			}
			if allowed, ok := out.Value().(bool); ok && allowed {
				return nil
			}
			return []Violation{{
				Rule:     name,
				Severity: severity,
				Message:  fmt.Sprintf("extension rule %s rejected the request", name),
			}}
		},
	})
	return nil
}

func requestActivation(req Request) map[string]interface{} {
	extra := req.Context
	if extra == nil {
		extra = map[string]interface{}{}
	}
	return map[string]interface{}{
		"scopes":   req.Scopes,
		"llc":      req.LLC,
		"redacted": req.Redacted,
		"context":  extra,
	}
}

func claimsActivation(claims *cct.Claims) map[string]interface{} {
	if claims == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"llc":     claims.Context.LLC,
		"scopes":  claims.Context.Scopes,
		"purpose": claims.Context.Purpose,
		"subject": claims.Subject,
		"export": map[string]interface{}{
			"internet":       claims.Context.Export.Internet,
			"model_to_model": claims.Context.Export.ModelToModel,
			"third_party":    claims.Context.Export.ThirdParty,
		},
	}
}
