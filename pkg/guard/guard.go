// Package guard enforces sharing policy at request time. Evaluate runs a
// fixed set of independent rules over a request and the token claims backing
// it; every rule runs to completion and all violations are reported together
// so callers get full remediation context in one response.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/consense-labs/cct/pkg/cct"
	"github.com/consense-labs/cct/pkg/config"
	"github.com/consense-labs/cct/pkg/redact"
	"github.com/consense-labs/cct/pkg/scope"
)

// Severity classifies a violation.
type Severity string

const (
	// SeverityBlocking denies the request.
	SeverityBlocking Severity = "blocking"
	// SeverityAdvisory warns without denying.
	SeverityAdvisory Severity = "advisory"
	// SeverityError marks a rule that failed to evaluate. Treated as
	// blocking: a rule that cannot run must not silently allow.
	SeverityError Severity = "error"
)

// Violation is one rule's objection to a request.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Blocking reports whether the violation should deny the request.
func (v Violation) Blocking() bool {
	return v.Severity == SeverityBlocking || v.Severity == SeverityError
}

// Request is the access attempt being evaluated.
type Request struct {
	// Scopes the caller wants to exercise, e.g. "read:repo:docs/a.md"
	// or "export:internet:*".
	Scopes []string `json:"scopes"`
	// LLC tier the caller is operating at.
	LLC string `json:"llc"`
	// Content being shared onward, if any.
	Content string `json:"content,omitempty"`
	// Redacted marks content that already passed through redaction.
	Redacted bool `json:"redacted"`
	// Context carries extra attributes for extension rules.
	Context map[string]interface{} `json:"context,omitempty"`
}

// RevocationChecker is the slice of the token manager the guard needs.
type RevocationChecker interface {
	Contains(ctx context.Context, jti string) (bool, error)
}

// AuthorizationError carries the aggregated violations for a denied request.
type AuthorizationError struct {
	Violations []Violation
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied: %d violation(s)", len(e.Violations))
}

type rule struct {
	name string
	eval func(ctx context.Context, req Request, claims *cct.Claims) []Violation
}

// Guard evaluates requests against token claims.
type Guard struct {
	revocations RevocationChecker
	opts        scope.MatchOptions
	log         *slog.Logger
	clock       func() time.Time
	rules       []rule
	extensions  []celRule
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) GuardOption { return func(g *Guard) { g.clock = clock } }

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) GuardOption { return func(g *Guard) { g.log = log } }

// WithMatchOptions overrides scope glob behavior.
func WithMatchOptions(opts scope.MatchOptions) GuardOption {
	return func(g *Guard) { g.opts = opts }
}

// NewGuard creates a Guard. revocations may be nil, in which case the
// revocation rule reports an evaluation error rather than passing silently.
func NewGuard(cfg *config.Config, revocations RevocationChecker, opts ...GuardOption) *Guard {
	if cfg == nil {
		cfg = config.Default()
	}
	g := &Guard{
		revocations: revocations,
		opts:        scope.MatchOptions{CrossSegment: cfg.Scope.CrossSegment},
		log:         slog.Default(),
		clock:       time.Now,
	}
	g.rules = []rule{
		{"scope_authorization", g.ruleScopeAuthorization},
		{"export_controls", g.ruleExportControls},
		{"token_expiry", g.ruleTokenExpiry},
		{"revocation_status", g.ruleRevocationStatus},
		{"llc_compliance", g.ruleLLCCompliance},
		{"redaction_enforcement", g.ruleRedactionEnforcement},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs every rule and aggregates their violations. A panic inside
// one rule becomes an error-severity violation naming the rule; the
// remaining rules still run.
func (g *Guard) Evaluate(ctx context.Context, req Request, claims *cct.Claims) []Violation {
	violations := make([]Violation, 0)
	for _, r := range g.rules {
		violations = append(violations, g.runIsolated(ctx, r.name, r.eval, req, claims)...)
	}
	for _, ext := range g.extensions {
		violations = append(violations, g.runIsolated(ctx, ext.name, ext.eval, req, claims)...)
	}
	if len(violations) > 0 {
		g.log.DebugContext(ctx, "guard violations", "count", len(violations))
	}
	return violations
}

// Check is Evaluate with deny semantics: it returns an AuthorizationError
// when any blocking violation is present, and the advisory violations
// otherwise.
func (g *Guard) Check(ctx context.Context, req Request, claims *cct.Claims) ([]Violation, error) {
	violations := g.Evaluate(ctx, req, claims)
	for _, v := range violations {
		if v.Blocking() {
			return violations, &AuthorizationError{Violations: violations}
		}
	}
	return violations, nil
}

func (g *Guard) runIsolated(
	ctx context.Context,
	name string,
	eval func(context.Context, Request, *cct.Claims) []Violation,
	req Request,
	claims *cct.Claims,
) (out []Violation) {
	defer func() {
		if r := recover(); r != nil {
			g.log.ErrorContext(ctx, "guard rule panicked", "rule", name, "panic", r)
			out = []Violation{{
				Rule:     name,
				Severity: SeverityError,
				Message:  fmt.Sprintf("rule failed to evaluate: %v", r),
			}}
		}
	}()
	return eval(ctx, req, claims)
}

func (g *Guard) ruleScopeAuthorization(_ context.Context, req Request, claims *cct.Claims) []Violation {
	var out []Violation
	for _, want := range req.Scopes {
		covered := false
		for _, have := range claims.Context.Scopes {
			if scope.CoversString(have, want, g.opts) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, Violation{
				Rule:     "scope_authorization",
				Severity: SeverityBlocking,
				Message:  fmt.Sprintf("scope %q is not authorized by the token", want),
			})
		}
	}
	return out
}

func (g *Guard) ruleExportControls(_ context.Context, req Request, claims *cct.Claims) []Violation {
	var out []Violation
	deny := func(action, flag string) {
		out = append(out, Violation{
			Rule:     "export_controls",
			Severity: SeverityBlocking,
			Message:  fmt.Sprintf("%s requested but the policy's %s export control is off", action, flag),
		})
	}
	for _, raw := range req.Scopes {
		s, err := scope.Parse(raw)
		if err != nil {
			continue
		}
		switch {
		case s.Action == "export" && s.Resource == "internet":
			if !claims.Context.Export.Internet {
				deny("export:internet", "internet")
			}
		case s.Action == "export" && s.Resource == "third_party":
			if !claims.Context.Export.ThirdParty {
				deny("export:third_party", "third_party")
			}
		case s.Action == "share" && s.Resource == "model":
			if !claims.Context.Export.ModelToModel {
				deny("share:model", "model_to_model")
			}
		}
	}
	return out
}

func (g *Guard) ruleTokenExpiry(_ context.Context, _ Request, claims *cct.Claims) []Violation {
	if claims.ExpiresAt == nil || g.clock().After(claims.ExpiresAt.Time) {
		return []Violation{{
			Rule:     "token_expiry",
			Severity: SeverityBlocking,
			Message:  "token has expired",
		}}
	}
	return nil
}

func (g *Guard) ruleRevocationStatus(ctx context.Context, _ Request, claims *cct.Claims) []Violation {
	if g.revocations == nil {
		return []Violation{{
			Rule:     "revocation_status",
			Severity: SeverityError,
			Message:  "no revocation source configured",
		}}
	}
	revoked, err := g.revocations.Contains(ctx, claims.ID)
	if err != nil {
		return []Violation{{
			Rule:     "revocation_status",
			Severity: SeverityError,
			Message:  fmt.Sprintf("revocation check failed: %v", err),
		}}
	}
	if revoked {
		return []Violation{{
			Rule:     "revocation_status",
			Severity: SeverityBlocking,
			Message:  fmt.Sprintf("token %s has been revoked", claims.ID),
		}}
	}
	return nil
}

func (g *Guard) ruleLLCCompliance(_ context.Context, req Request, claims *cct.Claims) []Violation {
	requested := config.LLCRank(req.LLC)
	authorized := config.LLCRank(claims.Context.LLC)
	if requested < 0 {
		return []Violation{{
			Rule:     "llc_compliance",
			Severity: SeverityBlocking,
			Message:  fmt.Sprintf("unrecognized lifecycle tier %q", req.LLC),
		}}
	}
	if authorized < 0 || requested > authorized {
		return []Violation{{
			Rule:     "llc_compliance",
			Severity: SeverityBlocking,
			Message: fmt.Sprintf("requested tier %q exceeds authorized tier %q",
				req.LLC, claims.Context.LLC),
		}}
	}
	return nil
}

func (g *Guard) ruleRedactionEnforcement(_ context.Context, req Request, claims *cct.Claims) []Violation {
	if req.Content == "" || req.Redacted {
		return nil
	}
	var out []Violation
	for _, vector := range claims.Context.RedactionVectors {
		if redact.Matches(req.Content, vector) {
			out = append(out, Violation{
				Rule:     "redaction_enforcement",
				Severity: SeverityAdvisory,
				Message: fmt.Sprintf(
					"content matches the %q redaction vector but was not redacted", vector),
			})
		}
	}
	return out
}
