package guard_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consense-labs/cct/pkg/cct"
	"github.com/consense-labs/cct/pkg/config"
	"github.com/consense-labs/cct/pkg/guard"
	"github.com/consense-labs/cct/pkg/redact"
)

type failingRevocations struct{}

func (failingRevocations) Contains(context.Context, string) (bool, error) {
	panic("revocation backend unreachable")
}

func testClaims(t *testing.T) *cct.Claims {
	t.Helper()
	now := time.Now().UTC()
	return &cct.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-test",
			Subject:   "did:controller:alpha",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(4 * time.Hour)),
		},
		Context: cct.ContextClaims{
			CPLHash:          "policy:consense:abcdef0123456789",
			LLC:              config.LLCSession,
			Scopes:           []string{"read:repo:docs/*.md"},
			Purpose:          "Review documentation",
			RedactionVectors: []string{redact.VectorEmail, redact.VectorCredentialAssignment},
			Export:           cct.ExportFlags{ModelToModel: true},
			DETID:            "det:0011223344556677",
			Rev:              "cct:crl:jti-test",
		},
	}
}

func newGuard(t *testing.T, opts ...guard.GuardOption) *guard.Guard {
	t.Helper()
	return guard.NewGuard(nil, cct.NewMemoryRevocationStore(), opts...)
}

func violationsByRule(violations []guard.Violation) map[string][]guard.Violation {
	out := make(map[string][]guard.Violation)
	for _, v := range violations {
		out[v.Rule] = append(out[v.Rule], v)
	}
	return out
}

func TestCleanRequestPasses(t *testing.T) {
	g := newGuard(t)
	violations, err := g.Check(context.Background(), guard.Request{
		Scopes: []string{"read:repo:docs/readme.md"},
		LLC:    config.LLCSession,
	}, testClaims(t))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestScopeViolationPerUnauthorizedScope(t *testing.T) {
	g := newGuard(t)
	violations := g.Evaluate(context.Background(), guard.Request{
		Scopes: []string{
			"read:repo:docs/readme.md",
			"write:repo:docs/readme.md",
			"read:repo:src/main.go",
		},
		LLC: config.LLCSession,
	}, testClaims(t))

	byRule := violationsByRule(violations)
	require.Len(t, byRule["scope_authorization"], 2)
	for _, v := range byRule["scope_authorization"] {
		assert.Equal(t, guard.SeverityBlocking, v.Severity)
	}
}

func TestExportControls(t *testing.T) {
	g := newGuard(t)
	claims := testClaims(t)

	violations := g.Evaluate(context.Background(), guard.Request{
		Scopes: []string{"export:internet:*", "share:model:peer", "export:third_party:*"},
		LLC:    config.LLCSession,
	}, claims)
	byRule := violationsByRule(violations)
	// model_to_model is on; the other two are off.
	require.Len(t, byRule["export_controls"], 2)

	claims.Context.Export.Internet = true
	claims.Context.Scopes = append(claims.Context.Scopes,
		"export:internet:*", "share:model:peer")
	violations = g.Evaluate(context.Background(), guard.Request{
		Scopes: []string{"export:internet:*", "share:model:peer"},
		LLC:    config.LLCSession,
	}, claims)
	assert.Empty(t, violationsByRule(violations)["export_controls"])
}

func TestExpiredTokenBlocks(t *testing.T) {
	now := time.Now().UTC()
	g := newGuard(t, guard.WithClock(func() time.Time { return now.Add(5 * time.Hour) }))

	violations := g.Evaluate(context.Background(), guard.Request{
		LLC: config.LLCSession,
	}, testClaims(t))
	byRule := violationsByRule(violations)
	require.Len(t, byRule["token_expiry"], 1)
	assert.Equal(t, guard.SeverityBlocking, byRule["token_expiry"][0].Severity)
}

func TestRevokedTokenBlocks(t *testing.T) {
	revocations := cct.NewMemoryRevocationStore()
	_, err := revocations.Add(context.Background(), cct.RevocationEntry{
		JTI: "jti-test", Reason: "breach", RevokedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	g := guard.NewGuard(nil, revocations)

	_, err = g.Check(context.Background(), guard.Request{
		LLC: config.LLCSession,
	}, testClaims(t))
	var authErr *guard.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	byRule := violationsByRule(authErr.Violations)
	require.Len(t, byRule["revocation_status"], 1)
}

func TestLLCComplianceEscalationBlocked(t *testing.T) {
	g := newGuard(t)
	claims := testClaims(t) // session

	cases := []struct {
		llc     string
		blocked bool
	}{
		{config.LLCEphemeral, false},
		{config.LLCSession, false},
		{config.LLCProject, true},
		{config.LLCPortfolio, true},
		{"bogus", true},
	}
	for _, tc := range cases {
		violations := g.Evaluate(context.Background(), guard.Request{LLC: tc.llc}, claims)
		got := violationsByRule(violations)["llc_compliance"]
		if tc.blocked {
			assert.NotEmpty(t, got, "llc %s", tc.llc)
		} else {
			assert.Empty(t, got, "llc %s", tc.llc)
		}
	}
}

func TestRedactionEnforcementAdvisory(t *testing.T) {
	g := newGuard(t)

	violations, err := g.Check(context.Background(), guard.Request{
		LLC:     config.LLCSession,
		Content: "contact alice@example.com for access",
	}, testClaims(t))
	// Advisory only: the request is not denied.
	require.NoError(t, err)
	byRule := violationsByRule(violations)
	require.Len(t, byRule["redaction_enforcement"], 1)
	assert.Equal(t, guard.SeverityAdvisory, byRule["redaction_enforcement"][0].Severity)

	violations, err = g.Check(context.Background(), guard.Request{
		LLC:      config.LLCSession,
		Content:  "contact alice@example.com for access",
		Redacted: true,
	}, testClaims(t))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestRuleFaultIsolation(t *testing.T) {
	g := guard.NewGuard(nil, failingRevocations{})

	violations := g.Evaluate(context.Background(), guard.Request{
		Scopes: []string{"write:repo:anything"},
		LLC:    config.LLCSession,
	}, testClaims(t))

	byRule := violationsByRule(violations)
	// The panicking revocation rule reports an error violation...
	require.Len(t, byRule["revocation_status"], 1)
	assert.Equal(t, guard.SeverityError, byRule["revocation_status"][0].Severity)
	// ...and the other rules still ran.
	assert.Len(t, byRule["scope_authorization"], 1)
}

func TestNilRevocationSourceFailsClosed(t *testing.T) {
	g := guard.NewGuard(nil, nil)
	_, err := g.Check(context.Background(), guard.Request{
		LLC: config.LLCSession,
	}, testClaims(t))
	var authErr *guard.AuthorizationError
	require.ErrorAs(t, err, &authErr)
}

func TestCELExtensionRule(t *testing.T) {
	g := newGuard(t)
	require.NoError(t, g.AddCELRule("session_only",
		`claims.llc == "session"`, guard.SeverityBlocking))
	require.NoError(t, g.AddCELRule("no_unredacted_content",
		`request.redacted || !("content_present" in request.context)`,
		guard.SeverityAdvisory))

	violations, err := g.Check(context.Background(), guard.Request{
		Scopes: []string{"read:repo:docs/readme.md"},
		LLC:    config.LLCSession,
	}, testClaims(t))
	require.NoError(t, err)
	assert.Empty(t, violations)

	claims := testClaims(t)
	claims.Context.LLC = config.LLCEphemeral
	_, err = g.Check(context.Background(), guard.Request{
		LLC: config.LLCEphemeral,
	}, claims)
	var authErr *guard.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.NotEmpty(t, violationsByRule(authErr.Violations)["session_only"])
}

func TestCELCompileErrorRejected(t *testing.T) {
	g := newGuard(t)
	err := g.AddCELRule("broken", `claims.llc ==`, guard.SeverityBlocking)
	assert.Error(t, err)
}
