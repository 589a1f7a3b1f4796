package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consense-labs/cct/pkg/anchor"
	"github.com/consense-labs/cct/pkg/cct"
	"github.com/consense-labs/cct/pkg/config"
	"github.com/consense-labs/cct/pkg/consense"
	"github.com/consense-labs/cct/pkg/guard"
	"github.com/consense-labs/cct/pkg/parcel"
	"github.com/consense-labs/cct/pkg/service"
)

func newService(t *testing.T) *service.Service {
	t.Helper()
	keys, err := cct.NewInMemoryKeySet()
	require.NoError(t, err)
	store := parcel.NewMemoryStore(map[string][]byte{
		"a.md":      []byte("# Notes\nThe review target.\n"),
		"other.md":  []byte("# Other\n"),
		"secret.md": []byte("# Secret\n"),
	})
	svc, err := service.New(nil, keys, store)
	require.NoError(t, err)
	return svc
}

func sessionOffer() consense.Offer {
	return consense.Offer{
		DDI: consense.DDI{
			Statement: "Review the shared notes",
			Outputs:   []string{"summary"},
		},
		Catalog:    []consense.CatalogEntry{{Path: "a.md", Type: "markdown"}},
		LLC:        config.LLCSession,
		Controller: "did:controller:alpha",
		Timestamp:  time.Now().UTC(),
	}
}

func controllerApproval() []consense.Approval {
	return []consense.Approval{{
		Role:      "controller",
		Signer:    "did:controller:alpha",
		Timestamp: time.Now().UTC(),
		Signature: "sig-alpha",
	}}
}

func TestFullConsentLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	// Offer -> draft policy.
	pending, err := svc.SubmitOffer(ctx, sessionOffer())
	require.NoError(t, err)
	assert.Equal(t, []string{"read:repo:a.md"}, pending.Draft.Scopes)
	assert.Equal(t, 4*time.Hour, pending.Draft.Retention.TTL)

	// Finalize with the controller's approval.
	result, err := svc.FinalizeConsense(ctx, pending.ID, controllerApproval(), pending.Draft)
	require.NoError(t, err)
	assert.Contains(t, result.PolicyID, consense.PolicyIDPrefix)

	// Issue a token under the approved policy.
	issued, err := svc.IssueToken(ctx, result.PolicyID, []string{"agent:reviewer"})
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour,
		issued.Claims.ExpiresAt.Sub(issued.Claims.IssuedAt.Time))
	assert.Equal(t, result.PolicyID, issued.Claims.Context.CPLHash)

	// Verify and authorize within scope.
	claims, err := svc.VerifyToken(ctx, issued.Signed)
	require.NoError(t, err)
	assert.Equal(t, []string{"read:repo:a.md"}, claims.Context.Scopes)

	violations, err := svc.Authorize(ctx, issued.Signed, guard.Request{
		Scopes: []string{"read:repo:a.md"},
		LLC:    config.LLCSession,
	})
	require.NoError(t, err)
	assert.Empty(t, violations)

	// Out-of-scope request is denied with aggregated violations.
	_, err = svc.Authorize(ctx, issued.Signed, guard.Request{
		Scopes: []string{"read:repo:other.md", "export:internet:*"},
		LLC:    config.LLCSession,
	})
	var authErr *guard.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.GreaterOrEqual(t, len(authErr.Violations), 2)

	// Deliver parcels: the unauthorized path is skipped, not an error.
	parcels, err := svc.DeliverParcels(ctx, issued.Signed, "agent:reviewer",
		[]string{"a.md", "secret.md"})
	require.NoError(t, err)
	require.Len(t, parcels, 1)
	assert.Equal(t, "a.md", parcels[0].Path)
	assert.Contains(t, parcels[0].Content, parcels[0].Metadata.Canary)

	// Revoke, then verification fails terminally.
	require.NoError(t, svc.RevokeToken(ctx, issued.Claims.ID, "controller request"))
	_, err = svc.VerifyToken(ctx, issued.Signed)
	assert.ErrorIs(t, err, cct.ErrTokenRevoked)

	// The shared revocation set also flips the guard.
	_, err = svc.Authorize(ctx, issued.Signed, guard.Request{
		Scopes: []string{"read:repo:a.md"},
		LLC:    config.LLCSession,
	})
	assert.ErrorIs(t, err, cct.ErrTokenRevoked)

	crl, err := svc.RevocationList(ctx)
	require.NoError(t, err)
	require.Len(t, crl.RevokedTokens, 1)
	assert.Equal(t, issued.Claims.ID, crl.RevokedTokens[0].JTI)

	// Every lifecycle step landed on an intact chain.
	require.NoError(t, svc.VerifyAuditChain(ctx))
	report, err := svc.ExportAuditReport(ctx)
	require.NoError(t, err)
	assert.True(t, report.ChainIntegrity)
	// consense, token_issue, parcel_delivery, revocation
	require.Len(t, report.Records, 4)
	assert.Equal(t, anchor.OpConsense, report.Records[0].Record.Operation)
	assert.Equal(t, anchor.OpRevocation, report.Records[3].Record.Operation)

	tokenTrail, err := svc.TokenAuditTrail(ctx, issued.Claims.ID)
	require.NoError(t, err)
	assert.Len(t, tokenTrail, 3)

	trail, err := svc.AuditTrail(ctx, issued.Claims.Context.DETID)
	require.NoError(t, err)
	assert.True(t, trail.Verification.IntegrityValid)
	assert.Equal(t, issued.Claims.ID, trail.Record.TokenID)
}

func TestIssueTokenUnknownPolicy(t *testing.T) {
	svc := newService(t)
	_, err := svc.IssueToken(context.Background(), "policy:consense:missing", nil)
	assert.ErrorIs(t, err, consense.ErrPolicyNotFound)
}

func TestFinalizeWithoutApprovalFails(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	pending, err := svc.SubmitOffer(ctx, sessionOffer())
	require.NoError(t, err)

	_, err = svc.FinalizeConsense(ctx, pending.ID, nil, pending.Draft)
	var insufficient *consense.InsufficientApprovalsError
	require.ErrorAs(t, err, &insufficient)

	// Nothing landed on the chain for the failed attempt.
	report, err := svc.ExportAuditReport(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Records)
}

func TestAdvisoryViolationsDoNotDeny(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	pending, err := svc.SubmitOffer(ctx, sessionOffer())
	require.NoError(t, err)
	result, err := svc.FinalizeConsense(ctx, pending.ID, controllerApproval(), pending.Draft)
	require.NoError(t, err)
	issued, err := svc.IssueToken(ctx, result.PolicyID, []string{"agent:reviewer"})
	require.NoError(t, err)

	violations, err := svc.Authorize(ctx, issued.Signed, guard.Request{
		Scopes:  []string{"read:repo:a.md"},
		LLC:     config.LLCSession,
		Content: "ping alice@example.com about this",
	})
	require.NoError(t, err)
	require.NotEmpty(t, violations)
	assert.Equal(t, "redaction_enforcement", violations[0].Rule)
}

func TestSweepRunsCleanups(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.Sweep(context.Background()))
}
