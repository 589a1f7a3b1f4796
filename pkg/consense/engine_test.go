package consense_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consense-labs/cct/pkg/config"
	"github.com/consense-labs/cct/pkg/consense"
)

func testOffer() consense.Offer {
	return consense.Offer{
		DDI: consense.DDI{
			Statement: "Review documentation for accuracy",
			Outputs:   []string{"summary report"},
		},
		Catalog:    []consense.CatalogEntry{{Path: "a.md", Type: "markdown"}},
		LLC:        config.LLCSession,
		Controller: "did:controller:alpha",
		Timestamp:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func approval(role, signer string) consense.Approval {
	return consense.Approval{Role: role, Signer: signer, Timestamp: time.Now()}
}

func TestProcessOfferDerivesDraft(t *testing.T) {
	engine := consense.NewEngine(nil)

	pending, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	assert.Len(t, pending.ID, 16)
	assert.Equal(t, []string{"read:repo:a.md"}, pending.Draft.Scopes)
	assert.Equal(t, 4*time.Hour, pending.Draft.Retention.TTL)
	assert.Equal(t, "Review documentation for accuracy", pending.Draft.Purpose)
	assert.False(t, pending.Draft.Export.Internet)
	assert.True(t, pending.Draft.Export.ModelToModel)
	assert.NotEmpty(t, pending.Draft.Redactions)
}

func TestProcessOfferDefaultPurposeAndOutputScopes(t *testing.T) {
	engine := consense.NewEngine(nil)
	offer := testOffer()
	offer.DDI.Statement = "  "
	offer.DDI.Outputs = []string{"open pull requests", "update CI rules"}

	pending, err := engine.ProcessOffer(context.Background(), offer)
	require.NoError(t, err)

	assert.NotEmpty(t, pending.Draft.Purpose)
	assert.NotContains(t, pending.Draft.Purpose, "  ")
	assert.Contains(t, pending.Draft.Scopes, "write:suggestions:pull-requests")
	assert.Contains(t, pending.Draft.Scopes, "write:ci:rules")
}

func TestProcessOfferRejectsMissingController(t *testing.T) {
	engine := consense.NewEngine(nil)
	offer := testOffer()
	offer.Controller = ""

	_, err := engine.ProcessOffer(context.Background(), offer)
	var verr *consense.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestFinalizeUnknownOffer(t *testing.T) {
	engine := consense.NewEngine(nil)

	_, err := engine.FinalizeConsense(context.Background(), "does-not-exist", nil, consense.Policy{})
	assert.ErrorIs(t, err, consense.ErrOfferNotFound)
}

func TestFinalizeInsufficientApprovals(t *testing.T) {
	engine := consense.NewEngine(nil)
	pending, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	policy := pending.Draft
	policy.Approvals = consense.ApprovalPolicy{Required: []string{"controller"}, Threshold: 2}

	_, err = engine.FinalizeConsense(context.Background(), pending.ID,
		[]consense.Approval{approval("controller", "alice")}, policy)

	var insufficientErr *consense.InsufficientApprovalsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, 2, insufficientErr.Required)
	assert.Equal(t, 1, insufficientErr.Received)
}

func TestFinalizeMissingRequiredRole(t *testing.T) {
	engine := consense.NewEngine(nil)
	pending, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	policy := pending.Draft
	policy.Approvals = consense.ApprovalPolicy{
		Required:  []string{"controller", "steward"},
		Threshold: 2,
	}

	_, err = engine.FinalizeConsense(context.Background(), pending.ID,
		[]consense.Approval{approval("controller", "alice"), approval("reviewer", "bob")}, policy)

	var missingErr *consense.MissingRolesError
	require.ErrorAs(t, err, &missingErr)
	assert.Equal(t, []string{"steward"}, missingErr.Missing)
}

func TestFinalizeCountsDistinctRolesOnly(t *testing.T) {
	engine := consense.NewEngine(nil)
	pending, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	policy := pending.Draft
	policy.Approvals = consense.ApprovalPolicy{Required: []string{"controller"}, Threshold: 2}

	// Two approvals from the same role count once.
	_, err = engine.FinalizeConsense(context.Background(), pending.ID,
		[]consense.Approval{approval("controller", "alice"), approval("controller", "carol")}, policy)

	var insufficientErr *consense.InsufficientApprovalsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, 1, insufficientErr.Received)
}

func TestFinalizeIgnoresInvalidApprovals(t *testing.T) {
	engine := consense.NewEngine(nil)
	pending, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	policy := pending.Draft
	blank := consense.Approval{Role: "controller"} // no signer, no timestamp

	_, err = engine.FinalizeConsense(context.Background(), pending.ID,
		[]consense.Approval{blank}, policy)

	var insufficientErr *consense.InsufficientApprovalsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, 0, insufficientErr.Received)
}

func TestFinalizeApproves(t *testing.T) {
	engine := consense.NewEngine(nil)
	pending, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	result, err := engine.FinalizeConsense(context.Background(), pending.ID,
		[]consense.Approval{approval("controller", "alice")}, pending.Draft)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.PolicyID, consense.PolicyIDPrefix))
	assert.Len(t, result.PolicyHash, 64)
	assert.Equal(t, consense.PolicyIDPrefix+result.PolicyHash[:16], result.PolicyID)

	approved, err := engine.GetPolicy(context.Background(), result.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, pending.Draft.Purpose, approved.Policy.Purpose)

	// The offer is consumed; finalizing again fails.
	_, err = engine.FinalizeConsense(context.Background(), pending.ID,
		[]consense.Approval{approval("controller", "alice")}, pending.Draft)
	assert.ErrorIs(t, err, consense.ErrOfferNotFound)
}

func TestFinalizeRejectsUnsupportedSchemaVersion(t *testing.T) {
	engine := consense.NewEngine(nil)
	pending, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	policy := pending.Draft
	policy.SchemaVersion = "3.0.0"

	_, err = engine.FinalizeConsense(context.Background(), pending.ID,
		[]consense.Approval{approval("controller", "alice")}, policy)

	var verr *consense.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestOfferExpiryIsLazy(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	engine := consense.NewEngine(nil, consense.WithClock(func() time.Time { return now }))

	pending, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	// Advance past the retention window; finalize sees an expired offer.
	now = now.Add(2 * time.Hour)
	_, err = engine.FinalizeConsense(context.Background(), pending.ID,
		[]consense.Approval{approval("controller", "alice")}, pending.Draft)
	assert.ErrorIs(t, err, consense.ErrOfferNotFound)
}

func TestCleanupExpiredOffers(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	engine := consense.NewEngine(nil, consense.WithClock(func() time.Time { return now }))

	_, err := engine.ProcessOffer(context.Background(), testOffer())
	require.NoError(t, err)

	removed, err := engine.CleanupExpiredOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	now = now.Add(90 * time.Minute)
	removed, err = engine.CleanupExpiredOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
