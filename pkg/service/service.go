// Package service composes the consent engine end to end: offer negotiation,
// token issuance, request-time guarding, parcel delivery, and audit
// anchoring. It is the facade a host application embeds; every mutating
// operation lands a record on the audit chain before the result is returned.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/consense-labs/cct/pkg/anchor"
	"github.com/consense-labs/cct/pkg/cct"
	"github.com/consense-labs/cct/pkg/config"
	"github.com/consense-labs/cct/pkg/consense"
	"github.com/consense-labs/cct/pkg/guard"
	"github.com/consense-labs/cct/pkg/observability"
	"github.com/consense-labs/cct/pkg/parcel"
)

// Service wires the subsystems behind one API.
type Service struct {
	cfg        *config.Config
	engine     *consense.Engine
	tokens     *cct.TokenManager
	guard      *guard.Guard
	parcelizer *parcel.Parcelizer
	anchor     *anchor.Anchor
	telemetry  *observability.Provider
	log        *slog.Logger
	clock      func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithEngine swaps the consense engine.
func WithEngine(e *consense.Engine) ServiceOption { return func(s *Service) { s.engine = e } }

// WithTokenManager swaps the token manager.
func WithTokenManager(m *cct.TokenManager) ServiceOption { return func(s *Service) { s.tokens = m } }

// WithGuard swaps the policy guard.
func WithGuard(g *guard.Guard) ServiceOption { return func(s *Service) { s.guard = g } }

// WithParcelizer swaps the parcelizer.
func WithParcelizer(p *parcel.Parcelizer) ServiceOption {
	return func(s *Service) { s.parcelizer = p }
}

// WithAnchor swaps the audit anchor.
func WithAnchor(a *anchor.Anchor) ServiceOption { return func(s *Service) { s.anchor = a } }

// WithTelemetry attaches an observability provider.
func WithTelemetry(p *observability.Provider) ServiceOption {
	return func(s *Service) { s.telemetry = p }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ServiceOption { return func(s *Service) { s.log = log } }

// WithClock overrides the clock for testing. Affects only the facade; the
// subsystems carry their own clocks.
func WithClock(clock func() time.Time) ServiceOption { return func(s *Service) { s.clock = clock } }

// New builds a Service around a signing key set and a context store. The
// default subsystems use in-memory state; swap them via options for durable
// backends.
func New(cfg *config.Config, keys cct.KeySet, store parcel.ContextStore, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if keys == nil {
		return nil, fmt.Errorf("service: key set is required")
	}

	// The guard and the token manager share one revocation set so a revoked
	// token is refused by both paths.
	revocations := cct.NewMemoryRevocationStore()
	tokens := cct.NewTokenManager(cfg, keys, cct.WithRevocationStore(revocations))

	s := &Service{
		cfg:        cfg,
		engine:     consense.NewEngine(cfg),
		tokens:     tokens,
		guard:      guard.NewGuard(cfg, revocations),
		parcelizer: parcel.NewParcelizer(cfg, store),
		anchor:     anchor.NewAnchor(nil),
		log:        slog.Default(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.telemetry == nil {
		p, err := observability.New(context.Background(), nil)
		if err != nil {
			return nil, fmt.Errorf("service: init telemetry: %w", err)
		}
		s.telemetry = p
	}
	return s, nil
}

// SubmitOffer validates an offer and returns the pending draft policy.
func (s *Service) SubmitOffer(ctx context.Context, offer consense.Offer) (consense.PendingOffer, error) {
	return s.engine.ProcessOffer(ctx, offer)
}

// FinalizeConsense approves a draft policy and anchors the agreement.
func (s *Service) FinalizeConsense(
	ctx context.Context,
	offerID string,
	approvals []consense.Approval,
	policy consense.Policy,
) (consense.Result, error) {
	result, err := s.engine.FinalizeConsense(ctx, offerID, approvals, policy)
	if err != nil {
		return consense.Result{}, err
	}

	participants := append([]string{policy.Controller}, policy.Processors...)
	signatures := make([]string, 0, len(approvals))
	for _, a := range approvals {
		if a.Signature != "" {
			signatures = append(signatures, a.Signature)
		}
	}
	if _, err := s.anchor.RecordConsense(ctx, result.PolicyID, participants, signatures); err != nil {
		return consense.Result{}, fmt.Errorf("anchor consense: %w", err)
	}
	s.telemetry.RecordChainAppend(ctx, anchor.OpConsense)
	return result, nil
}

// IssueToken mints a token under an approved policy and anchors the
// issuance.
func (s *Service) IssueToken(ctx context.Context, policyID string, processors []string) (cct.IssuedToken, error) {
	approved, err := s.engine.GetPolicy(ctx, policyID)
	if err != nil {
		return cct.IssuedToken{}, err
	}
	policy := approved.Policy
	if len(processors) == 0 {
		processors = policy.Processors
	}

	issued, err := s.tokens.IssueToken(ctx, cct.IssueRequest{
		PolicyID:   policyID,
		Controller: policy.Controller,
		Processors: processors,
		Purpose:    policy.Purpose,
		Scopes:     policy.Scopes,
		LLC:        policy.LLC,
	})
	if err != nil {
		return cct.IssuedToken{}, err
	}

	participants := append([]string{policy.Controller}, processors...)
	_, err = s.anchor.RecordTokenIssue(ctx,
		issued.Claims.Context.DETID, policyID, issued.Claims.ID, participants)
	if err != nil {
		return cct.IssuedToken{}, fmt.Errorf("anchor token issuance: %w", err)
	}
	s.telemetry.RecordTokenIssued(ctx, policy.LLC)
	s.telemetry.RecordChainAppend(ctx, anchor.OpTokenIssue)
	return issued, nil
}

// VerifyToken checks a signed token and returns its claims.
func (s *Service) VerifyToken(ctx context.Context, signed string) (*cct.Claims, error) {
	return s.tokens.VerifyToken(ctx, signed)
}

// Authorize verifies the token and runs the guard over the request. Advisory
// violations come back with a nil error; blocking ones as a
// guard.AuthorizationError.
func (s *Service) Authorize(ctx context.Context, signed string, req guard.Request) ([]guard.Violation, error) {
	claims, err := s.tokens.VerifyToken(ctx, signed)
	if err != nil {
		return nil, err
	}

	start := s.clock()
	violations, err := s.guard.Check(ctx, req, claims)
	s.telemetry.RecordGuardDecision(ctx, err == nil, len(violations), s.clock().Sub(start))

	if err != nil {
		return violations, err
	}
	for _, v := range violations {
		s.log.WarnContext(ctx, "advisory guard violation",
			"rule", v.Rule, "message", v.Message, "jti", claims.ID)
	}
	return violations, nil
}

// DeliverParcels builds parcels for the requested paths under the token's
// authority and anchors the delivery. On partial failure the delivered
// parcels are anchored and returned together with the error.
func (s *Service) DeliverParcels(
	ctx context.Context,
	signed, recipient string,
	paths []string,
) ([]parcel.Parcel, error) {
	claims, err := s.tokens.VerifyToken(ctx, signed)
	if err != nil {
		return nil, err
	}

	parcels, parcelErr := s.parcelizer.CreateParcels(ctx, claims, recipient, paths)
	var partial *parcel.PartialFailureError
	if parcelErr != nil && !errors.As(parcelErr, &partial) {
		return nil, parcelErr
	}

	if len(parcels) > 0 {
		hashes := make([]string, len(parcels))
		for i, p := range parcels {
			hashes[i] = p.Hash
		}
		if _, err := s.anchor.RecordParcelDelivery(ctx, claims.ID, recipient, hashes); err != nil {
			return nil, fmt.Errorf("anchor parcel delivery: %w", err)
		}
		s.telemetry.RecordParcelsBuilt(ctx, len(parcels))
		s.telemetry.RecordChainAppend(ctx, anchor.OpParcelDelivery)
	}
	return parcels, parcelErr
}

// RevokeToken revokes a token and anchors the revocation.
func (s *Service) RevokeToken(ctx context.Context, jti, reason string) error {
	if err := s.tokens.RevokeToken(ctx, jti, reason); err != nil {
		return err
	}
	if _, err := s.anchor.RecordRevocation(ctx, jti, reason); err != nil {
		return fmt.Errorf("anchor revocation: %w", err)
	}
	s.telemetry.RecordTokenRevoked(ctx, reason)
	s.telemetry.RecordChainAppend(ctx, anchor.OpRevocation)
	return nil
}

// RevocationList exports the current CRL.
func (s *Service) RevocationList(ctx context.Context) (cct.CRL, error) {
	return s.tokens.RevocationList(ctx)
}

// GetPolicy returns an approved policy.
func (s *Service) GetPolicy(ctx context.Context, policyID string) (consense.ApprovedPolicy, error) {
	return s.engine.GetPolicy(ctx, policyID)
}

// AuditTrail resolves a det id on the chain.
func (s *Service) AuditTrail(ctx context.Context, detID string) (anchor.AuditTrail, error) {
	return s.anchor.GetAuditTrail(ctx, detID)
}

// PolicyAuditTrail lists every anchored record for a policy.
func (s *Service) PolicyAuditTrail(ctx context.Context, policyID string) ([]anchor.Record, error) {
	return s.anchor.PolicyAuditTrail(ctx, policyID)
}

// TokenAuditTrail lists every anchored record for a token.
func (s *Service) TokenAuditTrail(ctx context.Context, tokenID string) ([]anchor.Record, error) {
	return s.anchor.TokenAuditTrail(ctx, tokenID)
}

// ExportAuditReport exports the full chain with integrity status.
func (s *Service) ExportAuditReport(ctx context.Context) (anchor.AuditReport, error) {
	return s.anchor.ExportAuditReport(ctx)
}

// VerifyAuditChain re-checks the whole chain.
func (s *Service) VerifyAuditChain(ctx context.Context) error {
	return s.anchor.Verify(ctx)
}

// Sweep runs the retention cleanups: expired offers and expired token
// metadata. Intended to run periodically from the host.
func (s *Service) Sweep(ctx context.Context) error {
	if _, err := s.engine.CleanupExpiredOffers(ctx); err != nil {
		return fmt.Errorf("sweep offers: %w", err)
	}
	if _, err := s.tokens.CleanupExpiredTokens(ctx); err != nil {
		return fmt.Errorf("sweep tokens: %w", err)
	}
	return nil
}
