package cct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/consense-labs/cct/pkg/canonicalize"
	"github.com/consense-labs/cct/pkg/config"
	"github.com/consense-labs/cct/pkg/redact"
	"github.com/consense-labs/cct/pkg/scope"
)

// Sentinel errors for the token lifecycle.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenRevoked  = errors.New("token revoked")
	ErrTokenExpired  = errors.New("token expired")
	ErrRateLimited   = errors.New("token issuance rate limited")
)

// CRL is the exported certificate-revocation-list analogue for tokens.
type CRL struct {
	Version       int               `json:"version"`
	Issuer        string            `json:"issuer"`
	GeneratedAt   time.Time         `json:"generated_at"`
	RevokedTokens []RevocationEntry `json:"revoked_tokens"`
}

// IssuedToken pairs the signed wire form with the claims it carries.
type IssuedToken struct {
	Signed string
	Claims Claims
}

// TokenManager issues, verifies and revokes context capability tokens.
// All state sits behind injected stores; the signing capability is a KeySet.
type TokenManager struct {
	cfg         *config.Config
	keys        KeySet
	tokens      TokenStore
	revocations RevocationStore
	log         *slog.Logger
	clock       func() time.Time

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// ManagerOption customizes a TokenManager.
type ManagerOption func(*TokenManager)

// WithTokenStore swaps the token metadata store.
func WithTokenStore(s TokenStore) ManagerOption { return func(m *TokenManager) { m.tokens = s } }

// WithRevocationStore swaps the revocation set.
func WithRevocationStore(s RevocationStore) ManagerOption {
	return func(m *TokenManager) { m.revocations = s }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *TokenManager) { m.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ManagerOption { return func(m *TokenManager) { m.log = log } }

// NewTokenManager creates a manager signing with keys. In-memory stores are
// used unless overridden.
func NewTokenManager(cfg *config.Config, keys KeySet, opts ...ManagerOption) *TokenManager {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &TokenManager{
		cfg:         cfg,
		keys:        keys,
		tokens:      NewMemoryTokenStore(),
		revocations: NewMemoryRevocationStore(),
		log:         slog.Default(),
		clock:       time.Now,
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueRequest carries the policy-derived inputs to token issuance.
type IssueRequest struct {
	PolicyID   string
	Controller string
	Processors []string
	Purpose    string
	Scopes     []string
	LLC        string
}

// IssueToken mints and signs a fresh token. TTL is a deterministic function
// of the LLC tier; defaults for redaction vectors, DP metadata and export
// flags come from the configuration.
func (m *TokenManager) IssueToken(ctx context.Context, req IssueRequest) (IssuedToken, error) {
	if req.PolicyID == "" || req.Controller == "" {
		return IssuedToken{}, fmt.Errorf("%w: policy id and controller are required", ErrInvalidToken)
	}
	if !m.allowIssue(req.Controller) {
		return IssuedToken{}, fmt.Errorf("%w: controller %s", ErrRateLimited, req.Controller)
	}

	jti := uuid.New().String()
	now := m.clock().UTC().Truncate(time.Second)
	ttl := m.cfg.TTLFor(req.LLC)
	detID := "det:" + canonicalize.ShortHash(
		[]byte(jti+"|"+now.Format(time.RFC3339)), 16)

	audience := req.Processors
	if len(audience) == 0 {
		audience = []string{"cct:processor:any"}
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    m.cfg.Issuer,
			Subject:   req.Controller,
			Audience:  jwt.ClaimStrings(audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Context: ContextClaims{
			CPLHash:          req.PolicyID,
			LLC:              req.LLC,
			Scopes:           append([]string(nil), req.Scopes...),
			Purpose:          req.Purpose,
			RedactionVectors: append([]string(nil), m.cfg.Redaction.Vectors...),
			DP:               DPParams{Epsilon: 2.0, Mechanism: "laplace"},
			Export: ExportFlags{
				Internet:     false,
				ModelToModel: true,
				ThirdParty:   false,
			},
			DETID:  detID,
			Rev:    fmt.Sprintf(m.cfg.RevocationURITemplate, jti),
			UTCSMI: "utcs-mi:v1:" + detID,
		},
	}
	if claims.Context.Scopes == nil {
		claims.Context.Scopes = []string{}
	}
	if claims.Context.RedactionVectors == nil {
		claims.Context.RedactionVectors = redact.DefaultVectors()
	}

	signed, err := m.keys.Sign(ctx, &claims)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}

	rec := TokenRecord{
		JTI:       jti,
		Claims:    claims,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusActive,
	}
	if err := m.tokens.Save(ctx, rec); err != nil {
		return IssuedToken{}, fmt.Errorf("store token metadata: %w", err)
	}

	m.log.InfoContext(ctx, "token issued",
		"jti", jti,
		"policy_id", req.PolicyID,
		"llc", req.LLC,
		"ttl", ttl,
		"det_id", detID)
	return IssuedToken{Signed: signed, Claims: claims}, nil
}

func (m *TokenManager) allowIssue(controller string) bool {
	if m.cfg.Limits.IssuePerMinute <= 0 {
		return true
	}
	m.limitMu.Lock()
	defer m.limitMu.Unlock()
	lim, ok := m.limiters[controller]
	if !ok {
		burst := m.cfg.Limits.IssueBurst
		if burst <= 0 {
			burst = m.cfg.Limits.IssuePerMinute
		}
		lim = rate.NewLimiter(rate.Limit(float64(m.cfg.Limits.IssuePerMinute)/60.0), burst)
		m.limiters[controller] = lim
	}
	return lim.Allow()
}

// VerifyToken decodes and verifies a signed token, then applies the
// revocation, expiry and shape checks in that order. Returns the typed
// claims on success.
func (m *TokenManager) VerifyToken(ctx context.Context, signed string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(signed, &claims, m.keys.KeyFunc(),
		jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		if err == nil {
			err = jwt.ErrTokenSignatureInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	revoked, err := m.revocations.Contains(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation set: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: %s", ErrTokenRevoked, claims.ID)
	}

	if claims.ExpiresAt == nil || m.clock().After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: %s", ErrTokenExpired, claims.ID)
	}

	if err := claims.ValidateShape(); err != nil {
		return nil, err
	}
	return &claims, nil
}

// RevokeToken adds a token to the revocation set. Idempotent: re-revoking is
// a no-op and revoked is terminal.
func (m *TokenManager) RevokeToken(ctx context.Context, jti, reason string) error {
	now := m.clock().UTC()
	added, err := m.revocations.Add(ctx, RevocationEntry{
		JTI:       jti,
		Reason:    reason,
		RevokedAt: now,
	})
	if err != nil {
		return fmt.Errorf("add revocation: %w", err)
	}
	if !added {
		return nil
	}

	// Update stored metadata if the token is still tracked; a missing
	// record does not undo the revocation.
	rec, err := m.tokens.Get(ctx, jti)
	if err == nil {
		rec.Status = StatusRevoked
		rec.RevokeReason = reason
		rec.RevokedAt = now
		if err := m.tokens.Save(ctx, rec); err != nil {
			return fmt.Errorf("update token metadata: %w", err)
		}
	} else if !errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("load token metadata: %w", err)
	}

	m.log.InfoContext(ctx, "token revoked", "jti", jti, "reason", reason)
	return nil
}

// RevocationList exports the CRL, sorted by revocation time.
func (m *TokenManager) RevocationList(ctx context.Context) (CRL, error) {
	entries, err := m.revocations.List(ctx)
	if err != nil {
		return CRL{}, fmt.Errorf("list revocations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RevokedAt.Before(entries[j].RevokedAt)
	})
	return CRL{
		Version:       1,
		Issuer:        m.cfg.Issuer,
		GeneratedAt:   m.clock().UTC(),
		RevokedTokens: entries,
	}, nil
}

// ValidateScopes reports whether every requested scope is covered by at
// least one authorized scope on the claims, exactly or via glob wildcards.
func (m *TokenManager) ValidateScopes(claims *Claims, requested []string) bool {
	opts := scope.MatchOptions{CrossSegment: m.cfg.Scope.CrossSegment}
	for _, want := range requested {
		covered := false
		for _, have := range claims.Context.Scopes {
			if scope.CoversString(have, want, opts) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// CleanupExpiredTokens drops metadata for expired tokens. Revoked entries
// are kept so the CRL stays authoritative. Memory hygiene only.
func (m *TokenManager) CleanupExpiredTokens(ctx context.Context) (int, error) {
	records, err := m.tokens.List(ctx)
	if err != nil {
		return 0, err
	}
	now := m.clock()
	removed := 0
	for _, rec := range records {
		if rec.Status != StatusRevoked && now.After(rec.ExpiresAt) {
			if err := m.tokens.Delete(ctx, rec.JTI); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		m.log.DebugContext(ctx, "expired tokens swept", "removed", removed)
	}
	return removed, nil
}

// GetToken returns issuer-side metadata for a token.
func (m *TokenManager) GetToken(ctx context.Context, jti string) (TokenRecord, error) {
	return m.tokens.Get(ctx, jti)
}
