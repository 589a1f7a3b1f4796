package consense

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/consense-labs/cct/pkg/canonicalize"
	"github.com/consense-labs/cct/pkg/config"
)

// PolicySchemaVersion is stamped on drafts and gated at finalization.
const PolicySchemaVersion = "1.0.0"

// PolicyIDPrefix namespaces consense-approved policy IDs.
const PolicyIDPrefix = "policy:consense:"

const defaultPurpose = "Context sharing under negotiated consent"

// policySchemaRange is the schema versions this engine will finalize.
var policySchemaRange = semver.MustParse("2.0.0")

// Engine negotiates sharing policies. All state lives behind injected
// stores so multiple engines can coexist and storage can be swapped.
type Engine struct {
	cfg      *config.Config
	offers   OfferStore
	policies PolicyStore
	verifier ApprovalVerifier
	log      *slog.Logger
	clock    func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithOfferStore swaps the pending-offer store.
func WithOfferStore(s OfferStore) Option { return func(e *Engine) { e.offers = s } }

// WithPolicyStore swaps the approved-policy store.
func WithPolicyStore(s PolicyStore) Option { return func(e *Engine) { e.policies = s } }

// WithVerifier swaps the approval verifier.
func WithVerifier(v ApprovalVerifier) Option { return func(e *Engine) { e.verifier = v } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option { return func(e *Engine) { e.log = log } }

// NewEngine creates an Engine with in-memory stores and the presence-check
// verifier unless overridden.
func NewEngine(cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:      cfg,
		offers:   NewMemoryOfferStore(),
		policies: NewMemoryPolicyStore(),
		verifier: PresenceVerifier{},
		log:      slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessOffer validates an offer and derives a draft policy from it. The
// pending offer is stored under an ID derived from controller and timestamp
// and purged if not finalized within the configured retention window.
func (e *Engine) ProcessOffer(ctx context.Context, offer Offer) (PendingOffer, error) {
	if err := ValidateOffer(offer); err != nil {
		return PendingOffer{}, err
	}

	purpose := strings.TrimSpace(offer.DDI.Statement)
	if purpose == "" {
		purpose = defaultPurpose
	}

	draft := Policy{
		SchemaVersion: PolicySchemaVersion,
		Controller:    offer.Controller,
		Purpose:       purpose,
		Scopes:        e.deriveScopes(offer),
		LLC:           offer.LLC,
		Retention: Retention{
			TTL:      e.cfg.TTLFor(offer.LLC),
			RevokeOn: []string{"controller_request", "policy_breach"},
		},
		Redactions: e.defaultRedactions(),
		Export: ExportControls{
			Internet:     false,
			ModelToModel: true,
			ThirdParty:   false,
		},
		Privacy: Privacy{
			DP:       DPParams{Epsilon: 2.0, Mechanism: "laplace"},
			Canaries: true,
		},
		Approvals: ApprovalPolicy{
			Required:  []string{"controller"},
			Threshold: 1,
		},
	}

	id := canonicalize.ShortHash(
		[]byte(offer.Controller+"|"+offer.Timestamp.UTC().Format(time.RFC3339Nano)), 16)

	pending := PendingOffer{
		ID:        id,
		Offer:     offer,
		Draft:     draft,
		CreatedAt: e.clock(),
	}
	if err := e.offers.Put(ctx, pending); err != nil {
		return PendingOffer{}, fmt.Errorf("store pending offer: %w", err)
	}

	e.log.InfoContext(ctx, "offer processed",
		"offer_id", id,
		"controller", offer.Controller,
		"llc", offer.LLC,
		"scopes", len(draft.Scopes))
	return pending, nil
}

func (e *Engine) deriveScopes(offer Offer) []string {
	scopes := make([]string, 0, len(offer.Catalog)+2)
	for _, entry := range offer.Catalog {
		if entry.Path != "" {
			scopes = append(scopes, "read:repo:"+entry.Path)
		}
	}

	wantsPR, wantsCI := false, false
	for _, out := range offer.DDI.Outputs {
		lower := strings.ToLower(out)
		if strings.Contains(lower, "pr") || strings.Contains(lower, "pull") {
			wantsPR = true
		}
		if strings.Contains(lower, "ci") {
			wantsCI = true
		}
	}
	if wantsPR {
		scopes = append(scopes, "write:suggestions:pull-requests")
	}
	if wantsCI {
		scopes = append(scopes, "write:ci:rules")
	}
	return scopes
}

func (e *Engine) defaultRedactions() []Redaction {
	redactions := make([]Redaction, 0,
		len(e.cfg.Redaction.PathGlobs)+len(e.cfg.Redaction.Selectors))
	for _, glob := range e.cfg.Redaction.PathGlobs {
		redactions = append(redactions, Redaction{Kind: RedactionPath, Value: glob})
	}
	for _, sel := range e.cfg.Redaction.Selectors {
		redactions = append(redactions, Redaction{Kind: RedactionSelector, Value: sel})
	}
	return redactions
}

// FinalizeConsense turns a pending offer into an approved policy once the
// approval threshold and required roles are met. The offer is consumed on
// success.
func (e *Engine) FinalizeConsense(ctx context.Context, offerID string, approvals []Approval, policy Policy) (Result, error) {
	pending, err := e.offers.Get(ctx, offerID)
	if err != nil {
		return Result{}, err
	}

	// Expiry is checked lazily here; the periodic sweep is hygiene only.
	if e.clock().Sub(pending.CreatedAt) > e.cfg.OfferRetention.Std() {
		_ = e.offers.Delete(ctx, offerID)
		return Result{}, ErrOfferNotFound
	}

	if err := e.checkSchemaVersion(policy.SchemaVersion); err != nil {
		return Result{}, err
	}

	roles := make(map[string]bool)
	for _, approval := range approvals {
		ok, err := e.verifier.Verify(approval)
		if err != nil {
			return Result{}, fmt.Errorf("verify approval from %s: %w", approval.Signer, err)
		}
		if ok {
			roles[approval.Role] = true
		}
	}

	if len(roles) < policy.Approvals.Threshold {
		return Result{}, &InsufficientApprovalsError{
			Required: policy.Approvals.Threshold,
			Received: len(roles),
		}
	}

	var missing []string
	for _, required := range policy.Approvals.Required {
		if !roles[required] {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return Result{}, &MissingRolesError{Missing: missing}
	}

	hash, err := canonicalize.CanonicalHash(policy)
	if err != nil {
		return Result{}, fmt.Errorf("hash policy: %w", err)
	}
	policyID := PolicyIDPrefix + hash[:16]

	approved := ApprovedPolicy{
		ID:         policyID,
		Hash:       hash,
		Policy:     policy,
		ApprovedAt: e.clock(),
	}
	if err := e.policies.Put(ctx, approved); err != nil {
		return Result{}, fmt.Errorf("store approved policy: %w", err)
	}
	if err := e.offers.Delete(ctx, offerID); err != nil {
		return Result{}, fmt.Errorf("consume offer: %w", err)
	}

	e.log.InfoContext(ctx, "consense finalized",
		"offer_id", offerID,
		"policy_id", policyID,
		"approving_roles", len(roles))
	return Result{PolicyID: policyID, PolicyHash: hash}, nil
}

func (e *Engine) checkSchemaVersion(version string) error {
	if version == "" {
		version = PolicySchemaVersion
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("policy schema version %q", version), Err: err}
	}
	if v.Major() != 1 || !v.LessThan(policySchemaRange) {
		return &ValidationError{
			Reason: fmt.Sprintf("unsupported policy schema version %s (supported: 1.x)", version),
		}
	}
	return nil
}

// GetPolicy returns an approved policy by ID.
func (e *Engine) GetPolicy(ctx context.Context, id string) (ApprovedPolicy, error) {
	return e.policies.Get(ctx, id)
}

// CleanupExpiredOffers removes offers older than the retention window.
// Memory hygiene only; correctness never depends on it running.
func (e *Engine) CleanupExpiredOffers(ctx context.Context) (int, error) {
	removed, err := e.offers.Expire(ctx, e.clock().Add(-e.cfg.OfferRetention.Std()))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.log.DebugContext(ctx, "expired offers swept", "removed", removed)
	}
	return removed, nil
}
