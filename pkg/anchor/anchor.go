package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/consense-labs/cct/pkg/canonicalize"
)

// Anchor records consent lifecycle events on a Chain and serves audit
// queries over them.
type Anchor struct {
	chain Chain
	log   *slog.Logger
	clock func() time.Time

	mu       sync.RWMutex
	detIndex map[string]int
}

// AnchorOption customizes an Anchor.
type AnchorOption func(*Anchor)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) AnchorOption { return func(a *Anchor) { a.clock = clock } }

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) AnchorOption { return func(a *Anchor) { a.log = log } }

// NewAnchor creates an anchor over chain. A nil chain gets an in-memory one.
func NewAnchor(chain Chain, opts ...AnchorOption) *Anchor {
	if chain == nil {
		chain = NewMemoryChain()
	}
	a := &Anchor{
		chain:    chain,
		log:      slog.Default(),
		clock:    time.Now,
		detIndex: make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Anchor) append(ctx context.Context, rec Record) (Block, error) {
	block, err := a.chain.Append(ctx, rec)
	if err != nil {
		return Block{}, fmt.Errorf("anchor %s: %w", rec.Operation, err)
	}
	a.mu.Lock()
	a.detIndex[rec.DETID] = block.Position
	a.mu.Unlock()
	a.log.InfoContext(ctx, "audit record anchored",
		"det_id", rec.DETID,
		"operation", rec.Operation,
		"position", block.Position)
	return block, nil
}

func (a *Anchor) newDETID(operation string) string {
	seed := fmt.Sprintf("%s|%s", operation, a.clock().UTC().Format(time.RFC3339Nano))
	return "det:" + canonicalize.ShortHash([]byte(seed), 16)
}

// RecordConsense anchors a finalized consense agreement.
func (a *Anchor) RecordConsense(
	ctx context.Context,
	policyID string,
	participants, signatures []string,
) (Block, error) {
	return a.append(ctx, Record{
		DETID:        a.newDETID(OpConsense),
		Operation:    OpConsense,
		PolicyID:     policyID,
		Participants: participants,
		Signatures:   signatures,
		Timestamp:    a.clock().UTC(),
	})
}

// RecordTokenIssue anchors a token issuance under the det id minted with the
// token, so the token's audit trail is addressable from its claims.
func (a *Anchor) RecordTokenIssue(
	ctx context.Context,
	detID, policyID, tokenID string,
	participants []string,
) (Block, error) {
	return a.append(ctx, Record{
		DETID:        detID,
		Operation:    OpTokenIssue,
		PolicyID:     policyID,
		TokenID:      tokenID,
		Participants: participants,
		Timestamp:    a.clock().UTC(),
	})
}

// RecordParcelDelivery anchors a delivery of parcels to a recipient.
func (a *Anchor) RecordParcelDelivery(
	ctx context.Context,
	tokenID, recipient string,
	parcelHashes []string,
) (Block, error) {
	return a.append(ctx, Record{
		DETID:        a.newDETID(OpParcelDelivery),
		Operation:    OpParcelDelivery,
		TokenID:      tokenID,
		Participants: []string{recipient},
		Timestamp:    a.clock().UTC(),
		Details: map[string]interface{}{
			"parcel_hashes": parcelHashes,
			"parcel_count":  len(parcelHashes),
		},
	})
}

// RecordRevocation anchors a token revocation.
func (a *Anchor) RecordRevocation(ctx context.Context, tokenID, reason string) (Block, error) {
	return a.append(ctx, Record{
		DETID:     a.newDETID(OpRevocation),
		Operation: OpRevocation,
		TokenID:   tokenID,
		Timestamp: a.clock().UTC(),
		Details:   map[string]interface{}{"reason": reason},
	})
}

// Verification is the integrity result for a single block.
type Verification struct {
	IntegrityValid bool   `json:"integrity_valid"`
	StoredHash     string `json:"stored_hash"`
	CalculatedHash string `json:"calculated_hash"`
}

// AuditTrail is the answer to a det id lookup.
type AuditTrail struct {
	Record        Record       `json:"record"`
	ChainPosition int          `json:"chain_position"`
	Verification  Verification `json:"verification"`
	Related       []Record     `json:"related,omitempty"`
}

// GetAuditTrail resolves a det id to its block, re-verifies that block's
// hash, and gathers related records sharing the same policy or token.
func (a *Anchor) GetAuditTrail(ctx context.Context, detID string) (AuditTrail, error) {
	a.mu.RLock()
	position, ok := a.detIndex[detID]
	a.mu.RUnlock()
	if !ok {
		if err := a.reindex(ctx); err != nil {
			return AuditTrail{}, err
		}
		a.mu.RLock()
		position, ok = a.detIndex[detID]
		a.mu.RUnlock()
		if !ok {
			return AuditTrail{}, fmt.Errorf("%w: det id %s", ErrRecordNotFound, detID)
		}
	}

	block, err := a.chain.Get(ctx, position)
	if err != nil {
		return AuditTrail{}, err
	}
	calculated, err := blockHash(block.Position, block.Record, block.PreviousHash)
	if err != nil {
		return AuditTrail{}, err
	}

	trail := AuditTrail{
		Record:        block.Record,
		ChainPosition: block.Position,
		Verification: Verification{
			IntegrityValid: calculated == block.BlockHash,
			StoredHash:     block.BlockHash,
			CalculatedHash: calculated,
		},
	}

	blocks, err := a.chain.List(ctx)
	if err != nil {
		return AuditTrail{}, err
	}
	for _, other := range blocks {
		if other.Position == block.Position {
			continue
		}
		if related(block.Record, other.Record) {
			trail.Related = append(trail.Related, other.Record)
		}
	}
	return trail, nil
}

func related(rec, other Record) bool {
	if rec.PolicyID != "" && other.PolicyID == rec.PolicyID {
		return true
	}
	if rec.TokenID != "" && other.TokenID == rec.TokenID {
		return true
	}
	return false
}

// reindex rebuilds the det index from the chain, needed when the chain was
// populated by another process (e.g. a shared SQL backend).
func (a *Anchor) reindex(ctx context.Context) error {
	blocks, err := a.chain.List(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, block := range blocks {
		a.detIndex[block.Record.DETID] = block.Position
	}
	return nil
}

// PolicyAuditTrail returns every record touching a policy, in chain order.
func (a *Anchor) PolicyAuditTrail(ctx context.Context, policyID string) ([]Record, error) {
	return a.filter(ctx, func(rec Record) bool { return rec.PolicyID == policyID })
}

// TokenAuditTrail returns every record touching a token, in chain order.
func (a *Anchor) TokenAuditTrail(ctx context.Context, tokenID string) ([]Record, error) {
	return a.filter(ctx, func(rec Record) bool { return rec.TokenID == tokenID })
}

func (a *Anchor) filter(ctx context.Context, keep func(Record) bool) ([]Record, error) {
	blocks, err := a.chain.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, block := range blocks {
		if keep(block.Record) {
			out = append(out, block.Record)
		}
	}
	return out, nil
}

// AuditReport is a full export of the chain with its integrity status.
type AuditReport struct {
	GeneratedAt    time.Time `json:"generated_at"`
	Records        []Block   `json:"records"`
	ChainIntegrity bool      `json:"chain_integrity"`
	IntegrityError string    `json:"integrity_error,omitempty"`
}

// ExportAuditReport lists the whole chain and re-verifies every link.
func (a *Anchor) ExportAuditReport(ctx context.Context) (AuditReport, error) {
	blocks, err := a.chain.List(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{
		GeneratedAt:    a.clock().UTC(),
		Records:        blocks,
		ChainIntegrity: true,
	}
	if err := VerifyChain(ctx, a.chain); err != nil {
		report.ChainIntegrity = false
		report.IntegrityError = err.Error()
	}
	return report, nil
}

// Verify re-checks the whole chain.
func (a *Anchor) Verify(ctx context.Context) error {
	return VerifyChain(ctx, a.chain)
}
