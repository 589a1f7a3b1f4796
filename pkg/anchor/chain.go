// Package anchor keeps the append-only, hash-chained audit ledger for
// consent lifecycle events. Every consense agreement, token issuance, parcel
// delivery and revocation lands here as a block whose hash covers the record
// and the previous block's hash, so any tampering breaks the chain from that
// point forward. Chain order is authoritative; timestamps are advisory.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/consense-labs/cct/pkg/canonicalize"
)

// GenesisHash seeds the chain before any block exists.
const GenesisHash = "genesis"

// Operations recorded on the chain.
const (
	OpConsense       = "consense"
	OpTokenIssue     = "token_issue"
	OpParcelDelivery = "parcel_delivery"
	OpRevocation     = "revocation"
)

// ErrRecordNotFound reports a lookup for a det id or position the chain does
// not hold.
var ErrRecordNotFound = errors.New("audit record not found")

// Record is the payload of one chain block.
type Record struct {
	DETID        string                 `json:"det_id"`
	Operation    string                 `json:"operation"`
	PolicyID     string                 `json:"policy_id,omitempty"`
	TokenID      string                 `json:"token_id,omitempty"`
	Participants []string               `json:"participants,omitempty"`
	Signatures   []string               `json:"signatures,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Block is a record anchored at a chain position.
type Block struct {
	Position     int    `json:"position"`
	Record       Record `json:"record"`
	PreviousHash string `json:"previous_hash"`
	BlockHash    string `json:"block_hash"`
}

// blockHash binds the record to its position and predecessor via the
// canonical JSON form.
func blockHash(position int, rec Record, previousHash string) (string, error) {
	return canonicalize.CanonicalHash(map[string]interface{}{
		"position":      position,
		"record":        rec,
		"previous_hash": previousHash,
	})
}

// IntegrityError reports a block whose stored hash does not match its
// recomputed one, or whose previous-hash link is broken.
type IntegrityError struct {
	Position   int
	Stored     string
	Calculated string
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violation at position %d: %s", e.Position, e.Reason)
}

// Chain is the persistence contract for the audit ledger. Positions are
// zero-based and dense; Append is atomic with respect to head resolution.
type Chain interface {
	Append(ctx context.Context, rec Record) (Block, error)
	// Get returns ErrRecordNotFound for positions outside the chain.
	Get(ctx context.Context, position int) (Block, error)
	Head(ctx context.Context) (string, error)
	List(ctx context.Context) ([]Block, error)
	Len(ctx context.Context) (int, error)
}

// MemoryChain is the in-memory Chain. A single mutex serializes appends so
// the previous-hash link is always consistent.
type MemoryChain struct {
	mu     sync.Mutex
	blocks []Block
	head   string
}

// NewMemoryChain creates an empty chain.
func NewMemoryChain() *MemoryChain {
	return &MemoryChain{head: GenesisHash}
}

func (c *MemoryChain) Append(_ context.Context, rec Record) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	position := len(c.blocks)
	hash, err := blockHash(position, rec, c.head)
	if err != nil {
		return Block{}, fmt.Errorf("hash block: %w", err)
	}
	block := Block{
		Position:     position,
		Record:       rec,
		PreviousHash: c.head,
		BlockHash:    hash,
	}
	c.blocks = append(c.blocks, block)
	c.head = hash
	return block, nil
}

func (c *MemoryChain) Get(_ context.Context, position int) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if position < 0 || position >= len(c.blocks) {
		return Block{}, fmt.Errorf("%w: position %d", ErrRecordNotFound, position)
	}
	return c.blocks[position], nil
}

func (c *MemoryChain) Head(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *MemoryChain) List(_ context.Context) ([]Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out, nil
}

func (c *MemoryChain) Len(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks), nil
}

// VerifyChain walks every block, recomputing hashes and previous-hash links
// from the genesis sentinel. Returns nil when the chain is intact.
func VerifyChain(ctx context.Context, chain Chain) error {
	blocks, err := chain.List(ctx)
	if err != nil {
		return err
	}
	prev := GenesisHash
	for i, block := range blocks {
		if block.Position != i {
			return &IntegrityError{
				Position: i,
				Reason:   fmt.Sprintf("position %d stored out of order", block.Position),
			}
		}
		if block.PreviousHash != prev {
			return &IntegrityError{
				Position:   i,
				Stored:     block.PreviousHash,
				Calculated: prev,
				Reason:     "previous-hash link broken",
			}
		}
		expected, err := blockHash(block.Position, block.Record, block.PreviousHash)
		if err != nil {
			return err
		}
		if block.BlockHash != expected {
			return &IntegrityError{
				Position:   i,
				Stored:     block.BlockHash,
				Calculated: expected,
				Reason:     "block hash does not match record",
			}
		}
		prev = block.BlockHash
	}
	return nil
}
