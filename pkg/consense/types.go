// Package consense negotiates sharing policies from offers via multi-party
// approval. An offer declares intent over a catalog of artifacts; the engine
// derives a draft policy, and the draft becomes an immutable approved policy
// once the approval threshold and required roles are satisfied.
package consense

import (
	"time"
)

// DDI is the declaration of data intent attached to an offer: why the
// processors want access and what they intend to produce.
type DDI struct {
	Statement string   `json:"statement"`
	Outputs   []string `json:"outputs,omitempty"`
}

// CatalogEntry references one artifact covered by an offer.
type CatalogEntry struct {
	Path        string `json:"path,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Offer is a controller's proposal to share context with processors.
type Offer struct {
	DDI        DDI            `json:"ddi"`
	Catalog    []CatalogEntry `json:"catalog"`
	LLC        string         `json:"llc"`
	Controller string         `json:"controller"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Retention bounds how long issued capabilities live and what events force
// early revocation.
type Retention struct {
	TTL      time.Duration `json:"ttl"`
	RevokeOn []string      `json:"revoke_on,omitempty"`
}

// Redaction kinds.
const (
	RedactionPath     = "path"
	RedactionSelector = "selector"
)

// Redaction is one redaction directive on a policy: either a path glob whose
// matches are withheld entirely, or a content selector scrubbed in place.
type Redaction struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// ExportControls gate where disclosed content may travel.
type ExportControls struct {
	Internet     bool `json:"internet"`
	ModelToModel bool `json:"model_to_model"`
	ThirdParty   bool `json:"third_party"`
}

// DPParams is opaque differential-privacy metadata carried on policies and
// tokens. The core does not implement a DP mechanism.
type DPParams struct {
	Epsilon   float64 `json:"epsilon"`
	Mechanism string  `json:"mechanism"`
}

// Privacy groups the privacy-hardening switches.
type Privacy struct {
	DP         DPParams `json:"dp"`
	Canaries   bool     `json:"canaries"`
	Watermarks bool     `json:"watermarks"`
}

// ApprovalPolicy states who must approve and how many distinct roles it
// takes.
type ApprovalPolicy struct {
	Required  []string `json:"required"`
	Threshold int      `json:"threshold"`
}

// Policy is a sharing policy. The same shape serves as draft (mutable, tied
// to a pending offer) and as the body of an ApprovedPolicy (immutable).
type Policy struct {
	SchemaVersion string         `json:"schema_version"`
	Controller    string         `json:"controller"`
	Processors    []string       `json:"processors"`
	Purpose       string         `json:"purpose"`
	Scopes        []string       `json:"scopes"`
	LLC           string         `json:"llc"`
	Retention     Retention      `json:"retention"`
	Redactions    []Redaction    `json:"redactions,omitempty"`
	Export        ExportControls `json:"export_controls"`
	Privacy       Privacy        `json:"privacy"`
	Approvals     ApprovalPolicy `json:"approvals"`
}

// ApprovedPolicy is the finalized, content-addressed policy. Retained
// indefinitely.
type ApprovedPolicy struct {
	ID         string    `json:"id"`
	Hash       string    `json:"hash"`
	Policy     Policy    `json:"policy"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Approval is one party's signed assent to a draft policy. Cryptographic
// verification is delegated to an ApprovalVerifier.
type Approval struct {
	Role      string    `json:"role"`
	Signer    string    `json:"signer"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
}

// Result reports a successful finalization.
type Result struct {
	PolicyID   string `json:"policy_id"`
	PolicyHash string `json:"policy_hash"`
}

// PendingOffer is an offer awaiting finalization, together with the draft
// policy derived from it.
type PendingOffer struct {
	ID        string    `json:"id"`
	Offer     Offer     `json:"offer"`
	Draft     Policy    `json:"draft"`
	CreatedAt time.Time `json:"created_at"`
}
