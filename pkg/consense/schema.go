package consense

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// offerSchema validates offers once at the trust boundary. Everything past
// ProcessOffer can assume these structural facts hold.
const offerSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ddi", "catalog", "llc", "controller", "timestamp"],
  "properties": {
    "ddi": {
      "type": "object",
      "properties": {
        "statement": {"type": "string"},
        "outputs": {"type": "array", "items": {"type": "string"}}
      }
    },
    "catalog": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "path": {"type": "string"},
          "type": {"type": "string"},
          "description": {"type": "string"}
        }
      }
    },
    "llc": {"type": "string", "minLength": 1},
    "controller": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"}
  }
}`

var compiledOfferSchema = jsonschema.MustCompileString("offer.schema.json", offerSchema)

// ValidateOffer checks an offer against the boundary schema.
func ValidateOffer(offer Offer) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return &ValidationError{Reason: "offer not serializable", Err: err}
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Reason: "offer not serializable", Err: err}
	}
	if err := compiledOfferSchema.Validate(doc); err != nil {
		return &ValidationError{Reason: "offer schema violation", Err: err}
	}
	if offer.Timestamp.IsZero() {
		return &ValidationError{Reason: "offer timestamp missing"}
	}
	return nil
}

// ApprovalVerifier checks an approval's authenticity. Production deployments
// plug in a cryptographic verifier; PresenceVerifier is the development
// default.
type ApprovalVerifier interface {
	Verify(approval Approval) (bool, error)
}

// PresenceVerifier accepts any approval carrying role, signer and timestamp.
// It implements the protocol's stubbed verification boundary and must not be
// mistaken for a security control.
type PresenceVerifier struct{}

func (PresenceVerifier) Verify(approval Approval) (bool, error) {
	if approval.Role == "" || approval.Signer == "" || approval.Timestamp.IsZero() {
		return false, nil
	}
	return true, nil
}

var _ ApprovalVerifier = PresenceVerifier{}
