// Package cct issues, verifies and revokes Context Capability Tokens: signed,
// scoped, time-bounded credentials authorizing access to shared context.
package cct

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ExportFlags gate where disclosed content may travel. Mirrors the approved
// policy's export controls.
type ExportFlags struct {
	Internet     bool `json:"internet"`
	ModelToModel bool `json:"model_to_model"`
	ThirdParty   bool `json:"third_party"`
}

// DPParams is opaque differential-privacy metadata. The core treats it as
// policy metadata only.
type DPParams struct {
	Epsilon   float64 `json:"epsilon"`
	Mechanism string  `json:"mechanism"`
}

// ContextClaims is the nested capability claim set. It is strongly typed and
// validated once at the trust boundary (VerifyToken); downstream consumers
// never re-check field presence.
type ContextClaims struct {
	CPLHash          string      `json:"cpl_hash"`
	LLC              string      `json:"llc"`
	Scopes           []string    `json:"scopes"`
	Purpose          string      `json:"purpose"`
	RedactionVectors []string    `json:"redaction_vectors,omitempty"`
	DP               DPParams    `json:"dp"`
	Export           ExportFlags `json:"export"`
	DETID            string      `json:"det_id"`
	Rev              string      `json:"rev"`
	UTCSMI           string      `json:"utcs_mi,omitempty"`
}

// Claims is the full token payload: standard JWT registered claims plus the
// nested capability claims under "claims".
type Claims struct {
	jwt.RegisteredClaims
	Context ContextClaims `json:"claims"`
}

// MalformedClaimsError lists the required nested claim fields a token is
// missing.
type MalformedClaimsError struct {
	Missing []string
}

func (e *MalformedClaimsError) Error() string {
	return fmt.Sprintf("malformed claims: missing %s", strings.Join(e.Missing, ", "))
}

// ValidateShape checks the nested claim object for the required fields.
func (c *Claims) ValidateShape() error {
	var missing []string
	if c.Context.CPLHash == "" {
		missing = append(missing, "cpl_hash")
	}
	if c.Context.LLC == "" {
		missing = append(missing, "llc")
	}
	if c.Context.Scopes == nil {
		missing = append(missing, "scopes")
	}
	if c.Context.Purpose == "" {
		missing = append(missing, "purpose")
	}
	if c.Context.DETID == "" {
		missing = append(missing, "det_id")
	}
	if c.Context.Rev == "" {
		missing = append(missing, "rev")
	}
	if len(missing) > 0 {
		return &MalformedClaimsError{Missing: missing}
	}
	return nil
}
