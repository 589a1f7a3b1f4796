// Package parcel prepares minimal-disclosure context parcels for delivery to
// a processor. Each parcel carries redacted content, an embedded canary
// marker for leak tracing, and a content hash computed after both transforms
// so recipients can verify integrity of exactly what they received.
package parcel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/consense-labs/cct/pkg/canonicalize"
	"github.com/consense-labs/cct/pkg/cct"
	"github.com/consense-labs/cct/pkg/config"
	"github.com/consense-labs/cct/pkg/redact"
	"github.com/consense-labs/cct/pkg/scope"
)

// Metadata describes a parcel's provenance and the authorization that
// produced it.
type Metadata struct {
	OriginalPath     string   `json:"original_path"`
	Recipient        string   `json:"recipient"`
	ScopesUsed       []string `json:"scopes_used"`
	RedactionApplied bool     `json:"redaction_applied"`
	RedactionVectors []string `json:"redaction_vectors,omitempty"`
	UTCSMI           string   `json:"utcs_mi"`
	Canary           string   `json:"canary"`
}

// Parcel is one deliverable context unit.
type Parcel struct {
	Path     string   `json:"path"`
	Hash     string   `json:"hash"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
	Redacted bool     `json:"redacted"`
}

// PartialFailureError reports paths that could not be parcelized. The
// successfully built parcels are still returned alongside it.
type PartialFailureError struct {
	Failed map[string]error
}

func (e *PartialFailureError) Error() string {
	paths := make([]string, 0, len(e.Failed))
	for p := range e.Failed {
		paths = append(paths, p)
	}
	return fmt.Sprintf("parcelization failed for %d path(s): %s",
		len(e.Failed), strings.Join(paths, ", "))
}

// Parcelizer builds parcels from a context store under token authorization.
type Parcelizer struct {
	cfg   *config.Config
	store ContextStore
	log   *slog.Logger
	opts  scope.MatchOptions
}

// ParcelizerOption customizes a Parcelizer.
type ParcelizerOption func(*Parcelizer)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ParcelizerOption {
	return func(p *Parcelizer) { p.log = log }
}

// NewParcelizer creates a parcelizer reading from store.
func NewParcelizer(cfg *config.Config, store ContextStore, opts ...ParcelizerOption) *Parcelizer {
	if cfg == nil {
		cfg = config.Default()
	}
	p := &Parcelizer{
		cfg:   cfg,
		store: store,
		log:   slog.Default(),
		opts:  scope.MatchOptions{CrossSegment: cfg.Scope.CrossSegment},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateParcels builds one parcel per authorized, readable path. Paths the
// token does not authorize are skipped with a warning and are not errors;
// paths that fail to load or parcelize are collected into a
// PartialFailureError returned alongside the parcels that did succeed.
func (p *Parcelizer) CreateParcels(
	ctx context.Context,
	claims *cct.Claims,
	recipient string,
	paths []string,
) ([]Parcel, error) {
	parcels := make([]Parcel, 0, len(paths))
	failed := make(map[string]error)

	for _, path := range paths {
		if !scope.AnyAuthorizesPath(claims.Context.Scopes, "read", "repo", path, p.opts) {
			p.log.WarnContext(ctx, "path not authorized, skipping",
				"path", path, "recipient", recipient)
			continue
		}
		parcel, err := p.buildParcel(ctx, claims, recipient, path)
		if err != nil {
			p.log.WarnContext(ctx, "parcelization failed",
				"path", path, "error", err)
			failed[path] = err
			continue
		}
		parcels = append(parcels, parcel)
	}

	p.log.InfoContext(ctx, "parcels created",
		"requested", len(paths),
		"created", len(parcels),
		"failed", len(failed),
		"recipient", recipient)

	if len(failed) > 0 {
		return parcels, &PartialFailureError{Failed: failed}
	}
	return parcels, nil
}

func (p *Parcelizer) buildParcel(
	ctx context.Context,
	claims *cct.Claims,
	recipient, path string,
) (Parcel, error) {
	raw, err := p.store.Get(ctx, path)
	if err != nil {
		return Parcel{}, err
	}

	// Every parcel passes through the token's redaction vectors; the
	// redacted flag reports whether anything actually matched.
	content, redacted := redact.Apply(string(raw), claims.Context.RedactionVectors)

	canary, err := newCanary()
	if err != nil {
		return Parcel{}, fmt.Errorf("generate canary: %w", err)
	}
	content = embedCanary(content, path, canary)

	parcel := Parcel{
		Path:    path,
		Hash:    canonicalize.HashBytes([]byte(content)),
		Content: content,
		Metadata: Metadata{
			OriginalPath:     path,
			Recipient:        recipient,
			ScopesUsed:       append([]string(nil), claims.Context.Scopes...),
			RedactionApplied: redacted,
			RedactionVectors: append([]string(nil), claims.Context.RedactionVectors...),
			UTCSMI:           claims.Context.UTCSMI,
			Canary:           canary,
		},
		Redacted: redacted,
	}
	return parcel, nil
}

// ValidateParcelIntegrity recomputes the content hash and compares it with
// the recorded one.
func (p *Parcelizer) ValidateParcelIntegrity(parcel Parcel) error {
	got := canonicalize.HashBytes([]byte(parcel.Content))
	if got != parcel.Hash {
		return fmt.Errorf("parcel %s integrity check failed: content hash %s does not match recorded %s",
			parcel.Path, got, parcel.Hash)
	}
	return nil
}

// RedactText applies coarse selector redaction ("emails", "tokens",
// "credentials", "passwords") to free-form text.
func (p *Parcelizer) RedactText(text string, selectors []string) string {
	return redact.ApplySelectors(text, selectors)
}

func newCanary() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cct-canary-" + hex.EncodeToString(buf), nil
}

// embedCanary appends the canary marker in a comment syntax matching the
// file type so it survives downstream parsing.
func embedCanary(content, path, canary string) string {
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".html":
		return content + "<!-- " + canary + " -->\n"
	case ".json", ".js", ".ts", ".go":
		return content + "// " + canary + "\n"
	default:
		return content + "# " + canary + "\n"
	}
}
