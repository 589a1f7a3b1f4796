package parcel_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consense-labs/cct/pkg/cct"
	"github.com/consense-labs/cct/pkg/parcel"
	"github.com/consense-labs/cct/pkg/redact"
)

func testClaims() *cct.Claims {
	return &cct.Claims{
		Context: cct.ContextClaims{
			Scopes:           []string{"read:repo:docs/*.md", "read:repo:secrets/*.yaml"},
			RedactionVectors: redact.DefaultVectors(),
			UTCSMI:           "utcs-mi:v1:det:0011223344556677",
		},
	}
}

func newParcelizer(artifacts map[string][]byte) *parcel.Parcelizer {
	return parcel.NewParcelizer(nil, parcel.NewMemoryStore(artifacts))
}

func TestCreateParcelsBasic(t *testing.T) {
	p := newParcelizer(map[string][]byte{
		"docs/readme.md": []byte("# Readme\n"),
		"docs/guide.md":  []byte("# Guide\n"),
	})

	parcels, err := p.CreateParcels(context.Background(), testClaims(), "agent:reviewer",
		[]string{"docs/readme.md", "docs/guide.md"})
	require.NoError(t, err)
	require.Len(t, parcels, 2)

	for _, pc := range parcels {
		assert.NotEmpty(t, pc.Hash)
		assert.Contains(t, pc.Content, pc.Metadata.Canary)
		assert.Equal(t, "agent:reviewer", pc.Metadata.Recipient)
		assert.Equal(t, pc.Path, pc.Metadata.OriginalPath)
		assert.False(t, pc.Redacted)
		assert.NoError(t, p.ValidateParcelIntegrity(pc))
	}
	// Canaries are unique per parcel.
	assert.NotEqual(t, parcels[0].Metadata.Canary, parcels[1].Metadata.Canary)
}

func TestUnauthorizedPathsSkipped(t *testing.T) {
	p := newParcelizer(map[string][]byte{
		"docs/readme.md": []byte("# Readme\n"),
		"src/main.go":    []byte("package main\n"),
	})

	parcels, err := p.CreateParcels(context.Background(), testClaims(), "agent:reviewer",
		[]string{"docs/readme.md", "src/main.go"})
	// Unauthorized is a skip, not a failure.
	require.NoError(t, err)
	require.Len(t, parcels, 1)
	assert.Equal(t, "docs/readme.md", parcels[0].Path)
}

func TestMissingPathIsPartialFailure(t *testing.T) {
	p := newParcelizer(map[string][]byte{
		"docs/readme.md": []byte("# Readme\n"),
	})

	parcels, err := p.CreateParcels(context.Background(), testClaims(), "agent:reviewer",
		[]string{"docs/readme.md", "docs/missing.md"})

	var partial *parcel.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failed, "docs/missing.md")
	require.Len(t, parcels, 1)
	assert.Equal(t, "docs/readme.md", parcels[0].Path)
}

func TestSensitiveContentRedacted(t *testing.T) {
	p := newParcelizer(map[string][]byte{
		"secrets/db.yaml": []byte("password: hunter2\ncontact: ops@example.com\n"),
	})

	parcels, err := p.CreateParcels(context.Background(), testClaims(), "agent:reviewer",
		[]string{"secrets/db.yaml"})
	require.NoError(t, err)
	require.Len(t, parcels, 1)

	pc := parcels[0]
	assert.True(t, pc.Redacted)
	assert.True(t, pc.Metadata.RedactionApplied)
	assert.Contains(t, pc.Content, redact.Replacement)
	assert.NotContains(t, pc.Content, "hunter2")
	assert.NotContains(t, pc.Content, "ops@example.com")
	// The hash covers the redacted, canary-bearing content.
	assert.NoError(t, p.ValidateParcelIntegrity(pc))
}

func TestCleanContentNotMarkedRedacted(t *testing.T) {
	p := newParcelizer(map[string][]byte{
		"docs/plain.md": []byte("nothing sensitive here\n"),
	})

	parcels, err := p.CreateParcels(context.Background(), testClaims(), "agent:reviewer",
		[]string{"docs/plain.md"})
	require.NoError(t, err)
	require.Len(t, parcels, 1)
	assert.False(t, parcels[0].Redacted)
	assert.Contains(t, parcels[0].Content, "nothing sensitive here")
}

func TestCanaryCommentStyle(t *testing.T) {
	claims := testClaims()
	claims.Context.Scopes = []string{"read:repo:**"}
	p := newParcelizer(map[string][]byte{
		"notes.md":    []byte("notes\n"),
		"config.yaml": []byte("a: 1\n"),
		"data.json":   []byte("{}\n"),
	})

	parcels, err := p.CreateParcels(context.Background(), claims, "agent:reviewer",
		[]string{"notes.md", "config.yaml", "data.json"})
	require.NoError(t, err)
	require.Len(t, parcels, 3)

	byPath := map[string]parcel.Parcel{}
	for _, pc := range parcels {
		byPath[pc.Path] = pc
	}
	assert.True(t, strings.HasSuffix(byPath["notes.md"].Content,
		"<!-- "+byPath["notes.md"].Metadata.Canary+" -->\n"))
	assert.True(t, strings.HasSuffix(byPath["config.yaml"].Content,
		"# "+byPath["config.yaml"].Metadata.Canary+"\n"))
	assert.True(t, strings.HasSuffix(byPath["data.json"].Content,
		"// "+byPath["data.json"].Metadata.Canary+"\n"))
}

func TestValidateParcelIntegrityDetectsTamper(t *testing.T) {
	p := newParcelizer(map[string][]byte{
		"docs/readme.md": []byte("# Readme\n"),
	})

	parcels, err := p.CreateParcels(context.Background(), testClaims(), "agent:reviewer",
		[]string{"docs/readme.md"})
	require.NoError(t, err)

	tampered := parcels[0]
	tampered.Content += "injected\n"
	assert.Error(t, p.ValidateParcelIntegrity(tampered))
}

func TestRedactText(t *testing.T) {
	p := newParcelizer(nil)

	out := p.RedactText("reach me at alice@example.com, token=abc123",
		[]string{"emails", "tokens"})
	assert.NotContains(t, out, "alice@example.com")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, redact.Replacement)

	// Unknown selectors are ignored.
	same := p.RedactText("plain text", []string{"bogus"})
	assert.Equal(t, "plain text", same)
}

func TestFSStoreConfinement(t *testing.T) {
	dir := t.TempDir()
	store := parcel.NewFSStore(dir)

	_, err := store.Get(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, parcel.ErrContextNotFound)
}
