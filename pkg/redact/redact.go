// Package redact applies minimal-disclosure redaction passes to artifact
// content before it leaves the controller's boundary.
//
// A redaction vector names a fixed family of sensitive patterns. Vectors are
// declared on policies and embedded in token claims; the parcelizer applies
// them in order and the policy guard uses them to flag unredacted content.
package redact

import (
	"regexp"
	"strings"
)

// Replacement is the literal substituted for every sensitive match.
const Replacement = "[REDACTED]"

// Redaction vector names.
const (
	VectorEmail                = "email"
	VectorSecretAssignment     = "secret-assignment"
	VectorCredentialAssignment = "credential-assignment"
	VectorPrivateKey           = "private-key"
	VectorPersonalIdentifier   = "personal-identifier"
)

// DefaultVectors is the vector set embedded in tokens when a policy does not
// narrow it.
func DefaultVectors() []string {
	return []string{
		VectorEmail,
		VectorSecretAssignment,
		VectorCredentialAssignment,
		VectorPrivateKey,
		VectorPersonalIdentifier,
	}
}

var vectorPatterns = map[string]*regexp.Regexp{
	VectorEmail:                regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	VectorSecretAssignment:     regexp.MustCompile(`(?i)\b(token|secret|password|api[_-]?key)\b\s*[:=]\s*\S+`),
	VectorCredentialAssignment: regexp.MustCompile(`(?i)\b(credential|auth)[A-Za-z_]*\s*[:=]\s*\S+`),
	VectorPrivateKey:           regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)(?:-----END [A-Z ]*PRIVATE KEY-----|\z)`),
	VectorPersonalIdentifier:   regexp.MustCompile(`(?im)^.*\b(ssn|social[ _-]security|passport|date[ _-]of[ _-]birth)\b.*$`),
}

// Selector names accepted by ApplySelectors. These are the coarse-grained
// knobs policies carry; each maps onto one vector pattern.
var selectorVectors = map[string]string{
	"emails":      VectorEmail,
	"tokens":      VectorSecretAssignment,
	"credentials": VectorCredentialAssignment,
	"passwords":   VectorSecretAssignment,
}

// DefaultSelectors is the selector list attached to draft policies.
func DefaultSelectors() []string {
	return []string{"emails", "tokens", "credentials", "passwords"}
}

// Known reports whether name is a recognized redaction vector.
func Known(name string) bool {
	_, ok := vectorPatterns[name]
	return ok
}

// Apply runs the named vectors over text in order, replacing matches with
// Replacement. The second return reports whether anything was redacted.
// Unknown vector names are skipped.
func Apply(text string, vectors []string) (string, bool) {
	changed := false
	for _, v := range vectors {
		re, ok := vectorPatterns[v]
		if !ok {
			continue
		}
		if re.MatchString(text) {
			text = re.ReplaceAllString(text, Replacement)
			changed = true
		}
	}
	return text, changed
}

// ApplySelectors redacts text using coarse selector names ("emails",
// "tokens", "credentials", "passwords"). Unknown selectors are skipped.
func ApplySelectors(text string, selectors []string) string {
	seen := make(map[string]bool, len(selectors))
	for _, sel := range selectors {
		v, ok := selectorVectors[strings.ToLower(sel)]
		if !ok || seen[v] {
			continue
		}
		seen[v] = true
		text, _ = Apply(text, []string{v})
	}
	return text
}

// Matches reports whether text contains a match for the named vector.
func Matches(text, vector string) bool {
	re, ok := vectorPatterns[vector]
	if !ok {
		return false
	}
	return re.MatchString(text)
}
