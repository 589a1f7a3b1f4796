// Package config holds tunable engine defaults, loadable from a YAML bundle
// so deployments can adjust retention tables and redaction defaults without
// code changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/consense-labs/cct/pkg/redact"
)

// Duration wraps time.Duration with YAML support for strings like "4h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Lifecycle-level context tiers, ordered from shortest to longest lived.
const (
	LLCEphemeral = "ephemeral"
	LLCSession   = "session"
	LLCProject   = "project"
	LLCPortfolio = "portfolio"
)

// Config is the engine configuration bundle.
type Config struct {
	// Issuer is the token issuer identity (iss claim, CRL issuer).
	Issuer string `yaml:"issuer"`

	// LLCTTL maps lifecycle tiers to token/policy retention durations.
	LLCTTL map[string]Duration `yaml:"llc_ttl"`

	// DefaultTTL applies when a request carries an unrecognized LLC.
	DefaultTTL Duration `yaml:"default_ttl"`

	// OfferRetention is how long a pending offer survives without
	// finalization before the cleanup sweep removes it.
	OfferRetention Duration `yaml:"offer_retention"`

	// RevocationURITemplate receives the jti via fmt.Sprintf.
	RevocationURITemplate string `yaml:"revocation_uri_template"`

	Scope     ScopeConfig     `yaml:"scope"`
	Redaction RedactionConfig `yaml:"redaction"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// ScopeConfig controls glob matching.
type ScopeConfig struct {
	// CrossSegment lets a single '*' cross path separators. Off by
	// default; '**' always crosses.
	CrossSegment bool `yaml:"cross_segment"`
}

// RedactionConfig carries the default redaction policy applied to drafts.
type RedactionConfig struct {
	PathGlobs []string `yaml:"path_globs"`
	Selectors []string `yaml:"selectors"`
	Vectors   []string `yaml:"vectors"`
}

// LimitsConfig bounds token issuance per controller. Zero disables limiting.
type LimitsConfig struct {
	IssuePerMinute int `yaml:"issue_per_minute"`
	IssueBurst     int `yaml:"issue_burst"`
}

// Default returns the built-in configuration. All constants mirror the
// protocol defaults.
func Default() *Config {
	return &Config{
		Issuer: "cct:consense-labs:issuer",
		LLCTTL: map[string]Duration{
			LLCEphemeral: Duration(1 * time.Hour),
			LLCSession:   Duration(4 * time.Hour),
			LLCProject:   Duration(7 * 24 * time.Hour),
			LLCPortfolio: Duration(30 * 24 * time.Hour),
		},
		DefaultTTL:            Duration(4 * time.Hour),
		OfferRetention:        Duration(1 * time.Hour),
		RevocationURITemplate: "cct:crl:%s",
		Scope:                 ScopeConfig{CrossSegment: false},
		Redaction: RedactionConfig{
			PathGlobs: []string{"**/personal/**", "**/secrets/**", "**/*.pem", "**/*.key"},
			Selectors: redact.DefaultSelectors(),
			Vectors:   redact.DefaultVectors(),
		},
	}
}

// Load reads a YAML bundle from path, layered over Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("config: issuer must not be empty")
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("config: default_ttl must be positive")
	}
	for llc, ttl := range c.LLCTTL {
		if ttl <= 0 {
			return fmt.Errorf("config: llc_ttl[%s] must be positive", llc)
		}
	}
	return nil
}

// TTLFor resolves the token TTL for a lifecycle tier, falling back to
// DefaultTTL for unknown tiers.
func (c *Config) TTLFor(llc string) time.Duration {
	if ttl, ok := c.LLCTTL[llc]; ok {
		return ttl.Std()
	}
	return c.DefaultTTL.Std()
}

// LLCRank returns the ordinal position of a tier on the
// ephemeral<session<project<portfolio scale, or -1 for unknown tiers.
func LLCRank(llc string) int {
	switch llc {
	case LLCEphemeral:
		return 0
	case LLCSession:
		return 1
	case LLCProject:
		return 2
	case LLCPortfolio:
		return 3
	default:
		return -1
	}
}
