// Package scope implements the capability scope grammar and its matching
// rules.
//
// A scope string has the shape <action>:<resource>:<pattern>, e.g.
// "read:repo:docs/*.md". An authorized scope covers a requested scope when
// action and resource match (exactly or via wildcard) and the authorized
// pattern glob-matches the requested one.
package scope

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Scope is a parsed capability scope.
type Scope struct {
	Action   string
	Resource string
	Pattern  string
}

// MatchOptions controls glob matching behavior.
type MatchOptions struct {
	// CrossSegment allows a single '*' to match across path separators.
	// A '**' wildcard always crosses separators regardless of this setting.
	CrossSegment bool
}

// ErrInvalidScope is returned for strings that do not parse as scopes.
var ErrInvalidScope = fmt.Errorf("invalid scope")

// Parse splits a scope string into its three segments.
func Parse(s string) (Scope, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
	return Scope{Action: parts[0], Resource: parts[1], Pattern: parts[2]}, nil
}

// String reassembles the scope string.
func (s Scope) String() string {
	return s.Action + ":" + s.Resource + ":" + s.Pattern
}

// Covers reports whether the authorized scope a covers the requested scope r.
// Action and resource segments match exactly or via a literal "*" wildcard;
// the authorized pattern glob-matches the requested pattern.
func Covers(authorized, requested Scope, opts MatchOptions) bool {
	if !segmentMatch(authorized.Action, requested.Action) {
		return false
	}
	if !segmentMatch(authorized.Resource, requested.Resource) {
		return false
	}
	if authorized.Pattern == requested.Pattern {
		return true
	}
	return Glob(authorized.Pattern, requested.Pattern, opts)
}

// CoversString is Covers over raw scope strings. Unparseable scopes never
// match.
func CoversString(authorized, requested string, opts MatchOptions) bool {
	if authorized == requested {
		return true
	}
	a, err := Parse(authorized)
	if err != nil {
		return false
	}
	r, err := Parse(requested)
	if err != nil {
		return false
	}
	return Covers(a, r, opts)
}

// AuthorizesPath reports whether scope s grants the given action on resource
// for a concrete path.
func (s Scope) AuthorizesPath(action, resource, path string, opts MatchOptions) bool {
	if !segmentMatch(s.Action, action) || !segmentMatch(s.Resource, resource) {
		return false
	}
	return Glob(s.Pattern, path, opts)
}

// AnyAuthorizesPath checks a path against a list of raw scope strings.
func AnyAuthorizesPath(scopes []string, action, resource, path string, opts MatchOptions) bool {
	for _, raw := range scopes {
		s, err := Parse(raw)
		if err != nil {
			continue
		}
		if s.AuthorizesPath(action, resource, path, opts) {
			return true
		}
	}
	return false
}

func segmentMatch(authorized, requested string) bool {
	return authorized == "*" || authorized == requested
}

// Glob reports whether pattern matches name. '**' matches any sequence
// including '/', and a leading "**/" also matches zero directories; '*'
// matches within a segment unless opts.CrossSegment is set; '?' matches a
// single non-separator character.
func Glob(pattern, name string, opts MatchOptions) bool {
	re, err := compile(pattern, opts.CrossSegment)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

var (
	reMu    sync.RWMutex
	reCache = map[string]*regexp.Regexp{}
)

func compile(pattern string, crossSegment bool) (*regexp.Regexp, error) {
	key := pattern
	if crossSegment {
		key = "x:" + pattern
	}

	reMu.RLock()
	re, ok := reCache[key]
	reMu.RUnlock()
	if ok {
		return re, nil
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					// "**/" also matches zero directories.
					b.WriteString(`(?:.*/)?`)
					i += 2
				} else {
					b.WriteString(".*")
					i++
				}
			} else if crossSegment {
				b.WriteString(".*")
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}

	reMu.Lock()
	reCache[key] = re
	reMu.Unlock()
	return re, nil
}
