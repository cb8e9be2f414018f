// Package slug validates lesson identifiers before they are mapped to a
// storage location.
package slug

import (
	"path/filepath"
	"strings"

	"lessond/pkg/apperr"
)

// MaxLen bounds slugs so that "<slug>.json" and its temp sibling stay under
// common filename limits.
const MaxLen = 128

// Validate returns an InvalidIdentifier error unless s is a single, safe
// path element made of letters, digits, '-', '_' and '.', not starting
// with '.' and never containing "..".
func Validate(s string) error {
	if s == "" {
		return apperr.New(apperr.InvalidIdentifier, "slug must not be empty")
	}
	if len(s) > MaxLen {
		return apperr.New(apperr.InvalidIdentifier, "slug longer than %d characters", MaxLen)
	}
	if s[0] == '.' {
		return apperr.New(apperr.InvalidIdentifier, "slug %q must not start with '.'", s)
	}
	if strings.Contains(s, "..") {
		return apperr.New(apperr.InvalidIdentifier, "slug %q contains path traversal", s)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return apperr.New(apperr.InvalidIdentifier, "slug %q contains invalid character %q", s, r)
		}
	}
	return nil
}

// Path joins a validated slug onto dir with the given extension and checks
// the result stays inside dir.
func Path(dir, s, ext string) (string, error) {
	if err := Validate(s); err != nil {
		return "", err
	}
	base := filepath.Clean(dir)
	p := filepath.Join(base, s+ext)
	if filepath.Dir(p) != base {
		return "", apperr.New(apperr.InvalidIdentifier, "slug %q escapes the data directory", s)
	}
	return p, nil
}
