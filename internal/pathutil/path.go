// Package pathutil normalizes the path-like identifiers used by scribed:
// filesystem paths from configuration, document resource ids and page ids.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
)

// ErrInvalidResource reports a resource id that cannot name a document.
var ErrInvalidResource = errors.New("invalid resource")

// ExpandUserAndEnv expands environment variable tokens and a leading "~/"
// in p. The result is not made absolute.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}

// CleanResource unifies separators and strips leading separators, keeping the
// original case. It is the form used to address the file on disk.
func CleanResource(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.ReplaceAll(p, "\\", "/")
	segments := strings.Split(p, "/")
	kept := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q escapes the content root", ErrInvalidResource, raw)
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrInvalidResource)
	}
	return strings.Join(kept, "/"), nil
}

// NormalizeResource returns the lock key for raw: CleanResource plus Unicode
// case folding, so equivalent spellings collide.
func NormalizeResource(raw string) (string, error) {
	cleaned, err := CleanResource(raw)
	if err != nil {
		return "", err
	}
	return cases.Fold().String(cleaned), nil
}

// NormalizePage canonicalizes a page id: a single leading slash, no trailing
// slash, no duplicate separators. Case is preserved.
func NormalizePage(raw string) string {
	p := strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/")
	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" {
			continue
		}
		kept = append(kept, part)
	}
	return "/" + strings.Join(kept, "/")
}
