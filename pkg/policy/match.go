// Package policy holds the software-name matching rules shared by
// normalization and license compliance.
package policy

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchContains   MatchType = "contains"
	MatchStartsWith MatchType = "starts_with"
)

// ParseMatchType validates a stored or submitted match type.
func ParseMatchType(s string) (MatchType, error) {
	switch mt := MatchType(s); mt {
	case MatchExact, MatchContains, MatchStartsWith:
		return mt, nil
	default:
		return "", fmt.Errorf("unknown match type %q", s)
	}
}

var folder = cases.Fold()

// CleanName applies compatibility normalization and collapses whitespace
// (NBSP included) into single ASCII spaces. Case is preserved; the result is
// what gets stored and displayed.
func CleanName(name string) string {
	name = norm.NFKC.String(name)
	name = strings.ReplaceAll(name, "\u00a0", " ")
	return strings.Join(strings.Fields(name), " ")
}

// CleanOptional is CleanName for nullable columns.
func CleanOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := CleanName(*s)
	return &v
}

// Canonicalize returns the comparison key for a software name: the cleaned
// name, case-folded. Two names that differ only in registry encoding, spacing
// or case produce the same key.
func Canonicalize(name string) string {
	return folder.String(CleanName(name))
}

// Matches tests subject against pattern. Both sides are canonicalized first.
func Matches(mt MatchType, pattern, subject string) bool {
	return matchCanonical(mt, Canonicalize(pattern), Canonicalize(subject))
}
