package policy

import (
	"sort"
	"strings"

	"github.com/senhakan/appcenter-server/pkg/store"
)

type compiledRule struct {
	id         uint
	matchType  MatchType
	pattern    string
	normalized string
}

// Normalizer maps software names to their canonical product names using
// the active normalization rules. The first matching rule in ascending id
// order wins.
type Normalizer struct {
	rules []compiledRule
}

// NewNormalizer compiles rules. Inactive rules and rules with an unknown
// match type are skipped.
func NewNormalizer(rules []store.SoftwareNormalizationRule) *Normalizer {
	n := &Normalizer{}
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		mt, err := ParseMatchType(r.MatchType)
		if err != nil {
			continue
		}
		n.rules = append(n.rules, compiledRule{
			id:         r.ID,
			matchType:  mt,
			pattern:    Canonicalize(r.Pattern),
			normalized: r.NormalizedName,
		})
	}
	sort.SliceStable(n.rules, func(i, j int) bool { return n.rules[i].id < n.rules[j].id })
	return n
}

// Normalize returns the normalized name of the first matching rule, or
// ok=false when no rule matches.
func (n *Normalizer) Normalize(name string) (normalized string, ok bool) {
	key := Canonicalize(name)
	for _, r := range n.rules {
		if matchCanonical(r.matchType, r.pattern, key) {
			return r.normalized, true
		}
	}
	return "", false
}

// NormalizeOrClean returns the rule result, falling back to the cleaned name.
func (n *Normalizer) NormalizeOrClean(name string) string {
	if v, ok := n.Normalize(name); ok {
		return v
	}
	return CleanName(name)
}

func matchCanonical(mt MatchType, pattern, key string) bool {
	switch mt {
	case MatchExact:
		return key == pattern
	case MatchContains:
		return strings.Contains(key, pattern)
	case MatchStartsWith:
		return strings.HasPrefix(key, pattern)
	default:
		return false
	}
}
