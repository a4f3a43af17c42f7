// Package fuzzy matches free-text queries against track and playlist metadata
// independent of case, accents and punctuation.
package fuzzy

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	punctRegex      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize folds text to lower case, strips diacritics and replaces punctuation with spaces.
func (n *Normalizer) Normalize(text string) string {
	text = norm.NFKD.String(text)

	var result strings.Builder
	for _, r := range text {
		if !unicode.IsMark(r) {
			result.WriteRune(r)
		}
	}
	text = result.String()

	text = punctRegex.ReplaceAllString(text, " ")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	text = strings.ToLower(text)
	text = strings.TrimSpace(text)

	return text
}

// Query is a normalized search query split into terms.
type Query struct {
	terms []string
}

// Compile normalizes query once so it can be matched against many records.
func (n *Normalizer) Compile(query string) Query {
	normalized := n.Normalize(query)
	if normalized == "" {
		return Query{}
	}
	return Query{terms: strings.Split(normalized, " ")}
}

// Empty reports whether the query matches everything.
func (q Query) Empty() bool {
	return len(q.terms) == 0
}

// Match reports whether every query term occurs in at least one of fields.
func (n *Normalizer) Match(q Query, fields ...string) bool {
	if q.Empty() {
		return true
	}

	normalized := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			normalized = append(normalized, n.Normalize(f))
		}
	}

	for _, term := range q.terms {
		found := false
		for _, f := range normalized {
			if strings.Contains(f, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
