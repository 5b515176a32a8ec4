// Package namegen suggests alternative names when a requested name is taken.
package namegen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// DefaultSuggestions is how many alternatives Suggest produces by default.
const DefaultSuggestions = 3

// Suggest returns up to n alternatives for a taken name. It is a pure
// function of (name, taken): numeric suffixes -2, -3, ... are tried first,
// then short random slugs fill any remainder.
func Suggest(name string, taken map[string]bool, n int) []string {
	if n <= 0 {
		n = DefaultSuggestions
	}

	suggestions := make([]string, 0, n)
	for i := 2; len(suggestions) < n && i < n+16; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if !taken[candidate] {
			suggestions = append(suggestions, candidate)
		}
	}

	for len(suggestions) < n {
		candidate := fmt.Sprintf("%s-%s", name, randomSlug())
		if !taken[candidate] {
			suggestions = append(suggestions, candidate)
		}
	}

	return suggestions
}

// randomSlug returns a 4-character hex slug.
func randomSlug() string {
	b := make([]byte, 2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
