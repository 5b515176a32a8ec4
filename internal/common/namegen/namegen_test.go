package namegen

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuggestNumericSuffixes(t *testing.T) {
	got := Suggest("demo", map[string]bool{"demo": true}, 3)
	assert.Equal(t, []string{"demo-2", "demo-3", "demo-4"}, got)
}

func TestSuggestSkipsTaken(t *testing.T) {
	taken := map[string]bool{
		"demo":   true,
		"demo-2": true,
		"demo-4": true,
	}
	got := Suggest("demo", taken, 3)
	assert.Equal(t, []string{"demo-3", "demo-5", "demo-6"}, got)
}

func TestSuggestDefaultCount(t *testing.T) {
	got := Suggest("demo", nil, 0)
	assert.Len(t, got, DefaultSuggestions)
}

func TestSuggestFallsBackToRandomSlug(t *testing.T) {
	// Exhaust the numeric window so random slugs must be used.
	taken := map[string]bool{}
	for i := 2; i < 2+16+4; i++ {
		taken[fmt.Sprintf("demo-%d", i)] = true
	}
	got := Suggest("demo", taken, 4)
	assert.Len(t, got, 4)
	for _, s := range got {
		assert.NotContains(t, taken, s)
	}
}

func TestSuggestIsDeterministicForNumericWindow(t *testing.T) {
	taken := map[string]bool{"env": true}
	first := Suggest("env", taken, 2)
	second := Suggest("env", taken, 2)
	assert.Equal(t, first, second)
}
