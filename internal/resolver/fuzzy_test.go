package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("bamba", "bamba"))
	assert.Equal(t, 1, levenshtein("bamba", "bambo"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 5, levenshtein("", "bamba"))
}

func TestFuzzySimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, fuzzySimilarity("Bamba", "bamba"), 1e-9)
	assert.InDelta(t, 1.0, fuzzySimilarity("  Bamba ", "bamba"), 1e-9)
	assert.InDelta(t, 0.8, fuzzySimilarity("bamba", "bambo"), 1e-9)
	assert.Zero(t, fuzzySimilarity("bamba", ""))
}

func TestFuzzyEqual(t *testing.T) {
	assert.True(t, fuzzyEqual("Ali Farka", "ali farka"))
	assert.True(t, fuzzyEqual("Ali Farka Toure", "Ali Farka Touré"))
	assert.False(t, fuzzyEqual("Ali Farka", "Salif Keita"))
}

func TestValidISRC(t *testing.T) {
	assert.True(t, ValidISRC("FRZ031400123"))
	assert.True(t, ValidISRC("USRC17607839"))
	assert.False(t, ValidISRC(""))
	assert.False(t, ValidISRC("FRZ03140012"))   // 11 chars
	assert.False(t, ValidISRC("FRZ0314001234")) // 13 chars
	assert.False(t, ValidISRC("FRZ-03-14-01"))  // punctuation
}
