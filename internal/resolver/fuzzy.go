package resolver

import "strings"

// fuzzyMatchThreshold is the minimum normalized similarity for a
// (title, artist) pair to be considered the same recording
const fuzzyMatchThreshold = 0.8

// fuzzyEqual reports whether a and b are the same string up to case,
// surrounding whitespace and small edits
func fuzzyEqual(a, b string) bool {
	return fuzzySimilarity(a, b) >= fuzzyMatchThreshold
}

// fuzzySimilarity is 1 - levenshtein(a,b)/max(len). Case-insensitive,
// whitespace-trimmed.
func fuzzySimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	distance := levenshtein(a, b)
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}

	return 1 - float64(distance)/float64(longest)
}

// levenshtein computes edit distance over runes with a two-row table
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
