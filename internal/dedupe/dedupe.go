// Package dedupe merges near-duplicate fact candidates before they reach
// outline construction, keeping the higher-importance variant of each
// duplicate pair.
package dedupe

import (
	"sort"
	"strings"

	"github.com/local/slidepipe/internal/llm"
)

// Deduper removes fuzzy duplicates from a slice of fact candidates.
type Deduper struct {
	// ThresholdPercent is the token-sort similarity (0-100) at or above
	// which two statements are considered duplicates.
	ThresholdPercent int
}

// NewDeduper constructs a Deduper for the given threshold (0-100).
func NewDeduper(thresholdPercent int) *Deduper {
	return &Deduper{ThresholdPercent: thresholdPercent}
}

// Dedupe scans facts in order, keeping the first occurrence of each
// near-duplicate group and replacing it in place whenever a later variant
// has higher importance. Position in the kept slice is preserved — later
// facts never get reordered ahead of earlier ones.
func (d *Deduper) Dedupe(facts []llm.FactCandidate) []llm.FactCandidate {
	maxLenRatio := float64(d.ThresholdPercent) / 100.0

	var kept []llm.FactCandidate
	var keptLower []string
	var keptLengths []int

	for _, f := range facts {
		fLower := strings.ToLower(f.Statement)
		fLen := len(fLower)
		isDup := false

		for i, existingLower := range keptLower {
			eLen := keptLengths[i]
			if eLen > 0 && fLen > 0 {
				ratioLen := float64(minInt(fLen, eLen)) / float64(maxInt(fLen, eLen))
				if ratioLen < maxLenRatio {
					continue
				}
			}
			ratio := tokenSortRatio(fLower, existingLower)
			if ratio >= d.ThresholdPercent {
				isDup = true
				if f.Importance > kept[i].Importance {
					kept[i] = f
					keptLower[i] = fLower
					keptLengths[i] = fLen
				}
				break
			}
		}

		if !isDup {
			kept = append(kept, f)
			keptLower = append(keptLower, fLower)
			keptLengths = append(keptLengths, fLen)
		}
	}

	return kept
}

// tokenSortRatio sorts each string's whitespace-delimited tokens
// alphabetically, rejoins them, and scores similarity by normalized
// Levenshtein distance, scaled to a 0-100 integer.
func tokenSortRatio(a, b string) int {
	sa := sortedTokens(a)
	sb := sortedTokens(b)
	if sa == "" && sb == "" {
		return 100
	}
	dist := levenshtein(sa, sb)
	maxLen := len(sa)
	if len(sb) > maxLen {
		maxLen = len(sb)
	}
	if maxLen == 0 {
		return 100
	}
	similarity := 1.0 - float64(dist)/float64(maxLen)
	if similarity < 0 {
		similarity = 0
	}
	return int(similarity*100 + 0.5)
}

func sortedTokens(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}

// levenshtein computes the edit distance between two strings using the
// standard two-row dynamic-programming table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			cur[j] = minInt(del, minInt(ins, sub))
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
