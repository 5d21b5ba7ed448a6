// Package citation finds the most relevant quoted snippet inside a source
// chunk for a given bullet statement, via keyword-overlap sliding windows.
package citation

import (
	"strings"
)

const (
	defaultMaxLen    = 180
	windowStep       = 40
	minKeywordLen    = 3
	wordBoundarySnap = 20
)

// Locator selects citation snippets from chunk text.
type Locator struct {
	MaxLen int
}

// NewLocator constructs a Locator using the default 180-char window.
func NewLocator() *Locator {
	return &Locator{MaxLen: defaultMaxLen}
}

// FindBestSnippet returns the highest keyword-overlap window of chunkText
// for statement. If chunkText already fits within MaxLen, it is returned
// whole.
func (l *Locator) FindBestSnippet(statement, chunkText string) string {
	maxLen := l.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	if len(chunkText) <= maxLen {
		return chunkText
	}

	keywords := extractKeywords(statement)
	if len(keywords) == 0 {
		return chunkText[:maxLen]
	}

	bestScore := -1
	bestStart := 0
	limit := len(chunkText) - maxLen
	for start := 0; start <= limit; start += windowStep {
		window := strings.ToLower(chunkText[start : start+maxLen])
		score := 0
		for kw := range keywords {
			if strings.Contains(window, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestStart = start
		}
	}

	snippet := chunkText[bestStart : bestStart+maxLen]
	if bestStart > 0 {
		if space := strings.Index(snippet, " "); space != -1 && space < wordBoundarySnap {
			snippet = snippet[space+1:]
		}
	}
	return strings.TrimSpace(snippet)
}

func extractKeywords(statement string) map[string]struct{} {
	keywords := make(map[string]struct{})
	for _, w := range strings.Fields(statement) {
		if len(w) > minKeywordLen {
			keywords[strings.ToLower(w)] = struct{}{}
		}
	}
	return keywords
}
