// Package langdetect guesses a document's language code from a small sample
// of its text. It exists so PipelineOrchestrator's S2 stage has no mandatory
// external language-ID dependency: a real deployment can inject a better
// Detector, but the default must work with zero configuration.
package langdetect

import "strings"

// Detector guesses a BCP-47-ish language code ("en", "es", ...) from a text
// sample. Implementations must never panic and should prefer returning a
// low-confidence guess over an error.
type Detector interface {
	Detect(sample string) (string, error)
}

// stopwords maps a language code to a handful of its most common short
// function words. The heuristic default scores a sample by stopword hits
// per language and picks the best match.
var stopwords = map[string][]string{
	"en": {"the", "and", "is", "of", "to", "in", "that", "for", "with", "are"},
	"es": {"el", "la", "de", "que", "y", "en", "los", "las", "un", "una"},
	"fr": {"le", "la", "de", "et", "les", "des", "un", "une", "que", "pour"},
	"de": {"der", "die", "das", "und", "ist", "von", "den", "mit", "ein", "eine"},
	"pt": {"o", "a", "de", "que", "e", "do", "da", "em", "um", "uma"},
}

// Heuristic is a dependency-free Detector: it lowercases and tokenizes the
// sample, counts stopword hits per candidate language, and returns the
// language with the most hits. Ties favor "en". A sample with no recognized
// stopwords at all returns "en".
type Heuristic struct{}

// NewHeuristic constructs the default stopword-based Detector.
func NewHeuristic() Heuristic { return Heuristic{} }

// Detect never returns an error; the signature matches Detector so callers
// can swap in a real language-ID backend without changing call sites.
func (Heuristic) Detect(sample string) (string, error) {
	words := strings.Fields(strings.ToLower(sample))
	if len(words) == 0 {
		return "en", nil
	}
	present := make(map[string]struct{}, len(words))
	for _, w := range words {
		present[strings.Trim(w, ".,;:!?()\"'")] = struct{}{}
	}

	bestLang := "en"
	bestScore := -1
	for _, lang := range []string{"en", "es", "fr", "de", "pt"} {
		score := 0
		for _, sw := range stopwords[lang] {
			if _, ok := present[sw]; ok {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestLang = lang
		}
	}
	if bestScore <= 0 {
		return "en", nil
	}
	return bestLang, nil
}

// DetectFromChunks concatenates the first 500 characters of up to the first
// five chunk texts and runs Detect over the result, defaulting to "en" on
// any failure — matching the original's broad exception handling around its
// language-ID call.
func DetectFromChunks(d Detector, chunkTexts []string) string {
	if d == nil {
		return "en"
	}
	n := len(chunkTexts)
	if n > 5 {
		n = 5
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		t := chunkTexts[i]
		if len(t) > 500 {
			t = t[:500]
		}
		b.WriteString(t)
		b.WriteString(" ")
	}
	lang, err := d.Detect(b.String())
	if err != nil || lang == "" {
		return "en"
	}
	return lang
}
