package citation

import (
	"strings"
	"testing"
)

func TestFindBestSnippetReturnsWholeTextWhenShort(t *testing.T) {
	l := NewLocator()
	text := "short chunk"
	if got := l.FindBestSnippet("statement", text); got != text {
		t.Errorf("FindBestSnippet = %q, want unchanged %q", got, text)
	}
}

func TestFindBestSnippetNoKeywordsTruncates(t *testing.T) {
	l := &Locator{MaxLen: 10}
	text := "aaa bb c d e f g h i j k l m n o p"
	got := l.FindBestSnippet("a a a", text)
	if got != text[:10] {
		t.Errorf("FindBestSnippet = %q, want first 10 chars %q", got, text[:10])
	}
}

func TestFindBestSnippetPicksHighestOverlapWindow(t *testing.T) {
	l := &Locator{MaxLen: 40}
	text := strings.Repeat("filler padding text here ", 3) + "gradient descent minimizes the loss " + strings.Repeat("more filler text ", 3)
	got := l.FindBestSnippet("gradient descent minimizes loss", text)
	if !strings.Contains(strings.ToLower(got), "descent minimizes the loss") {
		t.Errorf("expected snippet to contain the best-matching window, got %q", got)
	}
}

func TestFindBestSnippetBoundedByMaxLen(t *testing.T) {
	l := &Locator{MaxLen: 40}
	text := strings.Repeat("word ", 50)
	got := l.FindBestSnippet("word statement about things", text)
	if len(got) > 40 {
		t.Errorf("snippet length %d exceeds MaxLen 40", len(got))
	}
}

func TestExtractKeywordsFiltersShortWords(t *testing.T) {
	kws := extractKeywords("a an the gradient descent is cool")
	if _, ok := kws["the"]; ok {
		t.Error("3-letter word 'the' should be excluded")
	}
	if _, ok := kws["gradient"]; !ok {
		t.Error("expected 'gradient' to be a keyword")
	}
}
