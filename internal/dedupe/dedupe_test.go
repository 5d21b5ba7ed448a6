package dedupe

import (
	"testing"

	"github.com/local/slidepipe/internal/llm"
)

func TestDedupeKeepsDistinctStatements(t *testing.T) {
	d := NewDeduper(86)
	facts := []llm.FactCandidate{
		{FactID: "a", Statement: "Gradient descent minimizes the loss function.", Importance: 0.5},
		{FactID: "b", Statement: "Backpropagation computes gradients layer by layer.", Importance: 0.6},
	}
	out := d.Dedupe(facts)
	if len(out) != 2 {
		t.Fatalf("expected 2 distinct facts kept, got %d", len(out))
	}
}

func TestDedupeMergesNearDuplicatesKeepingHigherImportance(t *testing.T) {
	d := NewDeduper(86)
	facts := []llm.FactCandidate{
		{FactID: "a", Statement: "gradient descent minimizes the loss function", Importance: 0.4},
		{FactID: "b", Statement: "gradient descent minimizes the loss function.", Importance: 0.9},
	}
	out := d.Dedupe(facts)
	if len(out) != 1 {
		t.Fatalf("expected near-duplicates merged into 1, got %d: %+v", len(out), out)
	}
	if out[0].FactID != "b" {
		t.Errorf("expected higher-importance variant %q to win, got %q", "b", out[0].FactID)
	}
}

func TestDedupePreservesFirstOccurrencePosition(t *testing.T) {
	d := NewDeduper(86)
	facts := []llm.FactCandidate{
		{FactID: "a", Statement: "unique opening statement about topic one", Importance: 0.3},
		{FactID: "b", Statement: "gradient descent minimizes the loss function", Importance: 0.4},
		{FactID: "c", Statement: "gradient descent minimizes the loss function.", Importance: 0.9},
	}
	out := d.Dedupe(facts)
	if len(out) != 2 {
		t.Fatalf("expected 2 kept facts, got %d", len(out))
	}
	if out[0].FactID != "a" {
		t.Errorf("expected first kept fact to remain %q, got %q", "a", out[0].FactID)
	}
	if out[1].FactID != "c" {
		t.Errorf("expected second slot to hold higher-importance variant %q, got %q", "c", out[1].FactID)
	}
}

func TestDedupeLengthRatioPreFilterSkipsVeryDifferentLengths(t *testing.T) {
	d := NewDeduper(86)
	facts := []llm.FactCandidate{
		{FactID: "a", Statement: "x", Importance: 0.5},
		{FactID: "b", Statement: "a very much longer statement that shares no real similarity", Importance: 0.5},
	}
	out := d.Dedupe(facts)
	if len(out) != 2 {
		t.Fatalf("expected both kept since length ratio excludes a match, got %d", len(out))
	}
}

func TestTokenSortRatioIgnoresWordOrder(t *testing.T) {
	if got := tokenSortRatio("the quick brown fox", "fox brown quick the"); got != 100 {
		t.Errorf("tokenSortRatio = %d, want 100 for reordered tokens", got)
	}
}

func TestLevenshteinIdentical(t *testing.T) {
	if d := levenshtein("abc", "abc"); d != 0 {
		t.Errorf("levenshtein(abc,abc) = %d, want 0", d)
	}
}

func TestLevenshteinSingleEdit(t *testing.T) {
	if d := levenshtein("kitten", "sitten"); d != 1 {
		t.Errorf("levenshtein = %d, want 1", d)
	}
}
