// Package llm implements the gateway to an external model for fact extraction,
// outline building, and annotation writing against an OpenAI-compatible chat
// API, the Anthropic messages API, or a deterministic mock provider.
package llm

import "context"

// FactCandidate is a transient, slide-suitable statement pulled out of a chunk
// of source text, or synthesized from a detected formula image.
type FactCandidate struct {
	FactID     string
	ChunkID    string
	Statement  string
	FactType   string // definition|claim|method|result|limitation|formula
	Importance float64
}

// OutlineSubsection groups fact indices under a single slide heading.
type OutlineSubsection struct {
	Heading     string
	FactIndices []int
}

// OutlineSection groups subsections under a section heading.
type OutlineSection struct {
	Heading     string
	SummaryNote string
	Subsections []OutlineSubsection
}

// Outline is the two-level grouping of fact indices the model proposes.
type Outline struct {
	Sections []OutlineSection
}

// SubsectionDraft carries the bullet texts already assigned to a subsection,
// used as the prompt input for annotation writing.
type SubsectionDraft struct {
	Heading     string
	BulletTexts []string
}

// SectionDraft is the section-level grouping passed to WriteAnnotations.
type SectionDraft struct {
	Heading     string
	Subsections []SubsectionDraft
}

// Gateway is the capability surface the pipeline depends on. Providers are
// selected by configuration; callers never see provider-specific details.
type Gateway interface {
	ExtractFacts(ctx context.Context, chunkID, text string) ([]FactCandidate, error)
	BuildOutline(ctx context.Context, facts []FactCandidate, language string) (Outline, error)
	WriteAnnotations(ctx context.Context, sections []SectionDraft, language string) ([]string, error)
}
