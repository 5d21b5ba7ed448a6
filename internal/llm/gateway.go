package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/slidepipe/internal/metrics"
)

// Config configures the provider, model, credentials, and retry budget for a
// Gateway instance. See SPEC_FULL.md §6 for the recognized fields.
type Config struct {
	Provider         string // "openai" | "anthropic" | "mock"
	Model            string
	BaseURL          string
	APIKey           string
	AnthropicBaseURL string
	AnthropicToken   string
	AnthropicVersion string
	TimeoutSeconds   int
	MaxRetries       int
}

type gateway struct {
	cfg    Config
	caller rawCaller
}

// NewGateway constructs a Gateway for the configured provider. The mock
// provider requires no caller and is handled entirely in-process.
func NewGateway(cfg Config) Gateway {
	g := &gateway{cfg: cfg}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := newHTTPClient(timeout)
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		g.caller = &anthropicCaller{
			http:    httpClient,
			baseURL: cfg.AnthropicBaseURL,
			token:   cfg.AnthropicToken,
			version: cfg.AnthropicVersion,
			model:   cfg.Model,
		}
	case "mock":
		g.caller = nil
	default:
		g.caller = &openAICaller{
			http:    httpClient,
			baseURL: cfg.BaseURL,
			apiKey:  cfg.APIKey,
			model:   cfg.Model,
		}
	}
	return g
}

func (g *gateway) isMock() bool { return strings.ToLower(g.cfg.Provider) == "mock" }

func (g *gateway) retryBudget() int {
	if g.cfg.MaxRetries < 0 {
		return 0
	}
	return g.cfg.MaxRetries
}

// ExtractFacts pulls up to 8 slide-suitable statements out of a chunk of text.
func (g *gateway) ExtractFacts(ctx context.Context, chunkID, text string) ([]FactCandidate, error) {
	if g.isMock() {
		return mockExtractFacts(chunkID, text), nil
	}

	system := "You extract key learning points from academic text for presentation slides. " +
		"Each statement must be a self-contained bullet point — concise enough to fit " +
		"on one line of a slide (max ~20 words). Avoid academic jargon; prefer plain, " +
		"direct language a student can grasp at a glance. " +
		"Return strict JSON only with key 'facts'."
	user := "Extract up to 8 key points suitable as slide bullet points.\n" +
		"Rules:\n" +
		"- Each statement: max ~20 words, one core idea per bullet\n" +
		"- Start with the key noun or verb, not filler words\n" +
		"- Use active voice where possible\n" +
		"- Classify each as: definition, claim, method, result, limitation, or formula\n\n" +
		"Return JSON object: {\"facts\":[{\"statement\":string,\"fact_type\":string,\"importance\":number}]}" +
		" and nothing else.\n\n" +
		"Text:\n" + text

	var lastErr error
	for attempt := 0; attempt <= g.retryBudget(); attempt++ {
		start := time.Now()
		raw, err := g.caller.call(ctx, system, user)
		if err == nil {
			var facts []rawFact
			facts, err = parseFactsPayload(raw)
			if err == nil {
				if len(facts) == 0 {
					err = fmt.Errorf("LLM_OUTPUT_INVALID: no facts returned")
				} else {
					metrics.ObserveLLM(g.cfg.Provider, "extract_facts", "ok", time.Since(start))
					out := make([]FactCandidate, 0, len(facts))
					for i, f := range facts {
						if i >= 8 {
							break
						}
						out = append(out, FactCandidate{
							FactID:     fmt.Sprintf("f_%s_%d", chunkID, i+1),
							ChunkID:    chunkID,
							Statement:  f.Statement,
							FactType:   f.FactType,
							Importance: f.Importance,
						})
					}
					return out, nil
				}
			}
		}
		metrics.ObserveLLM(g.cfg.Provider, "extract_facts", "error", time.Since(start))
		lastErr = err
		log.Warn().Err(err).Str("chunk_id", chunkID).Int("attempt", attempt).Msg("extract_facts attempt failed")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("LLM_OUTPUT_INVALID: unknown llm failure")
	}
	return nil, lastErr
}

// BuildOutline asks the model to organize facts into a teaching-oriented
// outline, then validates and repairs fact-index coverage.
func (g *gateway) BuildOutline(ctx context.Context, facts []FactCandidate, language string) (Outline, error) {
	if g.isMock() {
		return mockOutline(facts), nil
	}

	var b strings.Builder
	for i, f := range facts {
		fmt.Fprintf(&b, "[%d] (%s, importance=%.2f) %s\n", i, f.FactType, f.Importance, f.Statement)
	}
	system := fmt.Sprintf("You are an expert instructional designer creating teaching slide decks. "+
		"Each subsection becomes ONE slide. Design for visual clarity and learning flow. "+
		"Respond in %s. Return strict JSON only.", language)
	user := fmt.Sprintf("Organize the following %d facts into a presentation slide deck outline.\n\n"+
		"Slide design constraints:\n"+
		"- Each subsection = 1 slide. Max 6 bullets per slide (subsection).\n"+
		"- Ideal: 3-5 bullets per slide for readability.\n"+
		"- 3-8 sections total, each with 1-5 subsections (slides).\n"+
		"- Balance section sizes — avoid putting 80%% of content in one section.\n\n"+
		"Learning flow:\n"+
		"- Order sections from foundational concepts → advanced/applied topics.\n"+
		"- Within each section, progress from overview → details → implications.\n"+
		"- Group related facts on the same slide; don't scatter related ideas.\n"+
		"- Section headings: short, topic-focused (2-5 words ideal).\n"+
		"- Subsection headings: describe the slide's key message.\n\n"+
		"Each subsection references facts by their [index] numbers.\n"+
		"Every fact index must appear in exactly one subsection.\n\n"+
		"Return JSON:\n"+
		"{\"sections\":[{\"heading\":string,\"summary_note\":string,"+
		"\"subsections\":[{\"heading\":string,\"fact_indices\":[int,...]}]}]}\n\n"+
		"Facts:\n%s", len(facts), b.String())

	var lastErr error
	for attempt := 0; attempt <= g.retryBudget(); attempt++ {
		start := time.Now()
		raw, err := g.caller.call(ctx, system, user)
		if err == nil {
			var outline Outline
			outline, err = parseOutlinePayload(raw)
			if err == nil {
				err = validateAndBackfillOutline(&outline, len(facts))
				if err == nil {
					metrics.ObserveLLM(g.cfg.Provider, "build_outline", "ok", time.Since(start))
					return outline, nil
				}
			}
		}
		metrics.ObserveLLM(g.cfg.Provider, "build_outline", "error", time.Since(start))
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("build_outline attempt failed")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("LLM_OUTPUT_INVALID: outline generation failed")
	}
	return Outline{}, lastErr
}

// validateAndBackfillOutline checks every fact index is in range and appends
// any index the model left unused to the last subsection of the last section,
// satisfying Invariant 5 (every fact index appears in exactly one subsection).
func validateAndBackfillOutline(outline *Outline, numFacts int) error {
	used := make(map[int]bool, numFacts)
	for _, sec := range outline.Sections {
		for _, sub := range sec.Subsections {
			for _, idx := range sub.FactIndices {
				if idx < 0 || idx >= numFacts {
					return fmt.Errorf("LLM_OUTPUT_INVALID: fact_index %d out of range [0, %d)", idx, numFacts)
				}
				used[idx] = true
			}
		}
	}
	var unused []int
	for i := 0; i < numFacts; i++ {
		if !used[i] {
			unused = append(unused, i)
		}
	}
	if len(unused) == 0 || len(outline.Sections) == 0 {
		return nil
	}
	sort.Ints(unused)
	lastSec := &outline.Sections[len(outline.Sections)-1]
	if len(lastSec.Subsections) == 0 {
		return fmt.Errorf("LLM_OUTPUT_INVALID: last section has no subsections")
	}
	lastSub := &lastSec.Subsections[len(lastSec.Subsections)-1]
	lastSub.FactIndices = append(lastSub.FactIndices, unused...)
	return nil
}

// WriteAnnotations asks the model for a speaker note per subsection, retrying
// up to MaxRetries times. Failures are absorbed: once the retries are spent
// the caller gets empty strings rather than a propagated error.
func (g *gateway) WriteAnnotations(ctx context.Context, sections []SectionDraft, language string) ([]string, error) {
	total := 0
	for _, s := range sections {
		total += len(s.Subsections)
	}

	if g.isMock() {
		out := make([]string, total)
		for i := range out {
			out[i] = "Key concepts and their implications."
		}
		return out, nil
	}

	var desc strings.Builder
	idx := 0
	for _, s := range sections {
		for _, sub := range s.Subsections {
			bullets := sub.BulletTexts
			if len(bullets) > 3 {
				bullets = bullets[:3]
			}
			fmt.Fprintf(&desc, "[%d] Section: %s / Subsection: %s — Bullets: %s\n",
				idx, s.Heading, sub.Heading, strings.Join(bullets, "; "))
			idx++
		}
	}

	system := fmt.Sprintf("You are a presentation coach writing speaker notes for teaching slides. "+
		"Your notes help the presenter explain each slide clearly and engage the audience. "+
		"Respond in %s. Return strict JSON only.", language)
	user := fmt.Sprintf("Write a speaker note for each of the following %d slides (subsections).\n\n"+
		"Speaker note guidelines:\n"+
		"- 1-3 sentences that the presenter reads or paraphrases while showing the slide.\n"+
		"- Start with the key takeaway or 'why this matters'.\n"+
		"- Include a concrete example, analogy, or question to engage the audience when possible.\n"+
		"- Use conversational tone — as if speaking to students, not writing a paper.\n"+
		"- If the slide has a formula, briefly explain what each variable means.\n\n"+
		"Return JSON:\n"+
		"{\"annotations\":[{\"subsection_index\":int,\"annotation\":string}]}\n\n"+
		"Slides:\n%s", total, desc.String())

	var lastErr error
	for attempt := 0; attempt <= g.retryBudget(); attempt++ {
		start := time.Now()
		raw, err := g.caller.call(ctx, system, user)
		if err == nil {
			var anns []annotationItem
			anns, err = parseAnnotationsPayload(raw)
			if err == nil {
				metrics.ObserveLLM(g.cfg.Provider, "write_annotations", "ok", time.Since(start))
				out := make([]string, total)
				for _, a := range anns {
					if a.SubsectionIndex >= 0 && a.SubsectionIndex < total {
						out[a.SubsectionIndex] = a.Annotation
					}
				}
				return out, nil
			}
		}
		metrics.ObserveLLM(g.cfg.Provider, "write_annotations", "error", time.Since(start))
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("write_annotations attempt failed")
	}
	log.Warn().Err(lastErr).Msg("write_annotations failed, falling back to empty")
	return make([]string, total), nil
}
