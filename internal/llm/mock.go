package llm

import (
	"fmt"
	"strings"
)

// mockExtractFacts splits text on sentence boundaries and fabricates up to
// five claims. Used when Provider=="mock" and as the deterministic fixture
// for tests.
func mockExtractFacts(chunkID, text string) []FactCandidate {
	var lines []string
	for _, ln := range strings.Split(text, ".") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	var out []FactCandidate
	for i, ln := range lines {
		if i >= 5 {
			break
		}
		stmt := ln
		if len(stmt) > 240 {
			stmt = stmt[:240]
		}
		out = append(out, FactCandidate{
			FactID:     fmt.Sprintf("f_%s_%d", chunkID, i+1),
			ChunkID:    chunkID,
			Statement:  stmt,
			FactType:   "claim",
			Importance: 0.55,
		})
	}
	if len(out) == 0 {
		stmt := text
		if len(stmt) > 220 {
			stmt = stmt[:220]
		}
		out = append(out, FactCandidate{
			FactID:     fmt.Sprintf("f_%s_1", chunkID),
			ChunkID:    chunkID,
			Statement:  stmt,
			FactType:   "definition",
			Importance: 0.5,
		})
	}
	return out
}

// mockOutline groups facts into sections of up to 8, split into subsections
// of up to 4, so the mock provider exercises the same section/subsection
// shape a real model would produce.
func mockOutline(facts []FactCandidate) Outline {
	const subGroup = 4
	var sections []OutlineSection
	for sIdx := 0; sIdx < len(facts); sIdx += subGroup * 2 {
		end := sIdx + subGroup*2
		if end > len(facts) {
			end = len(facts)
		}
		var subs []OutlineSubsection
		for ssIdx := sIdx; ssIdx < end; ssIdx += subGroup {
			subEnd := ssIdx + subGroup
			if subEnd > end {
				subEnd = end
			}
			idx := make([]int, 0, subEnd-ssIdx)
			for j := ssIdx; j < subEnd; j++ {
				idx = append(idx, j)
			}
			subs = append(subs, OutlineSubsection{
				Heading:     fmt.Sprintf("Topic %d.%d", sIdx/(subGroup*2)+1, (ssIdx-sIdx)/subGroup+1),
				FactIndices: idx,
			})
		}
		sections = append(sections, OutlineSection{
			Heading:     fmt.Sprintf("Section %d", sIdx/(subGroup*2)+1),
			SummaryNote: fmt.Sprintf("Covers facts %d-%d", sIdx, end-1),
			Subsections: subs,
		})
	}
	if len(sections) == 0 {
		idx := make([]int, len(facts))
		for i := range idx {
			idx[i] = i
		}
		sections = append(sections, OutlineSection{
			Heading:     "Overview",
			SummaryNote: "All extracted content",
			Subsections: []OutlineSubsection{{Heading: "Key Points", FactIndices: idx}},
		})
	}
	return Outline{Sections: sections}
}
