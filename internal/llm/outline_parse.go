package llm

func parseOutlinePayload(content string) (Outline, error) {
	parsed, err := parseJSONGeneric(content)
	if err != nil {
		return Outline{}, err
	}
	rawSections, _ := parsed["sections"].([]any)
	out := Outline{Sections: make([]OutlineSection, 0, len(rawSections))}
	for _, rs := range rawSections {
		sm, ok := rs.(map[string]any)
		if !ok {
			continue
		}
		heading, _ := sm["heading"].(string)
		summary, _ := sm["summary_note"].(string)
		sec := OutlineSection{Heading: heading, SummaryNote: summary}
		rawSubs, _ := sm["subsections"].([]any)
		for _, rsub := range rawSubs {
			subm, ok := rsub.(map[string]any)
			if !ok {
				continue
			}
			subHeading, _ := subm["heading"].(string)
			rawIdx, _ := subm["fact_indices"].([]any)
			idx := make([]int, 0, len(rawIdx))
			for _, v := range rawIdx {
				switch n := v.(type) {
				case float64:
					idx = append(idx, int(n))
				case int:
					idx = append(idx, n)
				}
			}
			sec.Subsections = append(sec.Subsections, OutlineSubsection{Heading: subHeading, FactIndices: idx})
		}
		out.Sections = append(out.Sections, sec)
	}
	return out, nil
}

type annotationItem struct {
	SubsectionIndex int
	Annotation      string
}

func parseAnnotationsPayload(content string) ([]annotationItem, error) {
	parsed, err := parseJSONGeneric(content)
	if err != nil {
		return nil, err
	}
	raw, _ := parsed["annotations"].([]any)
	out := make([]annotationItem, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		idx := -1
		switch n := m["subsection_index"].(type) {
		case float64:
			idx = int(n)
		case int:
			idx = n
		}
		ann, _ := m["annotation"].(string)
		out = append(out, annotationItem{SubsectionIndex: idx, Annotation: ann})
	}
	return out, nil
}
