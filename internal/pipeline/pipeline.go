// Package pipeline drives the staged, partially-parallel transformation
// from raw PDF bytes to a persisted, citation-grounded slide deck: parse,
// detect language, ingest images, extract facts, dedupe, build an outline,
// annotate, persist, and gate on coverage/citation completeness.
//
// The stage sequence, progress checkpoints, and error classification mirror
// the teacher's internal/orchestrator/ai_pipeline.go shape, generalized to
// this domain's operations.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/slidepipe/internal/citation"
	"github.com/local/slidepipe/internal/dedupe"
	"github.com/local/slidepipe/internal/imaging"
	"github.com/local/slidepipe/internal/langdetect"
	"github.com/local/slidepipe/internal/llm"
	"github.com/local/slidepipe/internal/logger"
	"github.com/local/slidepipe/internal/metrics"
	"github.com/local/slidepipe/internal/pdf"
	"github.com/local/slidepipe/internal/store"
)

// PipelineError classifies a terminal pipeline failure by one of the error
// codes listed in SPEC_FULL.md §6, surfaced verbatim to Job.error_code.
type PipelineError struct {
	Code   string
	Detail string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// ErrJobNotFound and ErrDocumentNotFound are returned directly (never
// committed) when Run is invoked against rows that don't exist: with no job
// row, there is nothing to mark failed.
var (
	ErrJobNotFound      = errors.New("JOB_NOT_FOUND: job row does not exist")
	ErrDocumentNotFound = errors.New("document row does not exist")
)

// Config holds the document-processing thresholds and limits recognized by
// SPEC_FULL.md §6.
type Config struct {
	MaxPages                 int
	ChunkSizeTokens          int
	ChunkOverlapTokens       int // reserved; not applied by the chunker, see DESIGN.md
	DedupeThreshold          float64
	QualityCoverageThreshold float64
}

// Dependencies are the collaborators Orchestrator drives. Each is a narrow
// capability interface/struct so providers can be swapped without touching
// stage logic.
type Dependencies struct {
	Store        *store.Store
	Extractor    pdf.Extractor
	Ingestor     *imaging.Ingestor
	Gateway      llm.Gateway
	Citation     *citation.Locator
	LangDetector langdetect.Detector
}

// Orchestrator is the PipelineOrchestrator: a single goroutine driving a
// linear stage sequence, with bounded worker pools inside S3 and S4.
type Orchestrator struct {
	deps Dependencies
	cfg  Config
}

// New constructs an Orchestrator.
func New(deps Dependencies, cfg Config) *Orchestrator {
	if deps.Citation == nil {
		deps.Citation = citation.NewLocator()
	}
	if deps.LangDetector == nil {
		deps.LangDetector = langdetect.NewHeuristic()
	}
	return &Orchestrator{deps: deps, cfg: cfg}
}

// Run is the core entry point: Run(ctx, documentID, jobID, fileBytes) error.
// On success the deck tree is persisted and job=done; on failure job=failed
// with a classified error_code, committed regardless of how far the run
// progressed.
func (o *Orchestrator) Run(ctx context.Context, documentID, jobID string, fileBytes []byte) error {
	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return ErrJobNotFound
	}
	doc, err := o.deps.Store.GetDocument(ctx, documentID)
	if err != nil {
		return ErrDocumentNotFound
	}

	pw := &progress{ctx: ctx, store: o.deps.Store, job: job}
	runLog := logger.ForRun(documentID, jobID)

	result, runErr := o.runStages(ctx, doc, job, fileBytes, pw)
	if runErr != nil {
		code, detail := classify(runErr)
		if cerr := o.deps.Store.CommitFailure(ctx, job, doc, code, detail); cerr != nil {
			runLog.Error().Err(cerr).Msg("failed to commit failure state")
		}
		metrics.IncJob("failed", code)
		runLog.Warn().Str("error_code", code).Msg("pipeline run failed")
		return runErr
	}

	metrics.SetCoverageRatio(result.coverageRatio)
	metrics.SetDedupeRatio(result.dedupeRatio)
	metrics.IncJob("done", "")
	runLog.Info().
		Float64("coverage_ratio", result.coverageRatio).
		Float64("citation_completeness", result.citationCompleteness).
		Msg("pipeline run completed")
	return nil
}

type runResult struct {
	coverageRatio        float64
	citationCompleteness float64
	dedupeRatio          float64
}

// progress is the write-only monotonic signal described in SPEC_FULL.md §9:
// a setter that silently ignores attempts to move progress backward.
type progress struct {
	ctx   context.Context
	store *store.Store
	job   *store.Job
	last  float64
}

func (p *progress) set(v float64) {
	if v < p.last {
		return
	}
	p.last = v
	p.job.Progress = v
	if err := p.store.SaveJob(p.ctx, p.job); err != nil {
		log.Warn().Err(err).Msg("failed to persist progress checkpoint")
	}
}

func (o *Orchestrator) runStages(ctx context.Context, doc *store.Document, job *store.Job, fileBytes []byte, pw *progress) (*runResult, error) {
	stageStart := time.Now()
	observeStage := func(stage string) {
		metrics.ObserveStage(stage, time.Since(stageStart))
		stageStart = time.Now()
	}

	// S0 start (0.05)
	job.Status = store.JobStatusRunning
	doc.Status = store.DocumentStatusProcessing
	if err := o.deps.Store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := o.deps.Store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}
	pw.set(0.05)
	observeStage("start")

	// S1 parse (0.15) — enforce MaxPages before any further work.
	pageCount, chunks, images, err := o.deps.Extractor.Extract(fileBytes, o.cfg.ChunkSizeTokens)
	if err != nil {
		var pfe *pdf.ParseFailedError
		if errors.As(err, &pfe) {
			return nil, &PipelineError{Code: "PARSE_FAILED", Detail: pfe.Detail}
		}
		return nil, &PipelineError{Code: "PARSE_FAILED", Detail: err.Error()}
	}
	maxPages := o.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 200
	}
	if pageCount > maxPages {
		return nil, &PipelineError{Code: "DOC_TOO_LARGE", Detail: fmt.Sprintf("document has %d pages, max is %d", pageCount, maxPages)}
	}
	doc.Pages = pageCount
	if err := o.deps.Store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}
	pw.set(0.15)
	observeStage("parse")

	// S2 language (0.20)
	var sampleTexts []string
	for _, c := range chunks {
		sampleTexts = append(sampleTexts, c.Text)
	}
	doc.Language = langdetect.DetectFromChunks(o.deps.LangDetector, sampleTexts)
	if err := o.deps.Store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}
	pw.set(0.20)
	observeStage("language")

	// S3 images (0.25)
	ingested := o.deps.Ingestor.Ingest(ctx, doc.ID, images)
	imageRows, persistedByImageID, formulaFacts := buildImageRowsAndFormulaFacts(doc.ID, ingested)
	pw.set(0.25)
	observeStage("images")

	// S4 extract (0.35)
	extracted, err := o.extractFactsConcurrently(ctx, chunks)
	if err != nil {
		return nil, err
	}
	rawFacts := append(append([]llm.FactCandidate{}, extracted...), formulaFacts...)
	pw.set(0.35)
	observeStage("extract")

	// S5 dedupe (0.50)
	thresholdPercent := int(math.Round(o.cfg.DedupeThreshold * 100))
	deduper := dedupe.NewDeduper(thresholdPercent)
	mergedFacts := deduper.Dedupe(rawFacts)
	pw.set(0.50)
	observeStage("dedupe")

	// S6 outline (0.65) — fact-index validation/backfill happens inside
	// Gateway.BuildOutline per its contract.
	outline, err := o.deps.Gateway.BuildOutline(ctx, mergedFacts, doc.Language)
	if err != nil {
		return nil, err
	}
	pw.set(0.65)
	observeStage("outline")

	// S7 annotate (0.75) — best-effort; failures are absorbed upstream.
	annotations, _ := o.deps.Gateway.WriteAnnotations(ctx, outlineToSectionDrafts(outline, mergedFacts), doc.Language)
	pw.set(0.75)
	observeStage("annotate")

	// S8 persist — build the deck tree in memory first so a failed quality
	// gate never leaves partially-committed rows (Lifecycle §3: on failure,
	// previously inserted deck/span/citation rows are never committed).
	chunkByID := make(map[string]pdf.ParsedChunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ChunkID] = c
	}
	tree, usedFactIndices, citedBullets, totalBullets := o.buildDeckTree(doc.ID, outline, mergedFacts, annotations, chunkByID, persistedByImageID)

	coverage := 1.0
	if len(mergedFacts) > 0 {
		coverage = float64(len(usedFactIndices)) / float64(len(mergedFacts))
	}
	citationCompleteness := 1.0
	if totalBullets > 0 {
		citationCompleteness = float64(citedBullets) / float64(totalBullets)
	}

	// S9 gate
	if citationCompleteness < 1.0 {
		return nil, &PipelineError{Code: "CITATION_INCOMPLETE", Detail: fmt.Sprintf("citation_completeness=%.4f", citationCompleteness)}
	}
	if coverage < o.cfg.QualityCoverageThreshold {
		return nil, &PipelineError{Code: "QUALITY_GATE_FAILED", Detail: fmt.Sprintf("coverage_ratio=%.4f below threshold %.4f", coverage, o.cfg.QualityCoverageThreshold)}
	}

	if err := o.deps.Store.PersistDeck(ctx, doc.ID, imageRows, tree); err != nil {
		return nil, err
	}
	pw.set(0.90)
	observeStage("persist")

	dedupeRatio := 0.0
	if len(rawFacts) > 0 {
		dedupeRatio = 1 - float64(len(mergedFacts))/float64(len(rawFacts))
	}

	metricsJSON, _ := json.Marshal(map[string]float64{
		"coverage_ratio":        coverage,
		"citation_completeness": citationCompleteness,
		"dedupe_ratio":          dedupeRatio,
	})
	job.MetricsJSON = string(metricsJSON)
	job.Status = store.JobStatusDone
	doc.Status = store.DocumentStatusReady
	if err := o.deps.Store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}
	if err := o.deps.Store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	pw.set(1.0)
	observeStage("done")

	return &runResult{coverageRatio: coverage, citationCompleteness: citationCompleteness, dedupeRatio: dedupeRatio}, nil
}

// extractFactsConcurrently runs LLMGateway.ExtractFacts across chunks with a
// bounded worker pool (up to min(8, |chunks|)). If every chunk failed,
// raises LLM_OUTPUT_INVALID with the first error observed.
func (o *Orchestrator) extractFactsConcurrently(ctx context.Context, chunks []pdf.ParsedChunk) ([]llm.FactCandidate, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	workers := 8
	if len(chunks) < workers {
		workers = len(chunks)
	}

	type outcome struct {
		facts []llm.FactCandidate
		err   error
	}
	results := make([]outcome, len(chunks))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				facts, err := o.deps.Gateway.ExtractFacts(ctx, chunks[i].ChunkID, chunks[i].Text)
				results[i] = outcome{facts: facts, err: err}
			}
		}()
	}
	for i := range chunks {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var extracted []llm.FactCandidate
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			log.Warn().Err(r.err).Msg("chunk fact extraction failed")
			continue
		}
		extracted = append(extracted, r.facts...)
	}
	if len(extracted) == 0 && firstErr != nil {
		return nil, &PipelineError{Code: "LLM_OUTPUT_INVALID", Detail: firstErr.Error()}
	}
	return extracted, nil
}

// buildImageRowsAndFormulaFacts converts ImageIngestor results into
// persistable DocumentImage rows (only for successful uploads) and
// synthesizes a FactCandidate for every image with a detected formula,
// matching §4.7 S3.
func buildImageRowsAndFormulaFacts(documentID string, ingested []imaging.IngestedImage) ([]store.DocumentImage, map[string]string, []llm.FactCandidate) {
	var rows []store.DocumentImage
	persistedByImageID := make(map[string]string)
	var formulaFacts []llm.FactCandidate

	for _, img := range ingested {
		if !img.UploadOK {
			continue
		}
		rowID := uuid.New().String()
		persistedByImageID[img.ImageID] = rowID
		rows = append(rows, store.DocumentImage{
			ID:         rowID,
			DocumentID: documentID,
			Page:       img.Page,
			ImageIndex: img.IndexOnPage,
			StorageKey: img.StorageKey,
			Width:      img.Width,
			Height:     img.Height,
			IsFormula:  img.IsFormula,
			Latex:      img.Latex,
		})

		if img.IsFormula && img.Latex != "" {
			formulaFacts = append(formulaFacts, llm.FactCandidate{
				FactID:     fmt.Sprintf("formula_%s", img.ImageID),
				ChunkID:    fmt.Sprintf("c_img_%04d", img.Page),
				Statement:  fmt.Sprintf("Formula on page %d: $%s$", img.Page, img.Latex),
				FactType:   "formula",
				Importance: 5.0,
			})
		}
	}
	return rows, persistedByImageID, formulaFacts
}

// outlineToSectionDrafts converts an llm.Outline (fact indices) plus the
// fact slice it indexes into the bullet-text form WriteAnnotations expects.
func outlineToSectionDrafts(outline llm.Outline, facts []llm.FactCandidate) []llm.SectionDraft {
	drafts := make([]llm.SectionDraft, 0, len(outline.Sections))
	for _, sec := range outline.Sections {
		sd := llm.SectionDraft{Heading: sec.Heading}
		for _, sub := range sec.Subsections {
			bulletTexts := make([]string, 0, len(sub.FactIndices))
			for _, idx := range sub.FactIndices {
				if idx >= 0 && idx < len(facts) {
					bulletTexts = append(bulletTexts, facts[idx].Statement)
				}
			}
			sd.Subsections = append(sd.Subsections, llm.SubsectionDraft{Heading: sub.Heading, BulletTexts: bulletTexts})
		}
		drafts = append(drafts, sd)
	}
	return drafts
}

// buildDeckTree materializes the section/subsection/bullet/span/citation
// rows for one run, assigning dense 0-based sort_index values within each
// parent (Invariant 3) and wiring a citation for every bullet whose fact
// traces to a source chunk or a persisted formula image.
func (o *Orchestrator) buildDeckTree(
	documentID string,
	outline llm.Outline,
	facts []llm.FactCandidate,
	annotations []string,
	chunkByID map[string]pdf.ParsedChunk,
	persistedByImageID map[string]string,
) (store.DeckTree, map[int]bool, int, int) {
	var tree store.DeckTree
	usedFactIndices := make(map[int]bool)
	citedBullets := 0
	totalBullets := 0

	subIdx := 0
	for secSortIdx, sec := range outline.Sections {
		sectionID := uuid.New().String()
		tree.Sections = append(tree.Sections, store.DeckSection{
			ID:          sectionID,
			DocumentID:  documentID,
			Heading:     sec.Heading,
			SummaryNote: sec.SummaryNote,
			SortIndex:   secSortIdx,
		})

		for subSortIdx, sub := range sec.Subsections {
			subsectionID := uuid.New().String()
			annotation := ""
			if subIdx < len(annotations) {
				annotation = annotations[subIdx]
			}
			tree.Subsections = append(tree.Subsections, store.DeckSubsection{
				ID:         subsectionID,
				SectionID:  sectionID,
				Heading:    sub.Heading,
				Annotation: annotation,
				SortIndex:  subSortIdx,
			})
			subIdx++

			bulletSortIdx := 0
			for _, factIdx := range sub.FactIndices {
				if factIdx < 0 || factIdx >= len(facts) {
					continue
				}
				usedFactIndices[factIdx] = true
				fact := facts[factIdx]

				bulletID := uuid.New().String()
				bullet := store.DeckBullet{
					ID:           bulletID,
					SubsectionID: subsectionID,
					Text:         fact.Statement,
					SortIndex:    bulletSortIdx,
				}
				bulletSortIdx++
				totalBullets++

				span, ok := o.buildSpan(documentID, fact, chunkByID, persistedByImageID, &bullet)
				if ok {
					tree.Spans = append(tree.Spans, span)
					tree.Citations = append(tree.Citations, store.BulletCitation{
						ID:           uuid.New().String(),
						BulletID:     bulletID,
						SourceSpanID: span.ID,
					})
					citedBullets++
				}
				tree.Bullets = append(tree.Bullets, bullet)
			}
		}
	}

	return tree, usedFactIndices, citedBullets, totalBullets
}

// buildSpan produces the SourceSpan backing one bullet's citation, if one
// can be derived: a synthetic formula-image span for formula facts whose
// image uploaded successfully, or a located quote snippet for facts that
// trace back to a real source chunk. It also sets bullet.ImageID when the
// bullet is backed by a formula image (Invariant 4).
func (o *Orchestrator) buildSpan(
	documentID string,
	fact llm.FactCandidate,
	chunkByID map[string]pdf.ParsedChunk,
	persistedByImageID map[string]string,
	bullet *store.DeckBullet,
) (store.SourceSpan, bool) {
	if fact.FactType == "formula" && strings.HasPrefix(fact.FactID, "formula_") {
		transientImageID := strings.TrimPrefix(fact.FactID, "formula_")
		if rowID, ok := persistedByImageID[transientImageID]; ok {
			rowIDCopy := rowID
			bullet.ImageID = &rowIDCopy
			page := formulaPageFromChunkID(fact.ChunkID)
			return store.SourceSpan{
				ID:             uuid.New().String(),
				DocumentID:     documentID,
				Page:           page,
				ParagraphIndex: 0,
				QuoteSnippet:   fmt.Sprintf("[Formula image on page %d]", page),
			}, true
		}
		return store.SourceSpan{}, false
	}

	chunk, ok := chunkByID[fact.ChunkID]
	if !ok {
		return store.SourceSpan{}, false
	}
	snippet := o.deps.Citation.FindBestSnippet(fact.Statement, chunk.Text)
	return store.SourceSpan{
		ID:             uuid.New().String(),
		DocumentID:     documentID,
		Page:           chunk.Page,
		ParagraphIndex: chunk.ParagraphIndex,
		QuoteSnippet:   snippet,
		CharStart:      chunk.CharStart,
		CharEnd:        chunk.CharEnd,
	}, true
}

// formulaPageFromChunkID recovers the page number synthesized into a
// formula fact's chunk_id ("c_img_%04d"), matching Invariant 4's synthetic
// span page.
func formulaPageFromChunkID(chunkID string) int {
	var page int
	_, _ = fmt.Sscanf(chunkID, "c_img_%04d", &page)
	return page
}

// classify maps an error escaping the stage sequence to a Job.error_code
// and a bounded detail string. *PipelineError codes are preserved verbatim;
// other errors are classified by message prefix, defaulting to GEN_TIMEOUT.
func classify(err error) (code, detail string) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code, truncate(pe.Detail)
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "LLM_API_ERROR"):
		return "LLM_API_ERROR", truncate(msg)
	case strings.HasPrefix(msg, "LLM_OUTPUT_INVALID"):
		return "LLM_OUTPUT_INVALID", truncate(msg)
	default:
		return "GEN_TIMEOUT", truncate(msg)
	}
}

func truncate(s string) string {
	const maxDetail = 500
	if len(s) > maxDetail {
		return s[:maxDetail]
	}
	return s
}
