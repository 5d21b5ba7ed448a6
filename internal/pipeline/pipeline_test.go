package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/local/slidepipe/internal/citation"
	"github.com/local/slidepipe/internal/formula"
	"github.com/local/slidepipe/internal/imaging"
	"github.com/local/slidepipe/internal/langdetect"
	"github.com/local/slidepipe/internal/llm"
	"github.com/local/slidepipe/internal/pdf"
	"github.com/local/slidepipe/internal/storage"
	"github.com/local/slidepipe/internal/store"
)

// fakeExtractor lets tests control page count, chunk text, and embedded
// images without depending on go-fitz/MuPDF.
type fakeExtractor struct {
	pageCount int
	chunks    []pdf.ParsedChunk
	images    []pdf.ParsedImage
	err       error
}

func (f *fakeExtractor) Extract(pdfBytes []byte, chunkSizeTokens int) (int, []pdf.ParsedChunk, []pdf.ParsedImage, error) {
	if f.err != nil {
		return 0, nil, nil, f.err
	}
	return f.pageCount, f.chunks, f.images, nil
}

// fakeTranscriber always succeeds, used to exercise the formula-bullet path
// without a real OCR/ML backend.
type fakeTranscriber struct{}

func (fakeTranscriber) Transcribe(img image.Image) (string, bool) {
	return `E = mc^2`, true
}

func newTestStore(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.NewWithDB(db)
	if err := st.AutoMigrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st, db
}

func newDocumentAndJob(t *testing.T, ctx context.Context, st *store.Store) (*store.Document, *store.Job) {
	t.Helper()
	now := time.Now()
	doc := &store.Document{ID: uuid.New().String(), Status: store.DocumentStatusUploaded, CreatedAt: now, UpdatedAt: now}
	if err := st.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("save document: %v", err)
	}
	job := &store.Job{ID: uuid.New().String(), DocumentID: doc.ID, Status: store.JobStatusQueued, CreatedAt: now, UpdatedAt: now}
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatalf("save job: %v", err)
	}
	return doc, job
}

func baseConfig() Config {
	return Config{
		MaxPages:                 50,
		ChunkSizeTokens:          1200,
		DedupeThreshold:          0.86,
		QualityCoverageThreshold: 0.85,
	}
}

// lightSquarePNG builds a valid, mostly-light, formula-shaped PNG so
// formula.Detector's size/aspect/brightness gate passes.
func lightSquarePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 100, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 100; x++ {
			img.SetGray(x, y, color.Gray{Y: 250})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newOrchestrator(t *testing.T, st *store.Store, extractor pdf.Extractor, images []pdf.ParsedImage, cfg Config) *Orchestrator {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	var transcriber formula.Transcriber
	if len(images) > 0 {
		transcriber = fakeTranscriber{}
	}
	ingestor := imaging.NewIngestor(formula.NewDetector(transcriber), blobs)
	deps := Dependencies{
		Store:        st,
		Extractor:    extractor,
		Ingestor:     ingestor,
		Gateway:      llm.NewGateway(llm.Config{Provider: "mock"}),
		Citation:     citation.NewLocator(),
		LangDetector: langdetect.NewHeuristic(),
	}
	return New(deps, cfg)
}

func TestRunHappyPathProducesDoneJobWithFullCoverage(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	doc, job := newDocumentAndJob(t, ctx, st)

	extractor := &fakeExtractor{
		pageCount: 3,
		chunks: []pdf.ParsedChunk{
			{ChunkID: "c_0001", Page: 1, ParagraphIndex: 1, Text: "Photosynthesis converts light into chemical energy. Chlorophyll absorbs light in the blue and red spectrum."},
			{ChunkID: "c_0002", Page: 2, ParagraphIndex: 2, Text: "The Calvin cycle fixes carbon dioxide into sugar. ATP and NADPH power the fixation reactions."},
		},
	}

	orch := newOrchestrator(t, st, extractor, nil, baseConfig())
	if err := orch.Run(ctx, doc.ID, job.ID, []byte("dummy-pdf-bytes")); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	gotJob, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if gotJob.Status != store.JobStatusDone {
		t.Fatalf("job status = %q, want done", gotJob.Status)
	}
	if gotJob.Progress != 1.0 {
		t.Fatalf("job progress = %v, want 1.0", gotJob.Progress)
	}

	var metrics map[string]float64
	if err := json.Unmarshal([]byte(gotJob.MetricsJSON), &metrics); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if metrics["citation_completeness"] != 1.0 {
		t.Fatalf("citation_completeness = %v, want 1.0", metrics["citation_completeness"])
	}
	if metrics["coverage_ratio"] != 1.0 {
		t.Fatalf("coverage_ratio = %v, want 1.0", metrics["coverage_ratio"])
	}

	gotDoc, err := st.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("reload document: %v", err)
	}
	if gotDoc.Status != store.DocumentStatusReady {
		t.Fatalf("document status = %q, want ready", gotDoc.Status)
	}
	if gotDoc.Pages != 3 {
		t.Fatalf("document pages = %d, want 3", gotDoc.Pages)
	}
}

func TestRunRejectsDocumentsOverMaxPages(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	doc, job := newDocumentAndJob(t, ctx, st)

	extractor := &fakeExtractor{
		pageCount: 500,
		chunks:    []pdf.ParsedChunk{{ChunkID: "c_0001", Page: 1, ParagraphIndex: 1, Text: "Some text."}},
	}
	cfg := baseConfig()
	cfg.MaxPages = 50

	orch := newOrchestrator(t, st, extractor, nil, cfg)
	err := orch.Run(ctx, doc.ID, job.ID, []byte("dummy"))
	if err == nil {
		t.Fatal("expected DOC_TOO_LARGE error")
	}
	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Code != "DOC_TOO_LARGE" {
		t.Fatalf("expected PipelineError{DOC_TOO_LARGE}, got %v", err)
	}

	gotJob, gerr := st.GetJob(ctx, job.ID)
	if gerr != nil {
		t.Fatalf("reload job: %v", gerr)
	}
	if gotJob.Status != store.JobStatusFailed || gotJob.ErrorCode != "DOC_TOO_LARGE" {
		t.Fatalf("job = %+v, want failed/DOC_TOO_LARGE", gotJob)
	}

	gotDoc, derr := st.GetDocument(ctx, doc.ID)
	if derr != nil {
		t.Fatalf("reload document: %v", derr)
	}
	if gotDoc.Status != store.DocumentStatusFailed {
		t.Fatalf("document status = %q, want failed", gotDoc.Status)
	}
}

func TestRunDedupesIdenticalFactsAcrossChunks(t *testing.T) {
	ctx := context.Background()
	st, db := newTestStore(t)
	doc, job := newDocumentAndJob(t, ctx, st)

	sameText := "Neural networks approximate arbitrary functions given enough hidden units."
	extractor := &fakeExtractor{
		pageCount: 2,
		chunks: []pdf.ParsedChunk{
			{ChunkID: "c_0001", Page: 1, ParagraphIndex: 1, Text: sameText},
			{ChunkID: "c_0002", Page: 1, ParagraphIndex: 2, Text: sameText},
		},
	}

	orch := newOrchestrator(t, st, extractor, nil, baseConfig())
	if err := orch.Run(ctx, doc.ID, job.ID, []byte("dummy")); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var bulletCount int64
	if err := db.Model(&store.DeckBullet{}).Count(&bulletCount).Error; err != nil {
		t.Fatalf("count bullets: %v", err)
	}
	// Both chunks produce one identical statement; dedupe must collapse the
	// two near-duplicate facts into a single bullet rather than two.
	if bulletCount != 1 {
		t.Fatalf("bullet count = %d, want 1 (duplicate statement merged)", bulletCount)
	}

	gotJob, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	var metrics map[string]float64
	if err := json.Unmarshal([]byte(gotJob.MetricsJSON), &metrics); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if metrics["dedupe_ratio"] <= 0 {
		t.Fatalf("dedupe_ratio = %v, want > 0", metrics["dedupe_ratio"])
	}
}

func TestRunPersistsFormulaBulletCitedByImage(t *testing.T) {
	ctx := context.Background()
	st, db := newTestStore(t)
	doc, job := newDocumentAndJob(t, ctx, st)

	imgBytes := lightSquarePNG(t)
	images := []pdf.ParsedImage{
		{ImageID: "img_0001", Page: 1, IndexOnPage: 0, Bytes: imgBytes, Ext: "png", Width: 100, Height: 40},
	}
	extractor := &fakeExtractor{
		pageCount: 1,
		chunks:    []pdf.ParsedChunk{{ChunkID: "c_0001", Page: 1, ParagraphIndex: 1, Text: "A short caption paragraph about the figure above."}},
		images:    images,
	}

	orch := newOrchestrator(t, st, extractor, images, baseConfig())
	if err := orch.Run(ctx, doc.ID, job.ID, []byte("dummy")); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var imgRows []store.DocumentImage
	if err := db.Where("document_id = ?", doc.ID).Find(&imgRows).Error; err != nil {
		t.Fatalf("query images: %v", err)
	}
	if len(imgRows) != 1 {
		t.Fatalf("expected 1 persisted image, got %d", len(imgRows))
	}
	if !imgRows[0].IsFormula || imgRows[0].Latex == "" {
		t.Fatalf("expected formula image with latex, got %+v", imgRows[0])
	}

	var bullets []store.DeckBullet
	if err := db.Where("image_id = ?", imgRows[0].ID).Find(&bullets).Error; err != nil {
		t.Fatalf("query bullets: %v", err)
	}
	if len(bullets) != 1 {
		t.Fatalf("expected exactly one bullet illustrated by the formula image, got %d", len(bullets))
	}
}

func TestRunIsIdempotentAcrossRepeatedRuns(t *testing.T) {
	ctx := context.Background()
	st, db := newTestStore(t)
	doc, job := newDocumentAndJob(t, ctx, st)

	extractor := &fakeExtractor{
		pageCount: 1,
		chunks: []pdf.ParsedChunk{
			{ChunkID: "c_0001", Page: 1, ParagraphIndex: 1, Text: "Supervised learning requires labeled examples to fit a model."},
		},
	}

	orch := newOrchestrator(t, st, extractor, nil, baseConfig())
	if err := orch.Run(ctx, doc.ID, job.ID, []byte("dummy")); err != nil {
		t.Fatalf("first Run returned error: %v", err)
	}

	var firstCount int64
	if err := db.Model(&store.DeckSection{}).Where("document_id = ?", doc.ID).Count(&firstCount).Error; err != nil {
		t.Fatalf("count sections after first run: %v", err)
	}
	if firstCount == 0 {
		t.Fatal("expected at least one section after first run")
	}

	job2 := &store.Job{ID: uuid.New().String(), DocumentID: doc.ID, Status: store.JobStatusQueued, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := st.SaveJob(ctx, job2); err != nil {
		t.Fatalf("save second job: %v", err)
	}
	if err := orch.Run(ctx, doc.ID, job2.ID, []byte("dummy")); err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}

	var secondCount int64
	if err := db.Model(&store.DeckSection{}).Where("document_id = ?", doc.ID).Count(&secondCount).Error; err != nil {
		t.Fatalf("count sections after second run: %v", err)
	}
	if secondCount != firstCount {
		t.Fatalf("section count changed across re-run: first=%d second=%d, want equal (replace, not append)", firstCount, secondCount)
	}
}

func TestRunReturnsJobNotFoundForUnknownJob(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	extractor := &fakeExtractor{pageCount: 1, chunks: []pdf.ParsedChunk{{ChunkID: "c_0001", Page: 1, Text: "x"}}}
	orch := newOrchestrator(t, st, extractor, nil, baseConfig())

	err := orch.Run(ctx, uuid.New().String(), uuid.New().String(), []byte("dummy"))
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

// failingGateway errors on every extraction call, for exercising the
// all-chunks-failed path.
type failingGateway struct{}

func (failingGateway) ExtractFacts(ctx context.Context, chunkID, text string) ([]llm.FactCandidate, error) {
	return nil, errors.New("LLM_API_ERROR (503): upstream unavailable")
}
func (failingGateway) BuildOutline(ctx context.Context, facts []llm.FactCandidate, language string) (llm.Outline, error) {
	return llm.Outline{}, errors.New("LLM_API_ERROR (503): upstream unavailable")
}
func (failingGateway) WriteAnnotations(ctx context.Context, sections []llm.SectionDraft, language string) ([]string, error) {
	return nil, errors.New("LLM_API_ERROR (503): upstream unavailable")
}

// orphanFactGateway fabricates a fact whose chunk id matches no parsed
// chunk, producing a bullet the orchestrator cannot cite.
type orphanFactGateway struct{}

func (orphanFactGateway) ExtractFacts(ctx context.Context, chunkID, text string) ([]llm.FactCandidate, error) {
	return []llm.FactCandidate{{FactID: "f_1", ChunkID: "c_9999", Statement: "A statement from nowhere.", FactType: "claim", Importance: 0.5}}, nil
}
func (orphanFactGateway) BuildOutline(ctx context.Context, facts []llm.FactCandidate, language string) (llm.Outline, error) {
	return llm.Outline{Sections: []llm.OutlineSection{
		{Heading: "S", Subsections: []llm.OutlineSubsection{{Heading: "Sub", FactIndices: []int{0}}}},
	}}, nil
}
func (orphanFactGateway) WriteAnnotations(ctx context.Context, sections []llm.SectionDraft, language string) ([]string, error) {
	return []string{""}, nil
}

func TestRunFailsWithLLMOutputInvalidWhenAllChunksFail(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	doc, job := newDocumentAndJob(t, ctx, st)

	extractor := &fakeExtractor{
		pageCount: 1,
		chunks: []pdf.ParsedChunk{
			{ChunkID: "c_0001", Page: 1, ParagraphIndex: 1, Text: "Some text."},
			{ChunkID: "c_0002", Page: 1, ParagraphIndex: 2, Text: "More text."},
		},
	}

	orch := newOrchestrator(t, st, extractor, nil, baseConfig())
	orch.deps.Gateway = failingGateway{}

	err := orch.Run(ctx, doc.ID, job.ID, []byte("dummy"))
	if err == nil {
		t.Fatal("expected error when every chunk extraction fails")
	}
	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Code != "LLM_OUTPUT_INVALID" {
		t.Fatalf("expected PipelineError{LLM_OUTPUT_INVALID}, got %v", err)
	}

	gotJob, gerr := st.GetJob(ctx, job.ID)
	if gerr != nil {
		t.Fatalf("reload job: %v", gerr)
	}
	if gotJob.Status != store.JobStatusFailed || gotJob.ErrorCode != "LLM_OUTPUT_INVALID" {
		t.Fatalf("job = %+v, want failed/LLM_OUTPUT_INVALID", gotJob)
	}
}

func TestRunFailsCitationGateWithoutPersistingDeckRows(t *testing.T) {
	ctx := context.Background()
	st, db := newTestStore(t)
	doc, job := newDocumentAndJob(t, ctx, st)

	extractor := &fakeExtractor{
		pageCount: 1,
		chunks:    []pdf.ParsedChunk{{ChunkID: "c_0001", Page: 1, ParagraphIndex: 1, Text: "Real chunk text."}},
	}

	orch := newOrchestrator(t, st, extractor, nil, baseConfig())
	orch.deps.Gateway = orphanFactGateway{}

	err := orch.Run(ctx, doc.ID, job.ID, []byte("dummy"))
	if err == nil {
		t.Fatal("expected CITATION_INCOMPLETE error")
	}
	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Code != "CITATION_INCOMPLETE" {
		t.Fatalf("expected PipelineError{CITATION_INCOMPLETE}, got %v", err)
	}

	var sectionCount int64
	if err := db.Model(&store.DeckSection{}).Count(&sectionCount).Error; err != nil {
		t.Fatalf("count sections: %v", err)
	}
	if sectionCount != 0 {
		t.Fatalf("deck sections persisted despite failed gate: %d", sectionCount)
	}
}

func TestProgressIgnoresBackwardWrites(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	_, job := newDocumentAndJob(t, ctx, st)

	p := &progress{ctx: ctx, store: st, job: job}
	p.set(0.5)
	p.set(0.25)
	if job.Progress != 0.5 {
		t.Fatalf("progress = %v after backward write, want 0.5", job.Progress)
	}
	p.set(0.9)
	if job.Progress != 0.9 {
		t.Fatalf("progress = %v after forward write, want 0.9", job.Progress)
	}
}

func TestFormulaPageFromChunkIDRoundTrips(t *testing.T) {
	if got := formulaPageFromChunkID("c_img_0007"); got != 7 {
		t.Fatalf("formulaPageFromChunkID = %d, want 7", got)
	}
}

func TestBuildImageRowsSkipsFailedUploads(t *testing.T) {
	ingested := []imaging.IngestedImage{
		{ImageID: "img_0001", Page: 1, UploadOK: true, IsFormula: true, Latex: "x=1"},
		{ImageID: "img_0002", Page: 2, UploadOK: false},
	}
	rows, persisted, formulaFacts := buildImageRowsAndFormulaFacts("doc1", ingested)
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted row, got %d", len(rows))
	}
	if _, ok := persisted["img_0002"]; ok {
		t.Fatal("failed upload must not appear in persistedByImageID")
	}
	if len(formulaFacts) != 1 {
		t.Fatalf("expected 1 formula fact, got %d", len(formulaFacts))
	}
}
