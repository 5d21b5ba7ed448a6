package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	cfgpkg "github.com/local/slidepipe/internal/config"
	"github.com/local/slidepipe/internal/citation"
	"github.com/local/slidepipe/internal/filetype"
	"github.com/local/slidepipe/internal/formula"
	"github.com/local/slidepipe/internal/imaging"
	"github.com/local/slidepipe/internal/langdetect"
	"github.com/local/slidepipe/internal/llm"
	logpkg "github.com/local/slidepipe/internal/logger"
	mpkg "github.com/local/slidepipe/internal/metrics"
	"github.com/local/slidepipe/internal/pdf"
	"github.com/local/slidepipe/internal/pipeline"
	"github.com/local/slidepipe/internal/storage"
	"github.com/local/slidepipe/internal/store"
)

// jobRequest carries one document's bytes from the upload handler to a
// worker goroutine. Keeping the bytes in-memory, rather than round-tripping
// them through blob storage first, keeps this wiring layer thin — a real
// deployment's queue transport would replace this channel, not Run itself.
type jobRequest struct {
	documentID string
	jobID      string
	fileBytes  []byte
}

func main() {
	_ = godotenv.Load()

	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := st.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	ctx := context.Background()
	blobs, err := storage.New(ctx, storage.Config{
		Backend:      cfg.Storage.Backend,
		LocalDir:     cfg.Storage.LocalDir,
		S3Bucket:     cfg.Storage.S3Bucket,
		S3Region:     cfg.Storage.S3Region,
		S3Endpoint:   cfg.Storage.S3Endpoint,
		S3AccessKey:  cfg.Storage.S3AccessKey,
		S3SecretKey:  cfg.Storage.S3SecretKey,
		GCSBucket:    cfg.Storage.GCSBucket,
		GCSProjectID: cfg.Storage.GCSProjectID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	extractor := pdf.NewExtractor()
	ftDetector := filetype.New()
	formulaDetector := formula.NewDetector(nil)
	ingestor := imaging.NewIngestor(formulaDetector, blobs)
	gateway := llm.NewGateway(llm.Config{
		Provider:         cfg.LLM.Provider,
		Model:            cfg.LLM.Model,
		BaseURL:          cfg.LLM.BaseURL,
		APIKey:           cfg.LLM.APIKey,
		AnthropicBaseURL: cfg.LLM.AnthropicBaseURL,
		AnthropicToken:   cfg.LLM.AnthropicToken,
		AnthropicVersion: cfg.LLM.AnthropicVersion,
		TimeoutSeconds:   cfg.LLM.TimeoutSeconds,
		MaxRetries:       cfg.LLM.MaxRetries,
	})

	orch := pipeline.New(
		pipeline.Dependencies{
			Store:        st,
			Extractor:    extractor,
			Ingestor:     ingestor,
			Gateway:      gateway,
			Citation:     citation.NewLocator(),
			LangDetector: langdetect.NewHeuristic(),
		},
		pipeline.Config{
			MaxPages:                 cfg.Pipeline.MaxPages,
			ChunkSizeTokens:          cfg.Pipeline.ChunkSizeTokens,
			ChunkOverlapTokens:       cfg.Pipeline.ChunkOverlapTokens,
			DedupeThreshold:          cfg.Pipeline.DedupeThreshold,
			QualityCoverageThreshold: cfg.Pipeline.QualityCoverageThreshold,
		},
	)

	jobTimeout := time.Duration(cfg.Pipeline.TaskTimeoutMinutes) * time.Minute
	if jobTimeout <= 0 {
		jobTimeout = 20 * time.Minute
	}

	jobs := make(chan jobRequest, 64)
	workerCount := 4

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	for w := 0; w < workerCount; w++ {
		go runWorker(workerCtx, orch, jobs, jobTimeout)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/documents", uploadHandler(st, blobs, ftDetector, jobs))
	mux.HandleFunc("/documents/", documentHandler(st))
	mux.HandleFunc("/jobs/", jobHandler(st))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mpkg.Init()
	mux.Handle("/metrics", mpkg.Handler())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	fmt.Println("shutdown complete")
}

// runWorker is the in-process stand-in for a queue dispatcher: it pulls
// jobRequests and drives one pipeline.Run at a time. A production deployment
// sizing this beyond a handful of workers would need the DB-write
// serialization concern revisited; PipelineOrchestrator itself assumes one
// goroutine per run.
func runWorker(ctx context.Context, orch *pipeline.Orchestrator, jobs <-chan jobRequest, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-jobs:
			if !ok {
				return
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			if err := orch.Run(runCtx, req.documentID, req.jobID, req.fileBytes); err != nil {
				log.Warn().Err(err).Str("document_id", req.documentID).Str("job_id", req.jobID).Msg("pipeline run failed")
			}
			cancel()
		}
	}
}

func uploadHandler(st *store.Store, blobs storage.BlobStore, ftDetector *filetype.Detector, jobs chan<- jobRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, 200<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if !ftDetector.IsPDF(data) {
			http.Error(w, fmt.Sprintf("PARSE_FAILED: not a PDF (detected %s)", ftDetector.DetectMIME(data)), http.StatusUnprocessableEntity)
			return
		}

		// Identity resolution is out of scope; a trusted upstream proxy is
		// expected to set X-User-ID.
		ownerID := r.Header.Get("X-User-ID")
		if ownerID == "" {
			ownerID = "anonymous"
		}

		docID := uuid.New().String()
		fileKey := fmt.Sprintf("documents/%s/%s.pdf", ownerID, docID)
		if err := blobs.Upload(r.Context(), fileKey, data); err != nil {
			log.Error().Err(err).Str("key", fileKey).Msg("failed to store original document")
			http.Error(w, "STORAGE_ERROR: failed to store document", http.StatusInternalServerError)
			return
		}

		now := time.Now()
		doc := &store.Document{
			ID:        docID,
			OwnerID:   ownerID,
			Title:     r.Header.Get("X-Title"),
			Status:    store.DocumentStatusUploaded,
			FileKey:   fileKey,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.SaveDocument(r.Context(), doc); err != nil {
			http.Error(w, "failed to create document", http.StatusInternalServerError)
			return
		}

		job := &store.Job{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			Status:     store.JobStatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := st.SaveJob(r.Context(), job); err != nil {
			http.Error(w, "failed to create job", http.StatusInternalServerError)
			return
		}

		select {
		case jobs <- jobRequest{documentID: doc.ID, jobID: job.ID, fileBytes: data}:
		default:
			http.Error(w, "job queue is full, try again later", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"document_id": doc.ID, "job_id": job.ID})
	}
}

func documentHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/documents/"):]
		doc, err := st.GetDocument(r.Context(), id)
		if err != nil {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}
}

func jobHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/jobs/"):]
		job, err := st.GetJob(r.Context(), id)
		if err != nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job)
	}
}
