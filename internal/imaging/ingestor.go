// Package imaging fans out formula detection and blob upload across a
// document's embedded images, then reports one result per image, flagging
// which uploads succeeded; persisting the results is left to the caller.
package imaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/local/slidepipe/internal/formula"
	"github.com/local/slidepipe/internal/metrics"
	"github.com/local/slidepipe/internal/pdf"
	"github.com/local/slidepipe/internal/storage"
)

const maxWorkers = 4

// IngestedImage is the outcome of processing one ParsedImage: formula
// detection result plus the storage key it was (or would have been)
// uploaded to.
type IngestedImage struct {
	ImageID     string
	Page        int
	IndexOnPage int
	Width       int
	Height      int
	StorageKey  string
	IsFormula   bool
	Latex       string
	UploadOK    bool
}

// Ingestor runs formula detection and blob upload concurrently per image,
// bounded to min(4, len(images)) workers, matching the original
// ThreadPoolExecutor sizing.
type Ingestor struct {
	detector *formula.Detector
	store    storage.BlobStore
}

// NewIngestor constructs an Ingestor.
func NewIngestor(detector *formula.Detector, store storage.BlobStore) *Ingestor {
	return &Ingestor{detector: detector, store: store}
}

// Ingest processes every image, detecting formulas and uploading bytes in
// parallel, then returns results ordered the same as the input. The
// orchestrator decides what to persist; this stage does not write to any
// database.
func (ig *Ingestor) Ingest(ctx context.Context, documentID string, images []pdf.ParsedImage) []IngestedImage {
	if len(images) == 0 {
		return nil
	}

	workers := maxWorkers
	if len(images) < workers {
		workers = len(images)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int)
	results := make([]IngestedImage, len(images))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = ig.processOne(ctx, documentID, images[i])
			}
		}()
	}
	for i := range images {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (ig *Ingestor) processOne(ctx context.Context, documentID string, img pdf.ParsedImage) IngestedImage {
	latex, isFormula := ig.detector.Detect(img.Bytes)

	key := fmt.Sprintf("documents/%s/images/%s.%s", documentID, img.ImageID, img.Ext)
	uploadOK := true
	if err := ig.store.Upload(ctx, key, img.Bytes); err != nil {
		log.Warn().Err(err).Str("image_id", img.ImageID).Msg("failed to upload image")
		uploadOK = false
	}

	outcome := "ok"
	if !uploadOK {
		outcome = "upload_failed"
	}
	metrics.IncImage(outcome)

	return IngestedImage{
		ImageID:     img.ImageID,
		Page:        img.Page,
		IndexOnPage: img.IndexOnPage,
		Width:       img.Width,
		Height:      img.Height,
		StorageKey:  key,
		IsFormula:   isFormula,
		Latex:       latex,
		UploadOK:    uploadOK,
	}
}
