package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by the Get* lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// Store is the relational JobStore: documents, jobs, and the generated deck
// tree, backed by gorm in the same interface-implementation shape as the
// lineage's repos package, collapsed here into a single struct because the
// core has one caller (PipelineOrchestrator) rather than an HTTP layer
// fanning out across many repos.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn (a postgres connection string) and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open gorm.DB, used by tests against sqlite.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates tables for every model in AllModels.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// GetDocument loads a Document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetJob loads a Job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SaveDocument persists the full Document row (status, pages, language, ...).
func (s *Store) SaveDocument(ctx context.Context, doc *Document) error {
	return s.db.WithContext(ctx).Save(doc).Error
}

// SaveJob persists the full Job row (status, progress, error fields, ...).
func (s *Store) SaveJob(ctx context.Context, job *Job) error {
	return s.db.WithContext(ctx).Save(job).Error
}

// DeckTree is the flattened set of rows PipelineOrchestrator's S8 stage
// builds for one successful run, ready to be persisted atomically.
type DeckTree struct {
	Sections    []DeckSection
	Subsections []DeckSubsection
	Bullets     []DeckBullet
	Spans       []SourceSpan
	Citations   []BulletCitation
}

// PersistDeck atomically replaces the document's deck tree and SourceSpans
// with tree, and appends newImages to DocumentImage. It deletes prior
// DeckSection/DeckSubsection/DeckBullet/BulletCitation/SourceSpan rows for
// documentID first, in dependency order, so a re-run leaves exactly one
// deck tree and no orphan rows (Invariant P6). DocumentImage rows are never
// deleted on replay — a detected formula image persists across runs even if
// a later run's deck construction fails.
func (s *Store) PersistDeck(ctx context.Context, documentID string, newImages []DocumentImage, tree DeckTree) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deletePriorDeck(tx, documentID); err != nil {
			return err
		}
		if len(newImages) > 0 {
			if err := tx.Create(&newImages).Error; err != nil {
				return fmt.Errorf("insert images: %w", err)
			}
		}
		if len(tree.Sections) > 0 {
			if err := tx.Create(&tree.Sections).Error; err != nil {
				return fmt.Errorf("insert sections: %w", err)
			}
		}
		if len(tree.Subsections) > 0 {
			if err := tx.Create(&tree.Subsections).Error; err != nil {
				return fmt.Errorf("insert subsections: %w", err)
			}
		}
		if len(tree.Bullets) > 0 {
			if err := tx.Create(&tree.Bullets).Error; err != nil {
				return fmt.Errorf("insert bullets: %w", err)
			}
		}
		if len(tree.Spans) > 0 {
			if err := tx.Create(&tree.Spans).Error; err != nil {
				return fmt.Errorf("insert spans: %w", err)
			}
		}
		if len(tree.Citations) > 0 {
			if err := tx.Create(&tree.Citations).Error; err != nil {
				return fmt.Errorf("insert citations: %w", err)
			}
		}
		return nil
	})
}

func deletePriorDeck(tx *gorm.DB, documentID string) error {
	sectionIDs := tx.Model(&DeckSection{}).Select("id").Where("document_id = ?", documentID)
	subsectionIDs := tx.Model(&DeckSubsection{}).Select("id").Where("section_id IN (?)", sectionIDs)
	bulletIDs := tx.Model(&DeckBullet{}).Select("id").Where("subsection_id IN (?)", subsectionIDs)

	if err := tx.Where("bullet_id IN (?)", bulletIDs).Delete(&BulletCitation{}).Error; err != nil {
		return fmt.Errorf("delete prior citations: %w", err)
	}
	if err := tx.Where("subsection_id IN (?)", subsectionIDs).Delete(&DeckBullet{}).Error; err != nil {
		return fmt.Errorf("delete prior bullets: %w", err)
	}
	if err := tx.Where("section_id IN (?)", sectionIDs).Delete(&DeckSubsection{}).Error; err != nil {
		return fmt.Errorf("delete prior subsections: %w", err)
	}
	if err := tx.Where("document_id = ?", documentID).Delete(&DeckSection{}).Error; err != nil {
		return fmt.Errorf("delete prior sections: %w", err)
	}
	if err := tx.Where("document_id = ?", documentID).Delete(&SourceSpan{}).Error; err != nil {
		return fmt.Errorf("delete prior spans: %w", err)
	}
	return nil
}

// CommitFailure saves job and document as failed with the given
// classification, in a single transaction, regardless of how far the run
// progressed.
func (s *Store) CommitFailure(ctx context.Context, job *Job, doc *Document, errorCode, errorDetail string) error {
	job.Status = JobStatusFailed
	job.ErrorCode = errorCode
	job.ErrorDetail = errorDetail
	if doc != nil {
		doc.Status = DocumentStatusFailed
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(job).Error; err != nil {
			return err
		}
		if doc != nil {
			if err := tx.Save(doc).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
