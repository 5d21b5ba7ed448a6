// Package store persists documents, jobs, and generated slide decks via
// gorm, mirroring the relational schema the pipeline was distilled from.
package store

import "time"

// DocumentStatus tracks a Document's lifecycle.
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// JobStatus tracks a Job's lifecycle.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusFailed  JobStatus = "failed"
	JobStatusDone    JobStatus = "done"
)

// Document is an uploaded PDF awaiting or having undergone processing.
type Document struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	OwnerID   string `gorm:"type:varchar(36);index"`
	Title     string `gorm:"type:varchar(500)"`
	Language  string `gorm:"type:varchar(32)"`
	Pages     int
	Status    DocumentStatus `gorm:"type:varchar(32);default:uploaded"`
	FileKey   string         `gorm:"type:varchar(1024)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is one pipeline run against a Document.
type Job struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	DocumentID  string    `gorm:"type:varchar(36);index"`
	Status      JobStatus `gorm:"type:varchar(32);default:queued"`
	Progress    float64
	ErrorCode   string `gorm:"type:varchar(64)"`
	ErrorDetail string `gorm:"type:text"`
	MetricsJSON string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SourceSpan is a quoted, located excerpt of the source document backing a
// bullet's citation.
type SourceSpan struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	DocumentID     string `gorm:"type:varchar(36);index"`
	Page           int
	ParagraphIndex int
	QuoteSnippet   string `gorm:"type:text"`
	CharStart      int
	CharEnd        int
}

// DocumentImage is an embedded image extracted from the source PDF.
type DocumentImage struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	DocumentID string `gorm:"type:varchar(36);index"`
	Page       int
	ImageIndex int
	StorageKey string `gorm:"type:varchar(1024)"`
	Width      int
	Height     int
	IsFormula  bool
	Latex      string `gorm:"type:text"`
}

// DeckSection is a top-level grouping of slides in the generated deck.
type DeckSection struct {
	ID          string `gorm:"primaryKey;type:varchar(36)"`
	DocumentID  string `gorm:"type:varchar(36);index"`
	Heading     string `gorm:"type:varchar(500)"`
	SummaryNote string `gorm:"type:text"`
	SortIndex   int
}

// DeckSubsection is a single slide within a DeckSection.
type DeckSubsection struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	SectionID  string `gorm:"type:varchar(36);index"`
	Heading    string `gorm:"type:varchar(500)"`
	Annotation string `gorm:"type:text"`
	SortIndex  int
}

// DeckBullet is one bullet point on a slide, optionally illustrated by an
// image.
type DeckBullet struct {
	ID           string  `gorm:"primaryKey;type:varchar(36)"`
	SubsectionID string  `gorm:"type:varchar(36);index"`
	Text         string  `gorm:"type:text"`
	SortIndex    int
	ImageID      *string `gorm:"type:varchar(36)"`
}

// BulletCitation links a bullet to the SourceSpan that grounds it.
type BulletCitation struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	BulletID     string `gorm:"type:varchar(36);index"`
	SourceSpanID string `gorm:"type:varchar(36);index"`
}

// AllModels lists every type AutoMigrate should create tables for.
func AllModels() []any {
	return []any{
		&Document{},
		&Job{},
		&SourceSpan{},
		&DocumentImage{},
		&DeckSection{},
		&DeckSubsection{},
		&DeckBullet{},
		&BulletCitation{},
	}
}
