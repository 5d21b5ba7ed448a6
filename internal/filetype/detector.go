// Package filetype validates that uploaded bytes are actually a PDF before
// the pipeline attempts to parse them, using magic-byte sniffing rather than
// trusting a filename extension.
package filetype

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

// Detector sniffs file content to classify it independently of any
// user-supplied filename.
type Detector struct{}

// New constructs a Detector.
func New() *Detector {
	return &Detector{}
}

// IsPDF reports whether data's magic bytes identify it as application/pdf.
func (d *Detector) IsPDF(data []byte) bool {
	return mimetype.Detect(data).Is("application/pdf")
}

// DetectMIME returns the sniffed MIME type of data.
func (d *Detector) DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// ErrNotPDF is returned when ingest-time sniffing finds the supplied bytes
// are not a PDF, ahead of a full parse attempt.
type ErrNotPDF struct {
	MIMEType string
}

func (e *ErrNotPDF) Error() string {
	return fmt.Sprintf("PARSE_FAILED: not a PDF (detected %s)", e.MIMEType)
}
