// Package pdf turns raw PDF bytes into the ordered text chunks and embedded
// images the rest of the pipeline operates on. Structural access goes
// through go-fitz (MuPDF bindings), so a single native dependency covers
// both text and image extraction.
package pdf

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gen2brain/go-fitz"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
)

// ParsedChunk is a transient unit of extracted text, never persisted as-is.
type ParsedChunk struct {
	ChunkID        string
	Page           int
	ParagraphIndex int
	Text           string
	CharStart      int
	CharEnd        int
}

// ParsedImage is a transient embedded image, never persisted as-is.
type ParsedImage struct {
	ImageID     string
	Page        int
	IndexOnPage int
	Bytes       []byte
	Ext         string
	Width       int
	Height      int
	BBoxX0      float64
	BBoxY0      float64
	BBoxX1      float64
	BBoxY1      float64
}

// ParseFailedError wraps PARSE_FAILED conditions: invalid, empty, or
// text-less PDFs.
type ParseFailedError struct {
	Detail string
}

func (e *ParseFailedError) Error() string {
	return fmt.Sprintf("PARSE_FAILED: %s", e.Detail)
}

// Extractor pulls page count, text chunks, and embedded images out of a PDF.
type Extractor interface {
	Extract(pdfBytes []byte, chunkSizeTokens int) (pageCount int, chunks []ParsedChunk, images []ParsedImage, err error)
}

// GoFitzExtractor is the production Extractor, backed by MuPDF.
type GoFitzExtractor struct{}

// NewExtractor constructs the default Extractor.
func NewExtractor() *GoFitzExtractor {
	return &GoFitzExtractor{}
}

var (
	nbspReplacer  = strings.NewReplacer(" ", " ")
	runsOfSpaces  = regexp.MustCompile(`[ \t]+`)
	runsOfNewline = regexp.MustCompile(`\n{3,}`)

	imgTagRe    = regexp.MustCompile(`<img[^>]*style="([^"]*)"[^>]*src="data:image/([a-zA-Z0-9.+-]+);base64,([^"]*)"[^>]*/?>`)
	leftStyleRe = regexp.MustCompile(`left:\s*(-?\d+(?:\.\d+)?)pt`)
	topStyleRe  = regexp.MustCompile(`top:\s*(-?\d+(?:\.\d+)?)pt`)
	wStyleRe    = regexp.MustCompile(`width:\s*(\d+(?:\.\d+)?)pt`)
	hStyleRe    = regexp.MustCompile(`height:\s*(\d+(?:\.\d+)?)pt`)
)

// Extract implements the PDFExtractor contract: normalize page text into
// paragraphs, greedily pack paragraphs into chunks bounded by an estimated
// token budget, and collect embedded images with their page bboxes.
func (g *GoFitzExtractor) Extract(pdfBytes []byte, chunkSizeTokens int) (int, []ParsedChunk, []ParsedImage, error) {
	if len(pdfBytes) == 0 {
		return 0, nil, nil, &ParseFailedError{Detail: "empty file"}
	}
	if chunkSizeTokens <= 0 {
		chunkSizeTokens = 1200
	}

	// Cheap structural validation ahead of the full MuPDF parse: pdfcpu
	// rejects malformed or corrupt PDFs (bad xref, truncated trailer, ...)
	// without rendering a single page.
	if _, err := pdfapi.PageCount(bytes.NewReader(pdfBytes), nil); err != nil {
		return 0, nil, nil, &ParseFailedError{Detail: fmt.Sprintf("structural validation failed: %v", err)}
	}

	doc, err := fitz.NewFromMemory(pdfBytes)
	if err != nil {
		return 0, nil, nil, &ParseFailedError{Detail: err.Error()}
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return 0, nil, nil, &ParseFailedError{Detail: "zero pages"}
	}

	var allParagraphs []paragraphRef
	var images []ParsedImage
	imgOrdinal := 0

	for page := 0; page < pageCount; page++ {
		pageNum := page + 1

		rawText, err := doc.Text(page)
		if err != nil {
			log.Warn().Err(err).Int("page", pageNum).Msg("text extraction failed for page")
			rawText = ""
		}
		normalized := normalizeText(rawText)
		for _, p := range splitParagraphs(normalized) {
			allParagraphs = append(allParagraphs, paragraphRef{page: pageNum, text: p})
		}

		pageImages, err := g.extractPageImages(doc, page, pageNum)
		if err != nil {
			log.Warn().Err(err).Int("page", pageNum).Msg("image extraction failed for page")
			continue
		}
		for i, pi := range pageImages {
			imgOrdinal++
			pi.ImageID = fmt.Sprintf("img_%04d", imgOrdinal)
			pi.IndexOnPage = i
			images = append(images, pi)
		}
	}

	if len(allParagraphs) == 0 {
		return 0, nil, nil, &ParseFailedError{Detail: "no extractable text"}
	}

	chunks := chunkParagraphs(allParagraphs, chunkSizeTokens)
	return pageCount, chunks, images, nil
}

type paragraphRef struct {
	page int
	text string
}

func normalizeText(text string) string {
	text = nbspReplacer.Replace(text)
	text = runsOfSpaces.ReplaceAllString(text, " ")
	text = runsOfNewline.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// splitParagraphs splits on blank-line separators, falling back to
// non-empty lines when the page has no blank-line structure at all.
func splitParagraphs(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n\n")
	var paras []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	if len(paras) > 1 {
		return paras
	}

	var lines []string
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return lines
}

// estimateTokens matches the original's words*1.3 heuristic, floored at 1.
func estimateTokens(text string) float64 {
	words := len(strings.Fields(text))
	tokens := float64(words) * 1.3
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// chunkParagraphs greedily packs paragraphs into chunks bounded by
// chunkSizeTokens, assigning chunk_id/page/paragraph_index/char offsets
// exactly as described in the component contract.
func chunkParagraphs(paragraphs []paragraphRef, chunkSizeTokens int) []ParsedChunk {
	var chunks []ParsedChunk
	var curTexts []string
	curPage := 0
	curTokens := 0.0
	offset := 0
	ordinal := 0

	flush := func() {
		if len(curTexts) == 0 {
			return
		}
		ordinal++
		text := strings.Join(curTexts, "\n\n")
		start := offset
		end := start + len(text)
		chunks = append(chunks, ParsedChunk{
			ChunkID:        fmt.Sprintf("c_%04d", ordinal),
			Page:           curPage,
			ParagraphIndex: ordinal,
			Text:           text,
			CharStart:      start,
			CharEnd:        end,
		})
		offset = end + 1
		curTexts = nil
		curTokens = 0
	}

	for _, p := range paragraphs {
		t := estimateTokens(p.text)
		if len(curTexts) > 0 && curTokens+t > float64(chunkSizeTokens) {
			flush()
		}
		if len(curTexts) == 0 {
			curPage = p.page
		}
		curTexts = append(curTexts, p.text)
		curTokens += t
	}
	flush()

	return chunks
}

// extractPageImages pulls embedded images out of a page's HTML rendering,
// which MuPDF inlines as base64 data URIs positioned with the same
// left/top/width/height style attributes used for text blocks.
func (g *GoFitzExtractor) extractPageImages(doc *fitz.Document, pageIndex, pageNum int) ([]ParsedImage, error) {
	html, err := doc.HTML(pageIndex, false)
	if err != nil || html == "" {
		return nil, err
	}

	var pageWidth, pageHeight float64 = 612.0, 792.0
	if m := wStyleRe.FindStringSubmatch(html); len(m) > 1 {
		if w, err := strconv.ParseFloat(m[1], 64); err == nil {
			pageWidth = w
		}
	}

	matches := imgTagRe.FindAllStringSubmatch(html, -1)
	var out []ParsedImage
	for _, m := range matches {
		style, ext, b64 := m[1], strings.ToLower(m[2]), m[3]
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil || len(raw) == 0 {
			continue
		}

		width, height := 0, 0
		x0, y0 := 0.0, 0.0
		x1, y1 := pageWidth, pageHeight
		if wm := wStyleRe.FindStringSubmatch(style); len(wm) > 1 {
			if v, err := strconv.ParseFloat(wm[1], 64); err == nil {
				width = int(v)
				x1 = x0 + v
			}
		}
		if hm := hStyleRe.FindStringSubmatch(style); len(hm) > 1 {
			if v, err := strconv.ParseFloat(hm[1], 64); err == nil {
				height = int(v)
				y1 = y0 + v
			}
		}
		if lm := leftStyleRe.FindStringSubmatch(style); len(lm) > 1 {
			if v, err := strconv.ParseFloat(lm[1], 64); err == nil {
				x0 = v
				x1 = x0 + float64(width)
			}
		}
		if tm := topStyleRe.FindStringSubmatch(style); len(tm) > 1 {
			if v, err := strconv.ParseFloat(tm[1], 64); err == nil {
				y0 = v
				y1 = y0 + float64(height)
			}
		}

		if width < 20 || height < 20 {
			continue
		}
		if ext == "jpg" {
			ext = "jpeg"
		}

		out = append(out, ParsedImage{
			Page:   pageNum,
			Bytes:  raw,
			Ext:    ext,
			Width:  width,
			Height: height,
			BBoxX0: x0,
			BBoxY0: y0,
			BBoxX1: x1,
			BBoxY1: y1,
		})
	}
	return out, nil
}
