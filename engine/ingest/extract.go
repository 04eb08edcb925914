package ingest

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/LibrisAI/libris-mvp/engine/domain"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
)

// Loaded is a document after extraction, ready for splitting.
type Loaded struct {
	Doc domain.Document
	// pageOffsets[i] is the byte offset in Doc.Content where page i+1
	// begins. Empty for formats without page structure.
	pageOffsets []int
}

// Split cuts the loaded document into chunks.
func (l Loaded) Split(opts SplitOptions) []domain.Chunk {
	return Split(l.Doc, l.pageOffsets, opts)
}

// Load extracts a document from path, detecting the type by extension.
// Returns domain.ErrUnsupportedType for unknown extensions and a
// domain.ExtractionError when the underlying parser fails.
func Load(path string) (Loaded, error) {
	typ, err := domain.DetectType(path)
	if err != nil {
		return Loaded{}, err
	}

	var (
		text    string
		meta    domain.Metadata
		offsets []int
	)
	switch typ {
	case domain.TypePDF:
		text, meta, offsets, err = extractPDF(path)
	case domain.TypeDOCX:
		text, meta, err = extractDOCX(path)
	case domain.TypeTXT:
		text, meta, err = extractTXT(path)
	}
	if err != nil {
		return Loaded{}, domain.NewExtractionError(path, err)
	}

	meta.WordCount = len(strings.Fields(text))
	if fi, statErr := os.Stat(path); statErr == nil {
		meta.FileSize = fi.Size()
	}

	doc := domain.Document{
		// Deterministic by path so reprocessing reuses the identifier.
		ID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String(),
		Filename: filepath.Base(path),
		Path:     path,
		Type:     typ,
		Content:  text,
		Meta:     meta,
	}
	return Loaded{Doc: doc, pageOffsets: offsets}, nil
}

// LoadAndSplit extracts a document and splits it into chunks.
func LoadAndSplit(path string, opts SplitOptions) (domain.Document, []domain.Chunk, error) {
	loaded, err := Load(path)
	if err != nil {
		return domain.Document{}, nil, err
	}
	return loaded.Doc, loaded.Split(opts), nil
}

// extractPDF concatenates per-page text, recording where each page starts.
func extractPDF(path string) (string, domain.Metadata, []int, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", domain.Metadata{}, nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	pages := reader.NumPage()
	texts := make([]string, 0, pages)
	for i := 1; i <= pages; i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", domain.Metadata{}, nil, fmt.Errorf("page %d: %w", i, err)
		}
		texts = append(texts, content)
	}
	text, offsets := assemblePages(texts)

	meta := domain.Metadata{PageCount: pages}
	meta.Title, meta.Author = pdfInfo(reader)
	return text, meta, offsets, nil
}

// assemblePages joins per-page text, recording the offset where each page
// begins. Every page keeps its slot, so an unreadable page does not shift
// later pages' numbering. Only trailing whitespace is trimmed; trimming the
// front would invalidate every recorded offset.
func assemblePages(texts []string) (string, []int) {
	var b strings.Builder
	offsets := make([]int, 0, len(texts))
	for _, t := range texts {
		offsets = append(offsets, b.Len())
		if t == "" {
			continue
		}
		b.WriteString(t)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), " \t\r\n"), offsets
}

// pdfInfo pulls optional Title/Author from the Info dictionary. The pdf
// library panics on some malformed trailers, so failures here only lose
// metadata, never the extraction.
func pdfInfo(r *pdf.Reader) (title, author string) {
	defer func() { _ = recover() }()
	info := r.Trailer().Key("Info")
	if info.IsNull() {
		return "", ""
	}
	return info.Key("Title").Text(), info.Key("Author").Text()
}

// wordDocument mirrors the fragment of WordprocessingML we read: runs of
// text (<w:t>) grouped into paragraphs (<w:p>).
type wordDocument struct {
	Paragraphs []struct {
		Texts []string `xml:"r>t"`
	} `xml:"body>p"`
}

// extractDOCX reads word/document.xml from the .docx zip container and
// concatenates paragraph text.
func extractDOCX(path string) (string, domain.Metadata, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", domain.Metadata{}, fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", domain.Metadata{}, fmt.Errorf("open document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", domain.Metadata{}, fmt.Errorf("docx has no word/document.xml")
	}
	defer docXML.Close()

	var wd wordDocument
	if err := xml.NewDecoder(docXML).Decode(&wd); err != nil {
		return "", domain.Metadata{}, fmt.Errorf("parse document.xml: %w", err)
	}

	var b strings.Builder
	for _, p := range wd.Paragraphs {
		for _, t := range p.Texts {
			b.WriteString(t)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String()), domain.Metadata{}, nil
}

// extractTXT reads the file verbatim.
func extractTXT(path string) (string, domain.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", domain.Metadata{}, fmt.Errorf("read txt: %w", err)
	}
	return string(data), domain.Metadata{}, nil
}
