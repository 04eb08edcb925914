// Package domain defines the core types and error taxonomy for the Libris
// document QA pipeline: documents, chunks, retrieved items, and the tagged
// source descriptors attached to answers.
package domain

// DocType is a supported document format.
type DocType string

const (
	TypePDF  DocType = "pdf"
	TypeDOCX DocType = "docx"
	TypeTXT  DocType = "txt"
)

// Metadata holds attributes derived during extraction.
type Metadata struct {
	FileSize  int64  `json:"file_size"`
	WordCount int    `json:"word_count"`
	PageCount int    `json:"page_count,omitempty"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
}

// Document is a source file after successful extraction. Immutable;
// reprocessing creates a new extraction that may reuse the ID.
type Document struct {
	ID       string   `json:"id"`
	Filename string   `json:"filename"`
	Path     string   `json:"path"`
	Type     DocType  `json:"type"`
	Content  string   `json:"-"`
	Meta     Metadata `json:"metadata"`
}

// Chunk is a contiguous slice of a document's text sized for embedding.
// Start and End are byte offsets into the parent text, half-open [Start,End).
type Chunk struct {
	DocID   string `json:"doc_id"`
	Index   int    `json:"index"`
	Content string `json:"content"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Page    int    `json:"page,omitempty"` // 1-based, 0 when unknown
	Source  string `json:"source"`         // original file path
}

// SearchResult is one normalized record from the web-search provider.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Source describes where a retrieved item came from. It is a closed set:
// DocumentSource or WebSource, resolved at construction time.
type Source interface {
	// Ref is the primary locator: a file path or a URL.
	Ref() string
	// Kind is "document" or "web".
	Kind() string
}

// DocumentSource points into an indexed document.
type DocumentSource struct {
	Path string `json:"path"`
	Page int    `json:"page,omitempty"`
}

func (s DocumentSource) Ref() string  { return s.Path }
func (s DocumentSource) Kind() string { return "document" }

// WebSource points at a web search result.
type WebSource struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (s WebSource) Ref() string  { return s.URL }
func (s WebSource) Kind() string { return "web" }

// RetrievedItem is one retrieval candidate handed to synthesis. It has no
// identity beyond the request that produced it.
type RetrievedItem struct {
	Content string  `json:"content"`
	Score   float32 `json:"score"`
	Source  Source  `json:"source"`
}

// FromSearchResult converts a web result into a RetrievedItem.
func FromSearchResult(r SearchResult) RetrievedItem {
	return RetrievedItem{
		Content: r.Snippet,
		Source:  WebSource{URL: r.Link, Title: r.Title},
	}
}
