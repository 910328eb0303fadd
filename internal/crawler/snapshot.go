package crawler

import (
	"time"

	"github.com/JakeFAU/llm-reader/internal/extract"
)

// Snapshot is one sample of a page taken while it loads. Snapshots are values;
// nothing mutates one after a navigator yields it.
type Snapshot struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url"`
	HTML        string     `json:"html"`
	Text        string     `json:"text,omitempty"`
	PDF         []byte     `json:"pdf,omitempty"`
	StatusCode  int        `json:"statusCode,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CapturedAt  time.Time  `json:"capturedAt"`
	// ElementCount is the number of DOM elements when the sample was taken.
	ElementCount int `json:"elementCount,omitempty"`

	Parsed     *extract.Article `json:"-"`
	Screenshot []byte           `json:"-"`
}

// Ready reports whether the page has produced anything worth extracting.
func (s Snapshot) Ready() bool {
	return s.Title != "" || len(s.PDF) > 0
}

type fingerprint struct {
	title    string
	htmlLen  int
	elements int
	pdfLen   int
}

func (s Snapshot) fingerprint() fingerprint {
	return fingerprint{title: s.Title, htmlLen: len(s.HTML), elements: s.ElementCount, pdfLen: len(s.PDF)}
}
