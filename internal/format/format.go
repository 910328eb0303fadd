// Package format renders extracted pages into the response variants served by
// the API: markdown, html, text, json and screenshot URLs.
package format

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"

	"github.com/JakeFAU/llm-reader/internal/extract"
)

// Kind names a response variant.
type Kind string

const (
	KindMarkdown   Kind = "markdown"
	KindHTML       Kind = "html"
	KindText       Kind = "text"
	KindJSON       Kind = "json"
	KindScreenshot Kind = "screenshot"
	KindPageshot   Kind = "pageshot"
)

// ErrUnknownKind is returned by ParseKind and Render for unsupported formats.
var ErrUnknownKind = errors.New("unknown response format")

// ParseKind maps a header value onto a Kind. Empty input means markdown.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case "", "default":
		return KindMarkdown, nil
	case KindMarkdown, KindHTML, KindText, KindJSON, KindScreenshot, KindPageshot:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// IsImage reports whether the kind is answered with a stored screenshot.
func (k Kind) IsImage() bool {
	return k == KindScreenshot || k == KindPageshot
}

// Document is a textual response.
type Document struct {
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	URL           string            `json:"url"`
	Content       string            `json:"content"`
	Links         map[string]string `json:"links"`
	Images        map[string]string `json:"images"`
	Metadata      map[string]string `json:"metadata"`
	PublishedTime string            `json:"publishedTime,omitempty"`

	linkList     []extract.Link
	imageList    []extract.Image
	linksSummary bool
	imageSummary bool
}

// Image points at a stored screenshot.
type Image struct {
	URL      string
	FullPage bool
}

// Result holds exactly one populated variant, selected by Kind.
type Result struct {
	Kind       Kind
	Markdown   *Document
	HTML       *Document
	Text       *Document
	JSON       *Document
	Screenshot *Image
}

// Document returns the textual variant, or nil for screenshots.
func (r Result) Document() *Document {
	switch r.Kind {
	case KindMarkdown:
		return r.Markdown
	case KindHTML:
		return r.HTML
	case KindText:
		return r.Text
	case KindJSON:
		return r.JSON
	default:
		return nil
	}
}

// Data is the value placed under "data" in the JSON envelope.
func (r Result) Data() any {
	if doc := r.Document(); doc != nil {
		return doc
	}
	if r.Screenshot == nil {
		return map[string]string{}
	}
	if r.Kind == KindPageshot {
		return map[string]string{"pageshotUrl": r.Screenshot.URL}
	}
	return map[string]string{"screenshotUrl": r.Screenshot.URL}
}

// Body renders the plain-text response.
func (r Result) Body() string {
	if r.Screenshot != nil {
		return r.Screenshot.URL + "\n"
	}
	doc := r.Document()
	if doc == nil {
		return ""
	}
	if r.Kind == KindHTML || r.Kind == KindText {
		return doc.Content
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nURL Source: %s\n\n", doc.Title, doc.URL)
	if doc.PublishedTime != "" {
		fmt.Fprintf(&b, "Published Time: %s\n\n", doc.PublishedTime)
	}
	b.WriteString("Markdown Content:\n")
	b.WriteString(doc.Content)
	if doc.linksSummary && len(doc.linkList) > 0 {
		b.WriteString("\n\nLinks/Buttons:\n")
		for _, l := range doc.linkList {
			fmt.Fprintf(&b, "- [%s](%s)\n", l.Text, l.URL)
		}
	}
	if doc.imageSummary && len(doc.imageList) > 0 {
		b.WriteString("\n\nImages:\n")
		for i, img := range doc.imageList {
			alt := img.Alt
			if alt == "" {
				alt = fmt.Sprintf("Image %d", i+1)
			}
			fmt.Fprintf(&b, "- ![%s](%s)\n", alt, img.URL)
		}
	}
	return b.String()
}

// Input is everything Render needs from a captured page.
type Input struct {
	Kind        Kind
	URL         string
	Title       string
	Description string
	// HTML is the page markup served for KindHTML.
	HTML string
	// Text is the rendered page text served for KindText.
	Text          string
	Article       *extract.Article
	PublishedAt   *time.Time
	Metadata      map[string]string
	ScreenshotURL string
	LinksSummary  bool
	ImageSummary  bool
}

// Render builds the Result variant for in.Kind.
func Render(in Input) (Result, error) {
	switch in.Kind {
	case KindScreenshot, KindPageshot:
		if in.ScreenshotURL == "" {
			return Result{}, errors.New("screenshot url missing")
		}
		return Result{Kind: in.Kind, Screenshot: &Image{URL: in.ScreenshotURL, FullPage: in.Kind == KindPageshot}}, nil
	case KindMarkdown, KindJSON:
		doc := newDocument(in)
		content, err := toMarkdown(in)
		if err != nil {
			return Result{}, err
		}
		doc.Content = content
		if in.Kind == KindJSON {
			return Result{Kind: in.Kind, JSON: doc}, nil
		}
		return Result{Kind: in.Kind, Markdown: doc}, nil
	case KindHTML:
		doc := newDocument(in)
		doc.Content = in.HTML
		return Result{Kind: in.Kind, HTML: doc}, nil
	case KindText:
		doc := newDocument(in)
		doc.Content = in.Text
		if doc.Content == "" && in.Article != nil {
			doc.Content = in.Article.Text
		}
		return Result{Kind: in.Kind, Text: doc}, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
}

func newDocument(in Input) *Document {
	doc := &Document{
		Title:        in.Title,
		Description:  in.Description,
		URL:          in.URL,
		Links:        map[string]string{},
		Images:       map[string]string{},
		Metadata:     map[string]string{},
		linksSummary: in.LinksSummary,
		imageSummary: in.ImageSummary,
	}
	for k, v := range in.Metadata {
		doc.Metadata[k] = v
	}
	if in.PublishedAt != nil {
		doc.PublishedTime = in.PublishedAt.UTC().Format(time.RFC3339)
	}
	if art := in.Article; art != nil {
		if doc.Title == "" {
			doc.Title = art.Title
		}
		if doc.Description == "" {
			doc.Description = art.Description
		}
		if art.Lang != "" {
			doc.Metadata["lang"] = art.Lang
		}
		for _, l := range art.Links {
			doc.Links[l.URL] = l.Text
		}
		for _, img := range art.Images {
			doc.Images[img.URL] = img.Alt
		}
		doc.linkList = art.Links
		doc.imageList = art.Images
	}
	return doc
}

func toMarkdown(in Input) (string, error) {
	source := in.HTML
	if in.Article != nil && in.Article.ContentHTML != "" {
		source = in.Article.ContentHTML
	}
	if strings.TrimSpace(source) == "" {
		return "", nil
	}
	domain := ""
	if u, err := url.Parse(in.URL); err == nil {
		domain = u.Host
	}
	conv := md.NewConverter(domain, true, nil)
	conv.Use(plugin.GitHubFlavored())
	out, err := conv.ConvertString(source)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return strings.TrimSpace(out), nil
}
