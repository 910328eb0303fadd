// Package extract pulls the readable part of an HTML document together with
// its links, images and publication metadata.
package extract

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Link is an anchor found in the readable content.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Image is an img element found in the readable content.
type Image struct {
	Alt string `json:"alt"`
	URL string `json:"url"`
}

// Article is the readable projection of a page.
type Article struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ContentHTML string     `json:"contentHtml"`
	Text        string     `json:"text"`
	Links       []Link     `json:"links,omitempty"`
	Images      []Image    `json:"images,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	Lang        string     `json:"lang,omitempty"`
}

// Options narrows what Parse keeps.
type Options struct {
	// TargetSelector restricts content to the first selector that matches.
	TargetSelector []string
	// RemoveSelector drops matching elements before extraction.
	RemoveSelector []string
}

var noiseSelector = "script,style,noscript,iframe,svg,template,link[rel='stylesheet']"

var contentCandidates = []string{"article", "main", "[role=main]", "body"}

var publishedMeta = []string{
	"meta[property='article:published_time']",
	"meta[name='article:published_time']",
	"meta[itemprop='datePublished']",
	"meta[name='pubdate']",
	"meta[name='date']",
	"meta[name='dc.date']",
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Parse extracts an Article from rawHTML. baseURL absolutizes links and images.
func Parse(rawHTML, baseURL string, opts Options) (*Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(baseURL)

	art := &Article{
		Title:       documentTitle(doc),
		Description: metaContent(doc, "meta[name='description']", "meta[property='og:description']"),
		PublishedAt: publishedAt(doc),
	}
	art.Lang, _ = doc.Find("html").Attr("lang")

	doc.Find(noiseSelector).Remove()
	for _, sel := range opts.RemoveSelector {
		if sel = strings.TrimSpace(sel); sel != "" {
			doc.Find(sel).Remove()
		}
	}

	content := pickContent(doc, opts.TargetSelector)
	if content.Length() == 0 {
		return art, nil
	}

	art.ContentHTML, err = goquery.OuterHtml(content)
	if err != nil {
		return nil, fmt.Errorf("serialise content: %w", err)
	}
	art.Text = collapseWhitespace(content.Text())
	art.Links = collectLinks(content, base)
	art.Images = collectImages(content, base)
	return art, nil
}

func documentTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("head title").First().Text()); title != "" {
		return title
	}
	if title := metaContent(doc, "meta[property='og:title']"); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func publishedAt(doc *goquery.Document) *time.Time {
	raw := metaContent(doc, publishedMeta...)
	if raw == "" {
		raw, _ = doc.Find("time[datetime]").First().Attr("datetime")
	}
	return ParseTime(raw)
}

// ParseTime accepts the timestamp layouts commonly found in page metadata.
func ParseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

func pickContent(doc *goquery.Document, targets []string) *goquery.Selection {
	for _, sel := range targets {
		if sel = strings.TrimSpace(sel); sel == "" {
			continue
		}
		if found := doc.Find(sel); found.Length() > 0 {
			return found.First()
		}
	}
	if len(targets) > 0 {
		return doc.Find("body").First()
	}
	for _, sel := range contentCandidates {
		if found := doc.Find(sel); found.Length() > 0 {
			return found.First()
		}
	}
	return doc.Selection
}

func collectLinks(content *goquery.Selection, base *url.URL) []Link {
	var links []Link
	seen := make(map[string]struct{})
	content.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, Link{Text: collapseWhitespace(s.Text()), URL: abs})
	})
	return links
}

func collectImages(content *goquery.Selection, base *url.URL) []Image {
	var images []Image
	seen := make(map[string]struct{})
	content.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok || strings.HasPrefix(src, "data:") {
			src, _ = s.Attr("data-src")
		}
		abs := resolve(base, src)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		alt, _ := s.Attr("alt")
		images = append(images, Image{Alt: strings.TrimSpace(alt), URL: abs})
	})
	return images
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	switch parsed.Scheme {
	case "http", "https":
		return parsed.String()
	default:
		return ""
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
