// Package abuse spots bot walls and turns repeated trouble with a host into a
// domain blockade.
package abuse

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/llm-reader/internal/crawler"
)

// DetectorConfig tunes the bot-wall heuristics. Zero values use defaults.
type DetectorConfig struct {
	// TinyBodyBytes is the text size under which a 403/429/503 counts as a wall.
	TinyBodyBytes int
	Selectors     []string
	TitleMarkers  []string
}

var defaultSelectors = []string{
	"#challenge-form",
	"#challenge-running",
	"#cf-challenge-running",
	".g-recaptcha",
	".h-captcha",
	"#px-captcha",
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"iframe[src*='captcha-delivery.com']",
}

var defaultTitleMarkers = []string{
	"just a moment",
	"attention required",
	"access denied",
	"are you a robot",
	"verify you are human",
	"captcha",
	"pardon our interruption",
}

// Detector flags snapshots that look like anti-bot interstitials.
type Detector struct {
	tinyBody  int
	selectors string
	markers   []string
}

// NewDetector builds a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.TinyBodyBytes <= 0 {
		cfg.TinyBodyBytes = 2048
	}
	if len(cfg.Selectors) == 0 {
		cfg.Selectors = defaultSelectors
	}
	if len(cfg.TitleMarkers) == 0 {
		cfg.TitleMarkers = defaultTitleMarkers
	}
	markers := make([]string, 0, len(cfg.TitleMarkers))
	for _, m := range cfg.TitleMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	return &Detector{
		tinyBody:  cfg.TinyBodyBytes,
		selectors: strings.Join(cfg.Selectors, ","),
		markers:   markers,
	}
}

// Inspect returns why snap looks like a bot wall, or "".
func (d *Detector) Inspect(snap crawler.Snapshot) string {
	if d == nil {
		return ""
	}
	title := strings.ToLower(snap.Title)
	for _, marker := range d.markers {
		if strings.Contains(title, marker) {
			return fmt.Sprintf("challenge title %q", snap.Title)
		}
	}
	if snap.HTML == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return ""
	}
	if found := doc.Find(d.selectors).First(); found.Length() > 0 {
		return fmt.Sprintf("challenge element <%s>", goquery.NodeName(found))
	}
	switch snap.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if text := strings.TrimSpace(doc.Find("body").Text()); len(text) < d.tinyBody {
			return fmt.Sprintf("status %d with %d byte body", snap.StatusCode, len(text))
		}
	}
	return ""
}
