// Package detector inspects static fetches for article pages that only
// render their text in a browser.
package detector

import (
	"bytes"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

const (
	defaultThreshold = 2048
	// A page with this many links is a server-rendered listing.
	listingLinks = 20
	// Script share of the document, in percent, that marks a shell page.
	scriptSharePercent = 25
)

// Heuristic promotes pages whose static HTML has no readable article text
// but looks like a client-rendered application.
type Heuristic struct {
	// BodyLengthThreshold bounds both the paragraph text that counts as real
	// content (a quarter of it) and the size below which script-heavy
	// documents are promoted.
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold means 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var shellSelectors = strings.Join([]string{
	"#__next",
	"#__nuxt",
	"#root",
	"#app",
	"[data-reactroot]",
	"[ng-version]",
}, ", ")

// ShouldPromote decides whether a static page should be refetched headless.
// Challenge pages are promoted too; a browser can often clear them.
func (h *Heuristic) ShouldPromote(page ingest.Page) bool {
	if page.StatusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return true
	}
	if Challenge(page.Body) {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return false
	}
	if paragraphText(doc) >= h.BodyLengthThreshold/4 || doc.Find("a[href]").Length() >= listingLinks {
		return false
	}
	if doc.Find(shellSelectors).Length() > 0 {
		return true
	}
	return len(page.Body) < h.BodyLengthThreshold && scriptShare(doc, len(page.Body)) >= scriptSharePercent
}

func paragraphText(doc *goquery.Document) int {
	n := 0
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		n += len(strings.TrimSpace(s.Text()))
	})
	return n
}

// scriptShare estimates the percentage of the raw document taken by inline
// scripts, counting each tag's markup as well as its body.
func scriptShare(doc *goquery.Document, total int) int {
	if total == 0 {
		return 0
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err == nil {
			covered += len(html)
		}
	})
	if covered > total {
		covered = total
	}
	return covered * 100 / total
}

var (
	titleTag        = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	challengeTitles = []string{"just a moment", "attention required", "access denied", "checking your browser"}
)

// Challenge reports whether the document is a bot-protection interstitial
// rather than the requested page.
func Challenge(body []byte) bool {
	m := titleTag.FindSubmatch(body)
	if m == nil {
		return false
	}
	title := strings.ToLower(strings.TrimSpace(string(m[1])))
	for _, c := range challengeTitles {
		if strings.HasPrefix(title, c) {
			return true
		}
	}
	return false
}
