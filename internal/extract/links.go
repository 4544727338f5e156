package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/sourceconfig"
)

// Anchor text bounds, in runes, for a link to count as an article.
const (
	minAnchorText = 10
	maxAnchorText = 300
)

var (
	skipURL  = regexp.MustCompile(`(?i)(\.(jpe?g|png|gif|svg|webp|pdf)$|/feed/?$|/print/?$|/wp-content/uploads/|/(category|tag|author|page|login)/)`)
	skipText = regexp.MustCompile(`(?i)^(more|comments|read more|\(\d+\))`)
)

// Link is an article URL discovered on a listing page.
type Link struct {
	URL   string
	Title string
}

// SkipURL reports whether u matches the global skip list.
func SkipURL(u string) bool {
	return skipURL.MatchString(u)
}

// Links collects article links from a listing page. Only same-host links
// with plausible anchor text are kept, fragments are stripped and relative
// references resolved against the page URL.
func Links(page ingest.Page, src sourceconfig.Source) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base := pageBase(page)
	if base == nil {
		return nil, fmt.Errorf("parse page url %q", page.URL)
	}
	host := bareHost(base.Hostname())

	seen := make(map[string]bool)
	var out []Link
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs := resolve(base, href)
		if abs == "" || seen[abs] {
			return
		}
		u, err := url.Parse(abs)
		if err != nil || bareHost(u.Hostname()) != host {
			return
		}
		text := CleanText(a.Text())
		if n := utf8.RuneCountInString(text); n < minAnchorText || n > maxAnchorText {
			return
		}
		if skipText.MatchString(text) || SkipURL(abs) || !src.AllowsURL(abs) {
			return
		}
		if strings.TrimRight(abs, "/") == strings.TrimRight(base.String(), "/") {
			return
		}
		seen[abs] = true
		out = append(out, Link{URL: abs, Title: text})
	})
	return out, nil
}

func bareHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}
