// Package extract turns fetched HTML and feeds into article candidates and
// discovery links.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/news-ingest/internal/ingest"
	"github.com/JakeFAU/news-ingest/internal/sourceconfig"
)

// ErrNoContent marks a page where no configured content selector matched.
var ErrNoContent = errors.New("no article content found")

// Elements dropped before content and body text are read.
const noise = "script, style, noscript, nav, header, footer, aside, form, iframe, .adsbygoogle, .google-auto-placed"

// Extractor reads article pages.
type Extractor struct {
	converter *md.Converter
}

// New builds an Extractor.
func New() *Extractor {
	return &Extractor{converter: md.NewConverter("", true, nil)}
}

// Article extracts a candidate from a fetched article page. Hints carried on
// item (feed title, feed date, feed image) fill gaps the page leaves.
func (e *Extractor) Article(page ingest.Page, src sourceconfig.Source, item ingest.WorkItem) (ingest.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return ingest.Candidate{}, fmt.Errorf("parse html: %w", err)
	}
	base := pageBase(page)
	sel := src.EffectiveSelectors()

	cand := ingest.Candidate{
		Source:   item.Source,
		URL:      page.URL,
		FinalURL: page.FinalURL,
		Raw:      page.Body,
	}
	if cand.URL == "" {
		cand.URL = item.Target
	}

	cand.Title = CleanText(firstText(doc, sel.Title))
	if cand.Title == "" {
		cand.Title = CleanText(metaContent(doc, "og:title", "twitter:title"))
	}
	if cand.Title == "" {
		cand.Title = CleanText(doc.Find("title").First().Text())
	}
	if cand.Title == "" {
		cand.Title = CleanText(item.TitleHint)
	}

	// Date signals are read before noise removal; many sites keep the
	// timestamp in the header.
	cand.Signals = signals(doc, src, sel, cand.CanonicalURL(), item)

	doc.Find(noise).Remove()
	node := firstMatch(doc, sel.Content)
	if node == nil {
		return cand, ErrNoContent
	}
	cand.Content = CleanBlock(e.converter.Convert(node))
	if cand.Content == "" {
		return cand, ErrNoContent
	}
	cand.Excerpt = Excerpt(cand.Content)

	cand.Author = CleanText(firstText(doc, sel.Author))
	if cand.Author == "" {
		cand.Author = CleanText(metaContent(doc, "author", "article:author"))
	}
	cand.ImageURL = firstImage(doc, sel.Image, base)
	if cand.ImageURL == "" {
		cand.ImageURL = resolve(base, metaContent(doc, "og:image", "twitter:image"))
	}
	if cand.ImageURL == "" {
		cand.ImageURL = item.FeedImage
	}
	return cand, nil
}

// Signals returns the raw date hints for a page without full extraction.
func Signals(page ingest.Page, src sourceconfig.Source, item ingest.WorkItem) (ingest.DateSignals, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return ingest.DateSignals{}, fmt.Errorf("parse html: %w", err)
	}
	u := page.FinalURL
	if u == "" {
		u = page.URL
	}
	return signals(doc, src, src.EffectiveSelectors(), u, item), nil
}

func signals(doc *goquery.Document, src sourceconfig.Source, sel sourceconfig.Selectors, pageURL string, item ingest.WorkItem) ingest.DateSignals {
	out := ingest.DateSignals{
		Meta: metaContent(doc, src.EffectiveDateMetaTags()...),
		URL:  pageURL,
		Feed: item.FeedDate,
	}
	if v, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		out.TimeAttr = strings.TrimSpace(v)
	}
	for _, css := range sel.Date {
		s := doc.Find(css).First()
		if s.Length() == 0 {
			continue
		}
		if v, ok := s.Attr("datetime"); ok && strings.TrimSpace(v) != "" {
			out.NearText = strings.TrimSpace(v)
			break
		}
		if v, ok := s.Attr("content"); ok && strings.TrimSpace(v) != "" {
			out.NearText = strings.TrimSpace(v)
			break
		}
		if t := CleanText(s.Text()); t != "" {
			out.NearText = t
			break
		}
	}

	body := doc.Find("article, main").First()
	if body.Length() == 0 {
		body = doc.Find("body")
	}
	body = body.Clone()
	body.Find(noise).Remove()
	out.Body = CleanText(body.Text())
	return out
}

// metaContent returns the first non-empty content of a meta tag whose name,
// property or itemprop matches one of keys, in key order.
func metaContent(doc *goquery.Document, keys ...string) string {
	for _, key := range keys {
		for _, attr := range []string{"property", "name", "itemprop"} {
			css := fmt.Sprintf(`meta[%s=%q]`, attr, key)
			if v, ok := doc.Find(css).First().Attr("content"); ok {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

func firstMatch(doc *goquery.Document, selectors []string) *goquery.Selection {
	for _, css := range selectors {
		s := doc.Find(css).First()
		if s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			return s
		}
	}
	return nil
}

func firstText(doc *goquery.Document, selectors []string) string {
	var found string
	for _, css := range selectors {
		doc.Find(css).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found = strings.TrimSpace(s.Text())
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func firstImage(doc *goquery.Document, selectors []string, base *url.URL) string {
	for _, css := range selectors {
		s := doc.Find(css).First()
		for _, attr := range []string{"src", "data-src", "content"} {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return resolve(base, v)
			}
		}
	}
	return ""
}

func pageBase(page ingest.Page) *url.URL {
	raw := page.FinalURL
	if raw == "" {
		raw = page.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		r = base.ResolveReference(r)
	}
	if r.Scheme != "http" && r.Scheme != "https" {
		return ""
	}
	r.Fragment = ""
	return r.String()
}
