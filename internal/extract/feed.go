package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

var imgSrc = regexp.MustCompile(`(?i)src=['"](https?://[^'"]+)['"]`)

// FeedItem is one entry of an RSS or Atom feed.
type FeedItem struct {
	URL       string
	Title     string
	Published string
	Image     string
}

// Feed parses an RSS or Atom document. Entries without a link are dropped.
// Published keeps the raw feed value so the date resolver can apply source
// timezones; when only a parsed time is available it is rendered as RFC 3339.
func Feed(body []byte) ([]FeedItem, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	items := make([]FeedItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		link := strings.TrimSpace(it.Link)
		if link == "" {
			link = strings.TrimSpace(it.GUID)
		}
		if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
			continue
		}
		items = append(items, FeedItem{
			URL:       link,
			Title:     CleanText(it.Title),
			Published: feedDate(it),
			Image:     feedImage(it),
		})
	}
	return items, nil
}

func feedDate(it *gofeed.Item) string {
	switch {
	case it.Published != "":
		return it.Published
	case it.Updated != "":
		return it.Updated
	case it.PublishedParsed != nil:
		return it.PublishedParsed.Format(time.RFC3339)
	case it.UpdatedParsed != nil:
		return it.UpdatedParsed.Format(time.RFC3339)
	}
	return ""
}

func feedImage(it *gofeed.Item) string {
	if it.Image != nil && it.Image.URL != "" {
		return it.Image.URL
	}
	for _, enc := range it.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	for _, html := range []string{it.Description, it.Content} {
		if m := imgSrc.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	return ""
}
