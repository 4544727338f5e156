package detector

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	article := "<html><body><article><p>" + strings.Repeat("Council approves the budget. ", 20) + "</p></article></body></html>"
	var links strings.Builder
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&links, `<a href="/news/%d">Story %d</a>`, i, i)
	}

	h := NewHeuristic(1000)
	cases := map[string]struct {
		page ingest.Page
		want bool
	}{
		"empty body":        {page: ingest.Page{StatusCode: 200, Body: []byte("  \n")}, want: true},
		"next shell":        {page: ingest.Page{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}, want: true},
		"react root":        {page: ingest.Page{StatusCode: 200, Body: []byte(`<body><div data-reactroot=""></div></body>`)}, want: true},
		"script density":    {page: ingest.Page{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)}, want: true},
		"challenge":         {page: ingest.Page{StatusCode: 200, Body: []byte(`<html><head><title>Just a moment...</title></head></html>`)}, want: true},
		"short plain page":  {page: ingest.Page{StatusCode: 200, Body: []byte(`<html><head><title>News</title></head><body><p>text</p></body></html>`)}, want: false},
		"hydrated article":  {page: ingest.Page{StatusCode: 200, Body: []byte(`<div id="__next">` + article + `</div>`)}, want: false},
		"ssr listing":       {page: ingest.Page{StatusCode: 200, Body: []byte(`<div id="root">` + links.String() + `</div>`)}, want: false},
		"rss feed":          {page: ingest.Page{StatusCode: 200, Body: []byte(`<?xml version="1.0"?><rss><channel><item><link>https://daily.test/a</link></item></channel></rss>`)}, want: false},
		"non-200 ignored":   {page: ingest.Page{StatusCode: 404, Body: []byte("not found")}, want: false},
		"large script page": {page: ingest.Page{StatusCode: 200, Body: []byte("<script>" + strings.Repeat("x", 2000) + "</script>")}, want: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.page))
		})
	}
}

func TestNewHeuristicDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2048, NewHeuristic(0).BodyLengthThreshold)
	require.Equal(t, 2048, NewHeuristic(-5).BodyLengthThreshold)
	require.Equal(t, 512, NewHeuristic(512).BodyLengthThreshold)
}

func TestChallenge(t *testing.T) {
	t.Parallel()

	require.True(t, Challenge([]byte("<title>\n  Just a moment...</title>")))
	require.True(t, Challenge([]byte(`<TITLE lang="en">Attention Required! | Cloudflare</TITLE>`)))
	require.True(t, Challenge([]byte(`<title>Access Denied</title>`)))
	require.False(t, Challenge([]byte("<p>Just a moment</p>")))
	require.False(t, Challenge([]byte("<title>Daily News</title>")))
}
