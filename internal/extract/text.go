package extract

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ExcerptLength bounds excerpts, in runes.
const ExcerptLength = 300

// Double-encoded UTF-8 sequences seen on badly configured sites, paired with
// the character they were meant to be.
var mojibake = strings.NewReplacer(
	"Ã¢â‚¬â„¢", "’",
	"Ã¢â‚¬â€”", "—",
	"Ã¢â‚¬Â¦", "…",
	"â€™", "’",
	"â€˜", "‘",
	"â€œ", "“",
	"â€\u009d", "”",
	"â€”", "—",
	"â€“", "–",
	"â€¦", "…",
	"Â ", " ",
)

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	inlineSpace = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	excerptSkip = regexp.MustCompile(`(?i)^(by\s+\p{Lu}|photo\s*:|pic\s*:|image\s*:|courtesy\s*:|(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s*\d)`)
)

func repair(s string) string {
	s = norm.NFC.String(s)
	s = html.UnescapeString(s)
	return mojibake.Replace(s)
}

// CleanText applies NFC normalization, entity unescaping and mojibake repair,
// then collapses all whitespace to single spaces.
func CleanText(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(repair(s), " "))
}

// CleanBlock is CleanText for multi-line content: runs of spaces collapse but
// paragraph breaks survive.
func CleanBlock(s string) string {
	s = strings.ReplaceAll(repair(s), "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(s, "\n\n"))
}

// Excerpt picks the first substantial paragraph of content, skipping
// headings, images, rules, bylines and photo credits, and truncates it to
// ExcerptLength runes on a word boundary.
func Excerpt(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "",
			strings.HasPrefix(line, "#"),
			strings.HasPrefix(line, "!["),
			strings.HasPrefix(line, "---"),
			len([]rune(line)) < 40,
			excerptSkip.MatchString(line):
			continue
		}
		return truncateWords(line, ExcerptLength)
	}
	return truncateWords(CleanText(content), ExcerptLength)
}

func truncateWords(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	cut := limit
	for i := limit; i > limit/2; i-- {
		if unicode.IsSpace(r[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(r[:cut]), unicode.IsSpace)
}
