package dates

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// structuredLayouts are tried in order against machine-readable values.
var structuredLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 02 Jan 2006 15:04 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
}

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

const monthAlt = `january|february|march|april|may|june|july|august|september|october|november|december|` +
	`jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec`

const clock12 = `(?:\s*(?:at|,|-|\|)?\s*(\d{1,2}):(\d{2})(?::\d{2})?\s*([ap]\.?m\.?)?)?`

// textPattern extracts a date from free text. Group indexes point at the
// year, month (number or name), day and optional hour, minute and meridiem.
type textPattern struct {
	re                   *regexp.Regexp
	year, month, day     int
	hour, minute, suffix int
}

// textPatterns are tried in order; the earliest listed match wins.
var textPatterns = []textPattern{
	// January 2, 2006 3:04 pm
	{re: regexp.MustCompile(`(?i)\b(` + monthAlt + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})` + clock12),
		month: 1, day: 2, year: 3, hour: 4, minute: 5, suffix: 6},
	// 2006-01-02, 2006.01.02, 2006/01/02
	{re: regexp.MustCompile(`\b(\d{4})[-./](\d{1,2})[-./](\d{1,2})(?:[T\s]+(\d{1,2}):(\d{2}))?`),
		year: 1, month: 2, day: 3, hour: 4, minute: 5},
	// 2 January 2006 3:04 pm, 2 Jan 2006
	{re: regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(` + monthAlt + `)\.?,?\s+(\d{4})` + clock12),
		day: 1, month: 2, year: 3, hour: 4, minute: 5, suffix: 6},
	// 02/01/2006
	{re: regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`),
		day: 1, month: 2, year: 3},
}

var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/(\d{4})/(\d{1,2})/(\d{1,2})(?:/|$|[^\d])`),
	regexp.MustCompile(`/(\d{4})-(\d{2})-(\d{2})(?:[/_-]|$|\.)`),
	regexp.MustCompile(`(?:^|[/_-])(\d{4})(\d{2})(\d{2})(?:[/_.-]|$)`),
}

// parseStructured reads machine-readable timestamps, falling back to the text
// patterns for values that are not in a known layout.
func parseStructured(raw string, loc *time.Location) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range structuredLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 9 && len(s) <= 13 {
		if len(s) > 10 {
			return time.UnixMilli(unix).In(loc), true
		}
		return time.Unix(unix, 0).In(loc), true
	}
	return parseText(s, loc)
}

// parseText finds the first recognizable date in free text.
func parseText(raw string, loc *time.Location) (time.Time, bool) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, false
	}
	for _, p := range textPatterns {
		for _, m := range p.re.FindAllStringSubmatch(raw, 4) {
			if t, ok := p.build(m, loc); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func (p textPattern) build(m []string, loc *time.Location) (time.Time, bool) {
	year, err := strconv.Atoi(m[p.year])
	if err != nil {
		return time.Time{}, false
	}
	month, ok := monthOf(m[p.month])
	if !ok {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(m[p.day])
	if err != nil {
		return time.Time{}, false
	}
	hour, minute := 0, 0
	if p.hour > 0 && m[p.hour] != "" {
		hour, _ = strconv.Atoi(m[p.hour])
		minute, _ = strconv.Atoi(m[p.minute])
		if p.suffix > 0 {
			hour = to24(hour, m[p.suffix])
		}
	}
	return civil(year, month, day, hour, minute, loc)
}

func monthOf(s string) (time.Month, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > 12 {
			return 0, false
		}
		return time.Month(n), true
	}
	m, ok := months[strings.ToLower(strings.TrimSuffix(s, "."))]
	return m, ok
}

func to24(hour int, suffix string) int {
	suffix = strings.ToLower(strings.ReplaceAll(suffix, ".", ""))
	switch {
	case suffix == "pm" && hour < 12:
		return hour + 12
	case suffix == "am" && hour == 12:
		return 0
	}
	return hour
}

// civil builds a wall-clock time and rejects values time.Date would normalize,
// such as February 30.
func civil(year int, month time.Month, day, hour, minute int, loc *time.Location) (time.Time, bool) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Year() != year || t.Month() != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// parseURL reads a date token embedded in a URL path.
func parseURL(raw string, loc *time.Location) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	path := raw
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
		if j := strings.IndexByte(path, '/'); j >= 0 {
			path = path[j:]
		} else {
			return time.Time{}, false
		}
	}
	for _, re := range urlPatterns {
		m := re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if month < 1 || month > 12 {
			continue
		}
		if t, ok := civil(year, time.Month(month), day, 0, 0, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}
