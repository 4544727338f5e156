// Package sourceconfig loads the per-source discovery, scheduling and
// backfill settings from sources.yaml.
package sourceconfig

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
	// Embedded zone database so source timezones resolve on minimal images.
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/news-ingest/internal/ingest"
)

// Backfill method types.
const (
	MethodArchive    = "archive"
	MethodIdentifier = "identifier"
	MethodDate       = "date"
)

// Placeholders substituted into URL patterns.
const (
	PagePlaceholder       = "{page}"
	IdentifierPlaceholder = "{id}"
	DatePlaceholder       = "{date}"
)

const (
	defaultMaxPages          = 40
	defaultMaxEmptyPages     = 3
	defaultMaxConsecutive404 = 50
)

// File is the decoded sources.yaml, keyed by source slug.
type File struct {
	sources map[string]Source
}

// Source is the validated configuration of one outlet. Values are copied out
// of File and never mutated after load.
type Source struct {
	Slug               string     `yaml:"-"`
	Name               string     `yaml:"name"`
	Language           string     `yaml:"language"`
	URL                string     `yaml:"url"`
	Render             bool       `yaml:"render"`
	Timezone           string     `yaml:"timezone"`
	EarliestDate       string     `yaml:"earliest_date"`
	Scheduling         Scheduling `yaml:"scheduling"`
	FeedURL            string     `yaml:"feed_url"`
	ListingURLs        []string   `yaml:"listing_urls"`
	ArticleURLPatterns []string   `yaml:"article_url_patterns"`
	SkipURLPatterns    []string   `yaml:"skip_url_patterns"`
	Sections           []Section  `yaml:"sections"`
	Backfill           []Method   `yaml:"backfill"`
	Selectors          Selectors  `yaml:"selectors"`
	DateMetaTags       []string   `yaml:"date_meta_tags"`

	location  *time.Location
	earliest  time.Time
	articleRE []*regexp.Regexp
	skipRE    []*regexp.Regexp
}

// Scheduling overrides the global politeness defaults. Nil fields inherit.
type Scheduling struct {
	RateLimitMS    *int `yaml:"rate_limit_ms"`
	MaxConcurrency *int `yaml:"max_concurrency"`
	Priority       *int `yaml:"priority"`
}

// Section is one paginated archive listing.
type Section struct {
	Name      string `yaml:"section"`
	Pattern   string `yaml:"pattern"`
	MaxPages  int    `yaml:"max_pages"`
	PageStart *int   `yaml:"page_start"`
	PageStep  int    `yaml:"page_step"`
}

// Start returns the first page value.
func (s Section) Start() int {
	if s.PageStart == nil {
		return 1
	}
	return *s.PageStart
}

// PageURL renders the listing URL for page value n.
func (s Section) PageURL(n int) string {
	return strings.ReplaceAll(s.Pattern, PagePlaceholder, fmt.Sprint(n))
}

// Method is one entry of a source's ordered backfill plan.
type Method struct {
	Type string `yaml:"type"`

	// archive
	MaxEmptyPages int `yaml:"max_empty_pages"`

	// identifier and date
	URLPattern string `yaml:"url_pattern"`

	// identifier
	Start             int64 `yaml:"start"`
	End               int64 `yaml:"end"`
	MaxConsecutive404 int   `yaml:"max_consecutive_404"`

	// date
	DateFormat string `yaml:"date_format"`
	StartDate  string `yaml:"start_date"`
	Days       int    `yaml:"days"`
}

// IdentifierURL renders the URL for identifier id.
func (m Method) IdentifierURL(id int64) string {
	return strings.ReplaceAll(m.URLPattern, IdentifierPlaceholder, fmt.Sprint(id))
}

// DateURL renders the URL for the calendar day d.
func (m Method) DateURL(d time.Time) string {
	return strings.ReplaceAll(m.URLPattern, DatePlaceholder, d.Format(m.DateFormat))
}

// StartTime parses StartDate. Validation guarantees it is well formed.
func (m Method) StartTime(loc *time.Location) time.Time {
	t, err := time.ParseInLocation("2006-01-02", m.StartDate, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Selectors lists CSS selectors tried in order per field.
type Selectors struct {
	Title   []string `yaml:"title"`
	Content []string `yaml:"content"`
	Date    []string `yaml:"date"`
	Author  []string `yaml:"author"`
	Image   []string `yaml:"image"`
}

// DefaultSelectors apply to any field a source leaves empty.
var DefaultSelectors = Selectors{
	Title:   []string{"h1.article-title", "article h1", "h1"},
	Content: []string{"article .entry-content", ".article-body", ".article-content", "article"},
	Date:    []string{"time[datetime]", ".publish-date", ".article-date"},
	Author:  []string{".author-name", ".byline", `[rel="author"]`},
	Image:   []string{".article-image img", "article img"},
}

// DefaultDateMetaTags are the meta names and properties read for dates.
var DefaultDateMetaTags = []string{
	"article:published_time",
	"og:article:published_time",
	"datePublished",
	"publishedTime",
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates sources YAML. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	raw := make(map[string]Source)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode sources file: %w", err)
	}

	f := &File{sources: make(map[string]Source, len(raw))}
	for slug, src := range raw {
		src.Slug = slug
		if err := src.validate(); err != nil {
			return nil, fmt.Errorf("source %q: %w", slug, err)
		}
		f.sources[slug] = src
	}
	return f, nil
}

// Get returns the configuration for slug.
func (f *File) Get(slug string) (Source, bool) {
	if f == nil {
		return Source{}, false
	}
	src, ok := f.sources[slug]
	return src, ok
}

// Slugs returns every configured slug in sorted order.
func (f *File) Slugs() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, len(f.sources))
	for slug := range f.sources {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (s *Source) validate() error {
	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return fmt.Errorf("load timezone: %w", err)
		}
		s.location = loc
	}
	if s.EarliestDate != "" {
		t, err := time.Parse("2006-01-02", s.EarliestDate)
		if err != nil {
			return fmt.Errorf("parse earliest_date: %w", err)
		}
		s.earliest = t
	}
	if v := s.Scheduling.RateLimitMS; v != nil && *v < 0 {
		return fmt.Errorf("scheduling.rate_limit_ms must be >= 0")
	}
	if v := s.Scheduling.MaxConcurrency; v != nil && *v <= 0 {
		return fmt.Errorf("scheduling.max_concurrency must be > 0")
	}

	var err error
	if s.articleRE, err = compileAll(s.ArticleURLPatterns); err != nil {
		return fmt.Errorf("article_url_patterns: %w", err)
	}
	if s.skipRE, err = compileAll(s.SkipURLPatterns); err != nil {
		return fmt.Errorf("skip_url_patterns: %w", err)
	}

	for i := range s.Sections {
		sec := &s.Sections[i]
		if !strings.Contains(sec.Pattern, PagePlaceholder) {
			return fmt.Errorf("section %q: pattern must contain %s", sec.Name, PagePlaceholder)
		}
		if sec.MaxPages < 0 {
			return fmt.Errorf("section %q: max_pages must be >= 0", sec.Name)
		}
		if sec.MaxPages == 0 {
			sec.MaxPages = defaultMaxPages
		}
		if sec.PageStep < 0 {
			return fmt.Errorf("section %q: page_step must be > 0", sec.Name)
		}
		if sec.PageStep == 0 {
			sec.PageStep = 1
		}
	}

	for i := range s.Backfill {
		if err := s.validateMethod(&s.Backfill[i]); err != nil {
			return fmt.Errorf("backfill[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Source) validateMethod(m *Method) error {
	switch m.Type {
	case MethodArchive:
		if len(s.Sections) == 0 {
			return fmt.Errorf("archive backfill requires sections")
		}
		if m.MaxEmptyPages < 0 {
			return fmt.Errorf("max_empty_pages must be > 0")
		}
		if m.MaxEmptyPages == 0 {
			m.MaxEmptyPages = defaultMaxEmptyPages
		}
	case MethodIdentifier:
		if !strings.Contains(m.URLPattern, IdentifierPlaceholder) {
			return fmt.Errorf("url_pattern must contain %s", IdentifierPlaceholder)
		}
		if m.Start < 0 {
			return fmt.Errorf("start must be >= 0")
		}
		if m.End != 0 && m.End < m.Start {
			return fmt.Errorf("end must be >= start")
		}
		if m.MaxConsecutive404 < 0 {
			return fmt.Errorf("max_consecutive_404 must be > 0")
		}
		if m.MaxConsecutive404 == 0 {
			m.MaxConsecutive404 = defaultMaxConsecutive404
		}
	case MethodDate:
		if !strings.Contains(m.URLPattern, DatePlaceholder) {
			return fmt.Errorf("url_pattern must contain %s", DatePlaceholder)
		}
		if m.DateFormat == "" {
			return fmt.Errorf("date_format is required")
		}
		probe := time.Date(2024, time.November, 23, 0, 0, 0, 0, time.UTC)
		if probe.Format(m.DateFormat) == m.DateFormat {
			return fmt.Errorf("date_format %q has no date fields", m.DateFormat)
		}
		if _, err := time.Parse("2006-01-02", m.StartDate); err != nil {
			return fmt.Errorf("start_date: %w", err)
		}
		if m.Days < 0 {
			return fmt.Errorf("days must be >= 0")
		}
	default:
		return fmt.Errorf("unknown backfill type %q", m.Type)
	}
	return nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Location returns the source timezone, or fallback when none is set.
func (s Source) Location(fallback *time.Location) *time.Location {
	if s.location != nil {
		return s.location
	}
	return fallback
}

// Earliest returns the oldest plausible publication date, or zero.
func (s Source) Earliest() time.Time {
	return s.earliest
}

// Schedule merges the source overrides onto def.
func (s Source) Schedule(def ingest.Schedule) ingest.Schedule {
	out := def
	if v := s.Scheduling.RateLimitMS; v != nil {
		out.RateLimit = time.Duration(*v) * time.Millisecond
	}
	if v := s.Scheduling.MaxConcurrency; v != nil {
		out.MaxConcurrency = *v
	}
	if v := s.Scheduling.Priority; v != nil {
		out.Priority = *v
	}
	return out
}

// AllowsURL applies the source's skip patterns and, when any are set, its
// article patterns.
func (s Source) AllowsURL(u string) bool {
	for _, re := range s.skipRE {
		if re.MatchString(u) {
			return false
		}
	}
	if len(s.articleRE) == 0 {
		return true
	}
	for _, re := range s.articleRE {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

// EffectiveSelectors fills empty fields from DefaultSelectors.
func (s Source) EffectiveSelectors() Selectors {
	out := s.Selectors
	pick := func(v, def []string) []string {
		if len(v) == 0 {
			return def
		}
		return v
	}
	out.Title = pick(out.Title, DefaultSelectors.Title)
	out.Content = pick(out.Content, DefaultSelectors.Content)
	out.Date = pick(out.Date, DefaultSelectors.Date)
	out.Author = pick(out.Author, DefaultSelectors.Author)
	out.Image = pick(out.Image, DefaultSelectors.Image)
	return out
}

// EffectiveDateMetaTags returns the configured tags or the defaults.
func (s Source) EffectiveDateMetaTags() []string {
	if len(s.DateMetaTags) == 0 {
		return DefaultDateMetaTags
	}
	return s.DateMetaTags
}

// Methods returns the plan entries whose type matches filter, or all of them
// when filter is empty.
func (s Source) Methods(filter string) []Method {
	if filter == "" {
		return s.Backfill
	}
	var out []Method
	for _, m := range s.Backfill {
		if m.Type == filter {
			out = append(out, m)
		}
	}
	return out
}
