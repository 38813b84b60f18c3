// Package safety screens generated speech against a configured
// blacklist. Terms and text are compared in a normalized form (NFKC,
// lowercase, whitespace removed) so that "Ab C" matches "a b c" and
// full-width variants match their ASCII forms. Streaming callers carry
// a bounded tail between chunks, which catches a term split across two
// chunks.
package safety

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/nugget/docent/internal/config"
)

// Defaults for the term cap and sliding-window bounds.
const (
	DefaultMaxTerms  = 200
	DefaultWindowMin = 200
	DefaultWindowMax = 2000

	// windowFactor scales the longest term into the window size.
	windowFactor = 4
)

type term struct {
	orig string
	norm string
}

// Filter is an immutable blacklist matcher, safe for concurrent use.
// A nil *Filter matches nothing.
type Filter struct {
	terms  []term
	window int
}

// Option configures New.
type Option func(*options)

type options struct {
	maxTerms  int
	windowMin int
	windowMax int
}

// WithMaxTerms caps the number of distinct terms kept.
func WithMaxTerms(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTerms = n
		}
	}
}

// WithWindowBounds clamps the streaming window size.
func WithWindowBounds(lo, hi int) Option {
	return func(o *options) {
		if lo > 0 && hi >= lo {
			o.windowMin, o.windowMax = lo, hi
		}
	}
}

// New builds a Filter from raw entries. Each entry may hold several
// terms separated by , ， ; ； | 、 or line breaks.
func New(entries []string, opts ...Option) *Filter {
	o := options{
		maxTerms:  DefaultMaxTerms,
		windowMin: DefaultWindowMin,
		windowMax: DefaultWindowMax,
	}
	for _, fn := range opts {
		fn(&o)
	}

	seen := make(map[string]bool)
	var terms []term
	for _, entry := range entries {
		for _, raw := range splitTerms(entry) {
			n := Normalize(raw)
			if n == "" || seen[n] {
				continue
			}
			if len(terms) == o.maxTerms {
				break
			}
			seen[n] = true
			terms = append(terms, term{orig: raw, norm: n})
		}
	}

	slices.SortStableFunc(terms, func(a, b term) int {
		return utf8.RuneCountInString(b.norm) - utf8.RuneCountInString(a.norm)
	})

	longest := 0
	if len(terms) > 0 {
		longest = utf8.RuneCountInString(terms[0].norm)
	}
	return &Filter{
		terms:  terms,
		window: min(max(longest*windowFactor, o.windowMin), o.windowMax),
	}
}

// FromConfig builds a Filter from safety.blacklist, falling back to the
// legacy sensitive_words and blacklist keys.
func FromConfig(cfg *config.Config) *Filter {
	if cfg == nil {
		return New(nil)
	}
	return New(cfg.BlacklistTerms(),
		WithMaxTerms(cfg.Safety.MaxTerms),
		WithWindowBounds(cfg.Safety.WindowMin, cfg.Safety.WindowMax),
	)
}

// Len returns the number of distinct terms.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.terms)
}

// Window returns the streaming tail size in runes.
func (f *Filter) Window() int {
	if f == nil {
		return DefaultWindowMin
	}
	return f.window
}

// MatchText returns the first term, longest first, that occurs in text.
// The term is returned as configured, not normalized.
func (f *Filter) MatchText(text string) (string, bool) {
	if f.Len() == 0 {
		return "", false
	}
	return f.scan(Normalize(text))
}

// UpdateStreamTailAndMatch appends the normalized newText to the
// caller's tail, keeps only the last Window runes, and scans the
// result. The returned tail is passed to the next call for the same
// stream.
func (f *Filter) UpdateStreamTailAndMatch(tail, newText string) (matched string, ok bool, newTail string) {
	if f.Len() == 0 {
		return "", false, ""
	}
	buf := tail + Normalize(newText)
	if n := utf8.RuneCountInString(buf); n > f.window {
		buf = string([]rune(buf)[n-f.window:])
	}
	matched, ok = f.scan(buf)
	return matched, ok, buf
}

func (f *Filter) scan(normText string) (string, bool) {
	if normText == "" {
		return "", false
	}
	for _, t := range f.terms {
		if strings.Contains(normText, t.norm) {
			return t.orig, true
		}
	}
	return "", false
}

// Normalize applies NFKC, lowercases and removes all whitespace.
func Normalize(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func splitTerms(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', '，', ';', '；', '|', '、', '\n', '\r', '\t':
			return true
		}
		return false
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
