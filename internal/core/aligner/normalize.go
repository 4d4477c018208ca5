package aligner

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	hyphenatedBreak = regexp.MustCompile(`-(?:\r\n|\r|\n)[ \t]*`)
	lineBreak       = regexp.MustCompile(`\r\n|\r|\n`)
	digitHyphen     = regexp.MustCompile(`(\p{Nd})-`)
	whitespaceRun   = regexp.MustCompile(`[\s\p{Z}\x{0085}]+`)
)

// NormalizeQuery repairs extraction artifacts in a reference snippet.
// A line break after a hyphen is dropped, any other line break becomes a
// space, a hyphen right after a digit is removed, and whitespace is
// collapsed and trimmed.
//
//	"vector-\nspace model" -> "vector-space model"
//	"section 3-\n1"        -> "section 31"
func NormalizeQuery(q string) string {
	q = norm.NFC.String(q)
	q = hyphenatedBreak.ReplaceAllString(q, "-")
	q = lineBreak.ReplaceAllString(q, " ")
	q = digitHyphen.ReplaceAllString(q, "$1")
	q = whitespaceRun.ReplaceAllString(q, " ")
	return strings.TrimSpace(q)
}

// Span is a half-open rune range inside the combined page text.
type Span struct {
	Start int
	End   int
}

func (s Span) overlaps(start, end int) bool {
	return s.Start < end && s.End > start && s.Start < s.End
}

// Combine concatenates run texts in order. A single space is inserted
// between two runs unless one side already has whitespace at the seam.
// Empty runs get an empty span and never influence spacing.
func Combine(texts []string) ([]rune, []Span) {
	combined, spans, _ := combine(texts)
	return combined, spans
}

// combine is Combine that also reports the offsets of the inserted spaces.
func combine(texts []string) ([]rune, []Span, []int) {
	combined := make([]rune, 0, 64*len(texts))
	spans := make([]Span, len(texts))
	var seams []int
	for i, t := range texts {
		rs := []rune(norm.NFC.String(t))
		if len(rs) > 0 && len(combined) > 0 &&
			!unicode.IsSpace(combined[len(combined)-1]) && !unicode.IsSpace(rs[0]) {
			seams = append(seams, len(combined))
			combined = append(combined, ' ')
		}
		start := len(combined)
		combined = append(combined, rs...)
		spans[i] = Span{Start: start, End: len(combined)}
	}
	return combined, spans, seams
}

// IndexMap maps a position in a derived string back to the combined text.
type IndexMap []int

// Collapse builds the whitespace-collapsed form of combined. Every
// whitespace run becomes one space mapped to the run's first character;
// a trailing space is dropped with its map entry.
func Collapse(combined []rune) ([]rune, IndexMap) {
	out := make([]rune, 0, len(combined))
	m := make(IndexMap, 0, len(combined))
	inSpace := false
	for i, c := range combined {
		if unicode.IsSpace(c) {
			if !inSpace {
				out = append(out, ' ')
				m = append(m, i)
				inSpace = true
			}
			continue
		}
		inSpace = false
		out = append(out, c)
		m = append(m, i)
	}
	if n := len(out); n > 0 && out[n-1] == ' ' {
		out = out[:n-1]
		m = m[:n-1]
	}
	return out, m
}

// compact drops the separators combine inserted at seams, then collapses
// whitespace. Whitespace that came from the runs themselves is kept.
func compact(combined []rune, seams []int) ([]rune, IndexMap) {
	joined := make([]rune, 0, len(combined))
	jm := make(IndexMap, 0, len(combined))
	next := 0
	for i, c := range combined {
		if next < len(seams) && seams[next] == i {
			next++
			continue
		}
		joined = append(joined, c)
		jm = append(jm, i)
	}
	out, cm := Collapse(joined)
	m := make(IndexMap, len(cm))
	for i, j := range cm {
		m[i] = jm[j]
	}
	return out, m
}

func lower(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, c := range rs {
		out[i] = unicode.ToLower(c)
	}
	return out
}

// indexRunes returns the rune offset of the first needle in hay, or -1.
func indexRunes(hay, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(hay) {
		return -1
	}
	h, n := string(hay), string(needle)
	b := strings.Index(h, n)
	if b < 0 {
		return -1
	}
	return len([]rune(h[:b]))
}
