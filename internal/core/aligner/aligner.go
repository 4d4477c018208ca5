package aligner

import (
	"context"

	"golang.org/x/text/unicode/norm"

	"github.com/markdave123-py/docanchor/internal/core"
)

// Tier records which comparison located a match.
type Tier int

const (
	// TierCollapsed compares whitespace-collapsed, case-folded text.
	TierCollapsed Tier = iota + 1
	// TierDirect compares the raw case-folded texts.
	TierDirect
	// TierCompact compares collapsed text with the separators inserted
	// between runs removed, which rejoins words split across runs.
	TierCompact
)

func (t Tier) String() string {
	switch t {
	case TierCollapsed:
		return "collapsed"
	case TierDirect:
		return "direct"
	case TierCompact:
		return "compact"
	default:
		return "none"
	}
}

// MarshalText renders the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Alignment locates a query inside the combined text of one page.
// Start and End are rune offsets into the combined text.
type Alignment struct {
	Start int
	End   int
	// Runs holds the TextRun.Index of every run overlapping the match.
	Runs []int
	Tier Tier
}

var (
	allTiers   = []Tier{TierCollapsed, TierDirect, TierCompact}
	exactTiers = []Tier{TierCollapsed, TierDirect}
)

// Align finds the first occurrence of query among runs.
func Align(runs []core.TextRun, query string) (Alignment, bool) {
	return alignWith(runs, query, allTiers)
}

func alignWith(runs []core.TextRun, query string, tiers []Tier) (Alignment, bool) {
	texts := make([]string, len(runs))
	for i, r := range runs {
		texts[i] = r.Text
	}
	combined, spans, seams := combine(texts)

	start, end, tier, ok := locate(combined, seams, query, tiers)
	if !ok {
		return Alignment{}, false
	}

	var selected []int
	for i, sp := range spans {
		if sp.overlaps(start, end) {
			selected = append(selected, runs[i].Index)
		}
	}
	return Alignment{Start: start, End: end, Runs: selected, Tier: tier}, true
}

// locate returns the match as a half-open range in combined, trying tiers
// in order.
func locate(combined []rune, seams []int, query string, tiers []Tier) (int, int, Tier, bool) {
	q := lower([]rune(NormalizeQuery(query)))
	if len(q) == 0 {
		return 0, 0, 0, false
	}

	for _, tier := range tiers {
		switch tier {
		case TierCollapsed:
			normalized, m := Collapse(combined)
			if at := indexRunes(lower(normalized), q); at >= 0 {
				return m[at], m[at+len(q)-1] + 1, tier, true
			}
		case TierDirect:
			raw := lower([]rune(norm.NFC.String(query)))
			if at := indexRunes(lower(combined), raw); at >= 0 {
				return at, at + len(raw), tier, true
			}
		case TierCompact:
			if len(seams) == 0 {
				continue
			}
			packed, m := compact(combined, seams)
			if at := indexRunes(lower(packed), q); at >= 0 {
				return m[at], m[at+len(q)-1] + 1, tier, true
			}
		}
	}
	return 0, 0, 0, false
}

// MatchResult identifies the located snippet. PageIndex is 0-based; the
// offsets are rune offsets in that page's combined text.
type MatchResult struct {
	PageIndex          int `json:"page_index"`
	OriginalStartIndex int `json:"original_start_index"`
	OriginalEndIndex   int `json:"original_end_index"`
}

// PageMatch is a MatchResult plus the runs to mark.
type PageMatch struct {
	MatchResult
	PageNumber int   `json:"page_number"`
	RunIndices []int `json:"run_indices"`
	Tier       Tier  `json:"tier"`
}

// RunLoader returns the runs of a 1-based page.
type RunLoader func(ctx context.Context, pageNumber int) ([]core.TextRun, error)

// SearchOptions tunes SearchPages.
//
// PageHint: 1-based page to try before the ascending scan (0 = none).
// OnPageError: called for pages whose runs could not be loaded.
type SearchOptions struct {
	PageHint    int
	OnPageError func(pageNumber int, err error)
}

// SearchPages tries pages in ascending order and stops at the first page
// that matches. Every page is first compared on the collapsed and direct
// tiers; the compact tier is tried only when no page matched those. A nil
// result with a nil error means the query was not found. Only ctx
// cancellation is returned as an error; pages whose runs fail to load are
// skipped.
func SearchPages(ctx context.Context, totalPages int, load RunLoader, query string, opts SearchOptions) (*PageMatch, error) {
	if NormalizeQuery(query) == "" || totalPages <= 0 {
		return nil, nil
	}

	order := make([]int, 0, totalPages)
	if opts.PageHint >= 1 && opts.PageHint <= totalPages {
		order = append(order, opts.PageHint)
	}
	for p := 1; p <= totalPages; p++ {
		if p != opts.PageHint {
			order = append(order, p)
		}
	}

	loaded := make(map[int][]core.TextRun, len(order))
	for _, p := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runs, err := load(ctx, p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if opts.OnPageError != nil {
				opts.OnPageError(p, err)
			}
			continue
		}
		if a, ok := alignWith(runs, query, exactTiers); ok {
			return pageMatch(p, a), nil
		}
		loaded[p] = runs
	}

	for _, p := range order {
		runs, ok := loaded[p]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a, ok := alignWith(runs, query, []Tier{TierCompact}); ok {
			return pageMatch(p, a), nil
		}
	}
	return nil, nil
}

func pageMatch(p int, a Alignment) *PageMatch {
	return &PageMatch{
		MatchResult: MatchResult{
			PageIndex:          p - 1,
			OriginalStartIndex: a.Start,
			OriginalEndIndex:   a.End,
		},
		PageNumber: p,
		RunIndices: a.Runs,
		Tier:       a.Tier,
	}
}
