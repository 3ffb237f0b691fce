package engine

import (
	"context"
	"unicode/utf8"

	"github.com/rcliao/hamstore/internal/abstraction"
)

// charsPerToken is the rough token proxy used for budgets.
const charsPerToken = 4

// ContextQuery tunes Context.
type ContextQuery struct {
	TextQuery
	Budget int // max tokens in the assembled context
}

// ContextItem is one rendered gist included in a context.
type ContextItem struct {
	ID       string  `json:"id" yaml:"id"`
	Distance float64 `json:"distance" yaml:"distance"`
	Keyword  bool    `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	Gist     string  `json:"gist" yaml:"gist"`
}

// ContextResult is the assembled context.
type ContextResult struct {
	Items      []ContextItem `json:"items" yaml:"items"`
	UsedTokens int           `json:"used_tokens" yaml:"used_tokens"`
	Budget     int           `json:"budget" yaml:"budget"`
	Skipped    []string      `json:"skipped,omitempty" yaml:"skipped,omitempty"` // unreadable or over budget
}

// Context queries for text and greedily packs the rendered gists of the hits,
// nearest first, into q.Budget tokens. Gists that do not fit are skipped in
// favour of later, shorter ones. Like Query, it does not count as an access.
func (e *Engine) Context(ctx context.Context, text string, q ContextQuery) (*ContextResult, error) {
	if q.Budget <= 0 {
		q.Budget = 4000
	}
	hits, err := e.QueryText(ctx, text, q.TextQuery)
	if err != nil {
		return nil, err
	}

	res := &ContextResult{Items: []ContextItem{}, Budget: q.Budget}
	limit := q.Budget * charsPerToken
	used := 0
	for _, h := range hits {
		if h.Err != nil || h.Param == nil {
			res.Skipped = append(res.Skipped, h.Meta.ID)
			continue
		}
		gist := abstraction.Render(h.Param)
		n := utf8.RuneCountInString(gist)
		if used+n > limit {
			res.Skipped = append(res.Skipped, h.Meta.ID)
			continue
		}
		used += n
		item := ContextItem{ID: h.Meta.ID, Keyword: h.Keyword, Gist: gist}
		if !h.Keyword {
			item.Distance = h.Distance
		}
		res.Items = append(res.Items, item)
	}
	res.UsedTokens = (used + charsPerToken - 1) / charsPerToken
	return res, nil
}
