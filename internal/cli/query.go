package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/engine"
	"github.com/rcliao/hamstore/internal/model"
)

// hitView is the printable form of an engine.Hit. Keyword hits carry no
// distance, and failures are reported by outcome instead of dropped.
type hitView struct {
	ID        string    `json:"id" yaml:"id"`
	Distance  *float64  `json:"distance,omitempty" yaml:"distance,omitempty"`
	Keyword   bool      `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	Summary   string    `json:"summary,omitempty" yaml:"summary,omitempty"`
	Keywords  []string  `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

func viewHits(hits []engine.Hit, withDistance bool) []hitView {
	out := make([]hitView, 0, len(hits))
	for _, h := range hits {
		v := hitView{
			ID:        h.Meta.ID,
			Keyword:   h.Keyword,
			Tags:      h.Meta.Tags,
			Source:    h.Meta.Source,
			CreatedAt: h.Meta.CreatedAt,
			Outcome:   model.Classify(h.Err).String(),
		}
		if withDistance && !h.Keyword {
			d := h.Distance
			v.Distance = &d
		}
		if h.Param != nil {
			v.Summary = h.Param.Gist.Summary
			v.Keywords = h.Param.Gist.Keywords
		}
		if h.Err != nil {
			v.Error = h.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

func init() {
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Find memories semantically close to text",
		Long: "Embed the text and return the nearest packages. When too few are close enough, " +
			"packages whose tags or source match the words fill the remaining slots.",
		Args: cobra.MinimumNArgs(1),
		Run:  runQuery,
	}

	cmd.Flags().IntP("limit", "k", 10, "Max results")
	cmd.Flags().Float64("max-distance", 0, "Drop semantic hits farther than this (0 keeps all)")

	RootCmd.AddCommand(cmd)

	rangeCmd := &cobra.Command{
		Use:   "range",
		Short: "List memories by time window, source and tags",
		Run:   runRange,
	}

	rangeCmd.Flags().String("from", "", "Created at or after (RFC 3339 or YYYY-MM-DD)")
	rangeCmd.Flags().String("to", "", "Created before (RFC 3339 or YYYY-MM-DD)")
	rangeCmd.Flags().StringP("source", "s", "", "Filter by source")
	rangeCmd.Flags().StringP("tags", "t", "", "Comma-separated tags; all must match")
	rangeCmd.Flags().IntP("limit", "l", 0, "Max results (0 means all)")

	RootCmd.AddCommand(rangeCmd)
}

func runQuery(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	maxDist, _ := cmd.Flags().GetFloat64("max-distance")

	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	hits, err := e.QueryText(cmd.Context(), strings.Join(args, " "), engine.TextQuery{K: limit, MaxDistance: maxDist})
	if err != nil {
		exitErr("query", err)
	}
	printOut(cmd, viewHits(hits, true))
}

func runRange(cmd *cobra.Command, args []string) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	source, _ := cmd.Flags().GetString("source")
	tagsStr, _ := cmd.Flags().GetString("tags")
	limit, _ := cmd.Flags().GetInt("limit")

	from, err := parseTime(fromStr)
	if err != nil {
		exitErr("range", fmt.Errorf("--from: %w", err))
	}
	to, err := parseTime(toStr)
	if err != nil {
		exitErr("range", fmt.Errorf("--to: %w", err))
	}

	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	hits, err := e.QueryRange(cmd.Context(), engine.RangeQuery{
		From:   from,
		To:     to,
		Source: source,
		Tags:   splitList(tagsStr),
		Limit:  limit,
	})
	if err != nil {
		exitErr("range", err)
	}
	printOut(cmd, viewHits(hits, false))
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
