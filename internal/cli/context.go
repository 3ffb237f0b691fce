package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble relevant gists for a task",
		Long:  "Query for the description, then greedily pack the rendered gists of the hits into a token budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().IntP("budget", "b", 4000, "Max tokens in output")
	cmd.Flags().IntP("limit", "k", 20, "Max candidates considered")
	cmd.Flags().Float64("max-distance", 0, "Drop semantic hits farther than this (0 keeps all)")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	budget, _ := cmd.Flags().GetInt("budget")
	limit, _ := cmd.Flags().GetInt("limit")
	maxDist, _ := cmd.Flags().GetFloat64("max-distance")

	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	result, err := e.Context(cmd.Context(), strings.Join(args, " "), engine.ContextQuery{
		TextQuery: engine.TextQuery{K: limit, MaxDistance: maxDist},
		Budget:    budget,
	})
	if err != nil {
		exitErr("context", err)
	}
	printOut(cmd, result)
}
