package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/engine"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show store, index and lifecycle statistics",
		Run:   runStats,
	})

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed every readable memory with the configured embedder",
		Run:   runReindex,
	}
	reindex.Flags().Bool("reset", false, "Drop index entries first (needed when the embedding dimensions changed)")
	RootCmd.AddCommand(reindex)
}

func runStats(cmd *cobra.Command, args []string) {
	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	stats, err := e.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	printOut(cmd, stats)
}

func runReindex(cmd *cobra.Command, args []string) {
	reset, _ := cmd.Flags().GetBool("reset")

	e, _, _ := openEngine(cmd, engine.OpenOptions{ResetIndex: reset})
	defer e.Close()

	rep, err := e.Reindex(cmd.Context())
	if err != nil {
		exitErr("reindex", err)
	}
	printOut(cmd, rep)
}
