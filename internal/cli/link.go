package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link <child> <parent>",
		Short: "Record that one memory derives from another",
		Args:  cobra.ExactArgs(2),
		Run:   runLink,
	}

	cmd.Flags().StringP("rel", "r", "", "Relation: derived_from, summarizes, refines, caused_by (default derived_from)")

	RootCmd.AddCommand(cmd)

	RootCmd.AddCommand(&cobra.Command{
		Use:   "lineage <id>",
		Short: "Print the derivation chain from the root down to a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runLineage,
	})

	RootCmd.AddCommand(&cobra.Command{
		Use:   "descendants <id>",
		Short: "List every memory derived from this one",
		Args:  cobra.ExactArgs(1),
		Run:   runDescendants,
	})
}

func runLink(cmd *cobra.Command, args []string) {
	rel, _ := cmd.Flags().GetString("rel")

	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	edge, err := e.Link(cmd.Context(), args[0], args[1], rel)
	if err != nil {
		exitErr("link", err)
	}
	printOut(cmd, edge)
}

func runLineage(cmd *cobra.Command, args []string) {
	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	chain, err := e.Lineage(cmd.Context(), args[0])
	if err != nil {
		exitErr("lineage", err)
	}
	printOut(cmd, chain)
}

func runDescendants(cmd *cobra.Command, args []string) {
	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	ids, err := e.Descendants(cmd.Context(), args[0])
	if err != nil {
		exitErr("descendants", err)
	}
	if ids == nil {
		ids = []string{}
	}
	printOut(cmd, ids)
}
