package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/engine"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Open a memory package",
		Long:  "Open a package and print its deep parameter. Reading counts as an access and refreshes its importance.",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().BoolP("gist", "g", false, "Print a readable gist instead of the full package")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	gist, _ := cmd.Flags().GetBool("gist")

	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	if gist {
		text, err := e.RecallGist(cmd.Context(), args[0])
		if err != nil {
			exitErr("get", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return
	}

	r, err := e.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	printOut(cmd, r)
}
