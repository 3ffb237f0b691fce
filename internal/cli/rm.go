package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/engine"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete memories",
		Long:  "Delete packages with their index entries. Memories derived from them become roots. Deleting a missing ID is not an error.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRm,
	})

	protect := &cobra.Command{
		Use:   "protect <id>",
		Short: "Exempt a memory from eviction",
		Args:  cobra.ExactArgs(1),
		Run:   runProtect,
	}
	protect.Flags().Bool("off", false, "Clear the flag instead")

	RootCmd.AddCommand(protect)
}

func runRm(cmd *cobra.Command, args []string) {
	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	for _, id := range args {
		if err := e.Delete(cmd.Context(), id); err != nil {
			exitErr("rm", err)
		}
	}
	printOut(cmd, map[string]any{"ok": true, "deleted": args})
}

func runProtect(cmd *cobra.Command, args []string) {
	off, _ := cmd.Flags().GetBool("off")

	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	if err := e.Protect(cmd.Context(), args[0], !off); err != nil {
		exitErr("protect", err)
	}
	printOut(cmd, map[string]any{"ok": true, "id": args[0], "protected": !off})
}
