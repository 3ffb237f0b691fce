package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/engine"
	"github.com/rcliao/hamstore/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memory metadata",
		Long:  "Export the cleartext metadata of every matching package. Payloads stay sealed and are never exported.",
		Run:   runExport,
	}

	cmd.Flags().StringP("source", "s", "", "Filter by source")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags; all must match")
	cmd.Flags().String("since", "", "Created at or after (RFC 3339 or YYYY-MM-DD)")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	source, _ := cmd.Flags().GetString("source")
	tagsStr, _ := cmd.Flags().GetString("tags")
	sinceStr, _ := cmd.Flags().GetString("since")

	since, err := parseTime(sinceStr)
	if err != nil {
		exitErr("export", fmt.Errorf("--since: %w", err))
	}

	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	metas, err := e.Export(cmd.Context(), store.ExportParams{
		Source: source,
		Tags:   splitList(tagsStr),
		Since:  since,
	})
	if err != nil {
		exitErr("export", err)
	}
	printOut(cmd, metas)
}
