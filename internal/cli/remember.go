package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/abstraction"
	"github.com/rcliao/hamstore/internal/engine"
	"github.com/rcliao/hamstore/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "remember [text]",
		Short: "Abstract and store a memory",
		Long: "Abstract a record into a gist package and store it. Text can be a positional arg or piped via stdin; " +
			"use --json for a structured record or --file for a binary one.",
		Run: runRemember,
	}

	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("source", "cli", "Where the record came from")
	cmd.Flags().Float64("hint", 0, "Retention hint in [0,1]")
	cmd.Flags().Bool("protect", false, "Exempt from eviction")
	cmd.Flags().String("json", "", "Structured record as a JSON object")
	cmd.Flags().String("file", "", "Binary record read from this file")
	cmd.Flags().String("media-type", "", "Media type of --file (default: sniffed)")
	cmd.Flags().StringToString("attach", nil, "Extra modality references, name=ref")
	cmd.Flags().String("id", "", "Package ID to use instead of a generated one")
	cmd.Flags().String("parent", "", "Package this memory derives from")
	cmd.Flags().String("rel", "", "Relation to --parent: derived_from, summarizes, refines, caused_by")
	cmd.Flags().StringToString("field", nil, "Extra metadata fields, key=value")

	RootCmd.AddCommand(cmd)
}

func runRemember(cmd *cobra.Command, args []string) {
	tagsStr, _ := cmd.Flags().GetString("tags")
	source, _ := cmd.Flags().GetString("source")
	hint, _ := cmd.Flags().GetFloat64("hint")
	protect, _ := cmd.Flags().GetBool("protect")
	jsonStr, _ := cmd.Flags().GetString("json")
	file, _ := cmd.Flags().GetString("file")
	mediaType, _ := cmd.Flags().GetString("media-type")
	attach, _ := cmd.Flags().GetStringToString("attach")
	wantID, _ := cmd.Flags().GetString("id")
	parent, _ := cmd.Flags().GetString("parent")
	rel, _ := cmd.Flags().GetString("rel")
	fields, _ := cmd.Flags().GetStringToString("field")

	rec := model.MemoryRecord{Source: source, Attachments: attach}
	switch {
	case jsonStr != "":
		rec.Kind = model.PayloadStructured
		if err := json.Unmarshal([]byte(jsonStr), &rec.Structured); err != nil {
			exitErr("remember", fmt.Errorf("--json: %w", err))
		}
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			exitErr("read file", err)
		}
		if mediaType == "" {
			mediaType = http.DetectContentType(b)
		}
		rec.Kind = model.PayloadBinary
		rec.Binary = b
		rec.MediaType = mediaType
	default:
		rec.Kind = model.PayloadText
		rec.Text = readText(args)
		if strings.TrimSpace(rec.Text) == "" {
			exitErr("remember", fmt.Errorf("text is required (positional arg or stdin)"))
		}
	}

	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	id, err := e.Remember(cmd.Context(), rec, engine.RememberOptions{
		IngestOptions: abstraction.IngestOptions{
			Tags:          splitList(tagsStr),
			RetentionHint: hint,
			Protected:     protect,
			Fields:        fields,
		},
		PutOptions: engine.PutOptions{ID: wantID, ParentID: parent, Relation: rel},
	})
	if err != nil {
		exitErr("remember", err)
	}
	printOut(cmd, map[string]string{"id": id})
}

// readText takes the positional args, or stdin when it is piped.
func readText(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return ""
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}
	return string(b)
}
