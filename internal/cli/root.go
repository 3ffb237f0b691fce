// Package cli implements the hamstore CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/hamstore/internal/config"
	"github.com/rcliao/hamstore/internal/engine"
	"github.com/rcliao/hamstore/internal/logging"
)

var (
	cfgFile    string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "hamstore",
	Short: "Hierarchical abstractive memory store",
	Long: "Stores memories as compressed, encrypted gist packages with a semantic index, " +
		"lineage between derived memories and importance-based eviction. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default: ~/.hamstore/config.yaml if present)")
	RootCmd.PersistentFlags().StringP("db", "d", "", "Database path (default: $HAMSTORE_DB_PATH or ~/.hamstore/memory.db)")
	RootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or yaml")
}

// loadConfig resolves flags, HAMSTORE_* env, the config file and defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := config.New()
	flags := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("db_path", flags.Lookup("db")); err != nil {
		return config.Config{}, err
	}
	if err := v.BindPFlag("log.level", flags.Lookup("log-level")); err != nil {
		return config.Config{}, err
	}
	return config.Load(v, cfgFile)
}

func openEngine(cmd *cobra.Command, opts engine.OpenOptions) (*engine.Engine, config.Config, logrus.FieldLogger) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		exitErr("load config", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		exitErr("logging", err)
	}
	e, err := engine.Open(cmd.Context(), cfg, opts, log)
	if err != nil {
		exitErr("open store", err)
	}
	return e, cfg, log
}

func printOut(cmd *cobra.Command, v any) {
	out := cmd.OutOrStdout()
	switch formatFlag {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			exitErr("encode", err)
		}
		enc.Close()
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			exitErr("encode", err)
		}
		fmt.Fprintln(out, string(b))
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
