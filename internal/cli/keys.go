package cli

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/config"
	"github.com/rcliao/hamstore/internal/engine"
	"github.com/rcliao/hamstore/internal/envelope"
)

const keySize = 32

func init() {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage the envelope keyring",
		Long:  "Create and rotate the file keyring. With keys.source=env the keyring lives in HAMSTORE_KEY_* variables instead.",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a keyring file with a fresh key",
		Run:   runKeysInit,
	}
	initCmd.Flags().String("version", "v1", "Version label of the first key")

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Add a fresh key and make it current",
		Long:  "Add a fresh key and make it current. Older versions stay in the keyring so existing packages remain readable.",
		Run:   runKeysRotate,
	}
	rotate.Flags().String("version", "", "Version label of the new key (default: next vN)")
	rotate.Flags().Bool("reseal", false, "Re-encrypt existing packages under the new key")

	keys.AddCommand(initCmd, rotate,
		&cobra.Command{
			Use:   "list",
			Short: "List key versions",
			Run:   runKeysList,
		},
		&cobra.Command{
			Use:   "reseal",
			Short: "Re-encrypt packages sealed under older key versions",
			Run:   runReseal,
		},
	)
	RootCmd.AddCommand(keys)
}

func fileKeys(cmd *cobra.Command) config.KeysConfig {
	cfg, err := loadConfig(cmd)
	if err != nil {
		exitErr("load config", err)
	}
	if cfg.Keys.Source != "file" {
		exitErr("keys", fmt.Errorf("keys.source is %q; only file keyrings are managed here", cfg.Keys.Source))
	}
	return cfg.Keys
}

func freshKey() []byte {
	b := make([]byte, keySize)
	if _, err := rand.Read(b); err != nil {
		exitErr("generate key", err)
	}
	return b
}

func runKeysInit(cmd *cobra.Command, args []string) {
	version, _ := cmd.Flags().GetString("version")
	kc := fileKeys(cmd)

	if _, err := os.Stat(kc.File); err == nil {
		exitErr("keys init", fmt.Errorf("%s already exists; use `hamstore keys rotate`", kc.File))
	} else if !errors.Is(err, os.ErrNotExist) {
		exitErr("keys init", err)
	}

	k, err := envelope.NewStaticKeyring(version, map[string][]byte{version: freshKey()})
	if err != nil {
		exitErr("keys init", err)
	}
	if err := envelope.SaveFileKeyring(kc.File, k); err != nil {
		exitErr("keys init", err)
	}
	printOut(cmd, map[string]string{"file": kc.File, "current": version})
}

func runKeysRotate(cmd *cobra.Command, args []string) {
	version, _ := cmd.Flags().GetString("version")
	reseal, _ := cmd.Flags().GetBool("reseal")
	kc := fileKeys(cmd)

	k, err := envelope.LoadFileKeyring(kc.File)
	if err != nil {
		exitErr("keys rotate", err)
	}
	if version == "" {
		version = nextVersion(k.Versions())
	}
	if err := k.Rotate(version, freshKey()); err != nil {
		exitErr("keys rotate", err)
	}
	if err := envelope.SaveFileKeyring(kc.File, k); err != nil {
		exitErr("keys rotate", err)
	}

	out := map[string]any{"file": kc.File, "current": version, "versions": k.Versions()}
	if reseal {
		e, _, _ := openEngine(cmd, engine.OpenOptions{})
		defer e.Close()
		rep, err := e.Reseal(cmd.Context())
		if err != nil {
			exitErr("reseal", err)
		}
		out["reseal"] = rep
	}
	printOut(cmd, out)
}

func runKeysList(cmd *cobra.Command, args []string) {
	kc := fileKeys(cmd)
	k, err := envelope.LoadFileKeyring(kc.File)
	if err != nil {
		exitErr("keys list", err)
	}
	current, _ := k.CurrentVersion(cmd.Context())
	printOut(cmd, map[string]any{"file": kc.File, "current": current, "versions": k.Versions()})
}

func runReseal(cmd *cobra.Command, args []string) {
	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	rep, err := e.Reseal(cmd.Context())
	if err != nil {
		exitErr("reseal", err)
	}
	printOut(cmd, rep)
}

// nextVersion returns the first "vN" label not already taken.
func nextVersion(existing []string) string {
	for n := len(existing) + 1; ; n++ {
		v := fmt.Sprintf("v%d", n)
		if !slices.Contains(existing, v) {
			return v
		}
	}
}
