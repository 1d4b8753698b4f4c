package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/legato/listen/internal/config"
)

var flagInitLibrary string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config and secrets template",
	Long: `Initialize listen at ~/.listen/.

Writes listen.yaml with defaults (unless it already exists), creates the data
directory and an .env template for the embeddings API key.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&flagInitLibrary, "library", "", "Path to the Library checkout")
	rootCmd.AddCommand(initCmd)
}

func runInit(_ *cobra.Command, _ []string) error {
	// ── 1. Resolve ~/.listen directory ────────────────────────────────────────
	listenDir, err := config.ListenDir()
	if err != nil {
		return err
	}
	cfgPath := flagConfig
	if cfgPath == "" {
		if cfgPath, err = config.ConfigPath(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(listenDir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", listenDir, err)
	}
	printOK("", fmt.Sprintf("listen directory ready: %s", listenDir))

	// ── 2. Write listen.yaml if missing ───────────────────────────────────────
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg, err := config.DefaultConfig()
		if err != nil {
			return err
		}
		if flagInitLibrary != "" {
			lib, err := config.ExpandPath(flagInitLibrary)
			if err != nil {
				return err
			}
			cfg.LibraryPath = lib
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		printOK("", fmt.Sprintf("Config written: %s", cfgPath))
	} else {
		printSkip("", fmt.Sprintf("Config already exists: %s", cfgPath))
	}

	// ── 3. Data directory ─────────────────────────────────────────────────────
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("cannot create data dir %s: %w", cfg.DataDir, err)
	}
	printOK("", fmt.Sprintf("Data directory ready: %s", cfg.DataDir))

	// ── 4. Secrets template ───────────────────────────────────────────────────
	if err := config.EnsureDotEnvTemplate(); err != nil {
		return err
	}
	dotenv, _ := config.DotEnvPath()
	printOK("", fmt.Sprintf("Secrets file ready: %s", dotenv))

	if cfg.LibraryPath == "" {
		printWarn("", "library_path is empty — set it in listen.yaml before running 'listen reindex'")
	}
	fmt.Fprintln(stdout, "\n✓  listen init complete. Run 'listen doctor' to verify your environment.")
	return nil
}
