package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/legato/listen/internal/config"
	"github.com/legato/listen/internal/embeddings"
	"github.com/legato/listen/internal/errs"
)

const doctorProbeTimeout = 30 * time.Second

var flagDoctorProbe bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run configuration, storage and provider checks",
	Long: `Check that listen's config, Library, storage backend, index and embedding
provider are usable. Run this command when something seems wrong.

With --probe the embedding provider is called once with a short text.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&flagDoctorProbe, "probe", false, "Send one embedding request to the provider")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	allOK := true
	failD := func(format string, args ...any) {
		printErr("", fmt.Sprintf(format, args...))
		allOK = false
	}
	ctx := commandContext(cmd)

	printSection("listen doctor")
	fmt.Fprintln(stdout)

	// ── Check 1: config file ──────────────────────────────────────────────────
	fmt.Fprintln(stdout, "[ listen.yaml ]")
	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath, _ = config.ConfigPath()
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		printWarn("", fmt.Sprintf("%s not found — using defaults (run 'listen init')", cfgPath))
	}
	cfg, loadErr := loadConfig()
	if loadErr != nil {
		failD("%v", loadErr)
	} else {
		printOK("", fmt.Sprintf("valid — storage=%s embeddings=%s", cfg.Storage.Backend, cfg.Embeddings.Provider))
	}
	fmt.Fprintln(stdout)

	if loadErr != nil {
		return doctorSummary(false)
	}

	// ── Check 2: Library ──────────────────────────────────────────────────────
	fmt.Fprintln(stdout, "[ Library ]")
	if cfg.LibraryPath == "" {
		printWarn("", "library_path is not set — reindex and watch are unavailable")
	} else if info, err := os.Stat(cfg.LibraryPath); err != nil || !info.IsDir() {
		failD("library_path %s is not a directory", cfg.LibraryPath)
	} else {
		for _, dir := range cfg.RootDirs() {
			if _, err := os.Stat(dir); err != nil {
				printMiss("", fmt.Sprintf("%s (missing)", dir))
				continue
			}
			printOK("", dir)
		}
	}
	fmt.Fprintln(stdout)

	// ── Check 3: storage and index ────────────────────────────────────────────
	fmt.Fprintln(stdout, "[ Storage ]")
	a, err := newApp(cfg)
	if err != nil {
		failD("cannot open %s backend: %v", cfg.Storage.Backend, err)
		return doctorSummary(false)
	}
	defer a.Close()
	printOK("", fmt.Sprintf("%s backend opened", a.backend.Name()))

	idx, err := a.signals.Load(ctx)
	switch {
	case errs.IsCorrupt(err):
		failD("index is corrupt: %v\n   Fix or remove the index document, then run 'listen reindex'.", err)
	case err != nil:
		failD("cannot load index: %v", err)
	default:
		printOK("", fmt.Sprintf("index loaded — %d signal(s)", idx.Len()))
	}
	fmt.Fprintln(stdout)

	// ── Check 4: embedding provider ───────────────────────────────────────────
	fmt.Fprintln(stdout, "[ Embeddings ]")
	switch cfg.Embeddings.Provider {
	case "none":
		printSkip("", "embeddings disabled — every correlation will recommend CREATE")
	case "openai":
		embCfg, err := embeddings.LoadConfig(cfg.Embeddings)
		if err != nil {
			failD("cannot resolve embeddings config: %v", err)
		} else if embCfg.APIKey == "" {
			printWarn("", "no API key — set LISTEN_EMBEDDINGS_API_KEY or OPENAI_API_KEY (or ~/.listen/.env)")
		} else {
			printOK("", fmt.Sprintf("API key found for %s", a.provider.ModelID()))
		}
	default:
		printOK("", a.provider.ModelID())
	}
	if flagDoctorProbe && cfg.Embeddings.Provider != "none" {
		pctx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
		vec, err := a.provider.Embed(pctx, "listen doctor probe")
		cancel()
		if err != nil {
			failD("probe failed: %v", err)
		} else {
			printOK("", fmt.Sprintf("probe returned %d dimensions", len(vec)))
		}
	}
	fmt.Fprintln(stdout)

	return doctorSummary(allOK)
}

func doctorSummary(allOK bool) error {
	fmt.Fprintln(stdout, "===================")
	if allOK {
		fmt.Fprintln(stdout, "✓  All checks passed. listen is ready to use.")
		return nil
	}
	fmt.Fprintln(os.Stderr, "✗  One or more checks failed. See details above.")
	return fmt.Errorf("doctor found issues")
}
