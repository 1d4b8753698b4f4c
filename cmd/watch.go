package cmd

import (
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/legato/listen/internal/registrar"
	"github.com/legato/listen/internal/watcher"
)

var flagWatchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Register artifacts as they change in the Library",
	Long: `Watch the configured roots under library_path and register every artifact
that is created or modified, once it has been quiet for the debounce period.
Stop with Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&flagWatchDebounce, "debounce", 400*time.Millisecond, "Quiet period before a changed artifact is registered")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.LibraryPath == "" {
		return fmt.Errorf("library_path is not set in the config")
	}

	ctx, stop := ossignal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := a.registrar()
	onChange := func(path string) {
		out, err := reg.Register(ctx, path)
		switch {
		case err != nil:
			printErr(path, err.Error())
		case out.Embedded:
			printOK(out.SignalID, out.Path)
		default:
			printWarn(out.SignalID, out.Path+" (registered without embedding)")
		}
	}

	roots := a.cfg.RootDirs()
	w := watcher.New(roots, registrar.IsArtifact, onChange,
		watcher.WithDebounce(flagWatchDebounce),
		watcher.WithLogger(a.logger),
	)
	printSection("Watch")
	for _, r := range roots {
		printInfo("", r)
	}
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("cannot watch %s: %w", a.cfg.LibraryPath, err)
	}
	a.logger.Info("watch stopped", zap.String("library", a.cfg.LibraryPath))
	return nil
}
