package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/legato/listen/internal/registrar"
)

var registerCmd = &cobra.Command{
	Use:   "register <artifact>...",
	Short: "Register artifacts as signals",
	Long: `Parse each artifact's header, embed it, and upsert it into the index.

Paths are relative to library_path unless absolute, and may point outside the
Library. An artifact that cannot be
embedded is still registered, without an embedding; an invalid artifact fails
on its own and the rest of the batch continues.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	// Paths come from the local user, so files outside the Library are allowed.
	src := a.source()
	src.AllowExternal = true
	rep, batchErr := a.registrarFor(src).RegisterBatch(ctx, resolveArtifactPaths(args))
	if flagJSON {
		if err := printJSON(rep); err != nil {
			return err
		}
	} else {
		printSection("Register")
		printReport(rep)
	}
	if batchErr != nil {
		return batchErr
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d artifact(s) failed to register", rep.Failed)
	}
	return nil
}

// printReport prints per-item outcomes followed by a summary line.
func printReport(rep registrar.Report) {
	for _, o := range rep.Items {
		switch {
		case !o.OK():
			printErr(o.Path, o.Error)
		case o.Embedded:
			printOK(o.SignalID, o.Path)
		default:
			printWarn(o.SignalID, o.Path+" (registered without embedding)")
		}
	}
	fmt.Fprintf(stdout, "\n  %d embedded / %d without embedding / %d failed  (total: %d)\n",
		rep.Embedded, rep.Degraded, rep.Failed, len(rep.Items))
}

// resolveArtifactPaths makes paths that exist relative to the working directory
// absolute. Anything else is left for the source to resolve against library_path.
func resolveArtifactPaths(args []string) []string {
	out := make([]string, 0, len(args))
	for _, p := range args {
		if !filepath.IsAbs(p) {
			if _, err := os.Stat(p); err == nil {
				if abs, err := filepath.Abs(p); err == nil {
					p = abs
				}
			}
		}
		out = append(out, p)
	}
	return out
}
