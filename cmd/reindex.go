package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the index from every artifact in the Library",
	Long: `Walk the configured roots under library_path, re-embed every artifact and
replace the index in one write. The same artifacts always produce the same index.`,
	Args: cobra.NoArgs,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.LibraryPath == "" {
		return fmt.Errorf("library_path is not set in the config")
	}

	ctx := commandContext(cmd)
	rep, err := a.registrar().Reindex(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(rep)
	}
	printSection("Reindex")
	if len(rep.Items) == 0 {
		printSkip("", fmt.Sprintf("no artifacts found under %s", a.cfg.LibraryPath))
	}
	printReport(rep)
	return nil
}
