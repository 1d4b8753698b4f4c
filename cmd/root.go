package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagJSON   bool
)

var rootCmd = &cobra.Command{
	Use:          "listen",
	Short:        "listen — semantic correlation index for the Library",
	SilenceUsage: true, // don't print usage on operational errors
	Long: `listen registers Library artifacts as signals, embeds them, and decides
whether new content duplicates, extends, or is distinct from what is already indexed.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.listen/listen.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Print machine-readable JSON")
}

// Execute is called by main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
