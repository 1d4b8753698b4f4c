package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <signal-id>",
	Short: "Show one indexed signal",
	Long: `Display a formatted summary of a signal in the index, including its
classification, tags, key phrases and embedding state.

Example:
  listen inspect library.epiphanies.oracle-machines`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	sig, err := a.signals.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(sig)
	}

	printSection(sig.ID)
	field := func(name, value string) {
		if value == "" {
			value = "(none)"
		}
		fmt.Fprintf(stdout, "  %-12s %s\n", name+":", value)
	}
	field("Title", sig.Title)
	field("Type", sig.Type)
	field("Source", sig.Source)
	field("Category", sig.Category)
	field("Path", sig.Path)
	field("Created", sig.Created.Format(time.RFC3339))
	field("Updated", sig.Updated.Format(time.RFC3339))
	field("Tags", strings.Join(sig.DomainTags, ", "))
	field("Phrases", strings.Join(sig.KeyPhrases, ", "))
	field("Intent", sig.Intent)

	printBullet("Embedding:")
	switch vec, ok := a.vectors.Get(ctx, sig.ID); {
	case !sig.HasEmbedding():
		printSkip("", "not embedded (provider was unavailable at registration)")
	case !ok:
		printWarn("", fmt.Sprintf("%s is unreadable", sig.EmbeddingRef))
	default:
		printOK("", fmt.Sprintf("%s (%d dimensions)", sig.EmbeddingRef, len(vec)))
	}
	return nil
}
