package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index size and embedding coverage",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// indexStatus summarizes the index for `listen status`.
type indexStatus struct {
	Backend      string         `json:"backend"`
	Provider     string         `json:"provider"`
	Signals      int            `json:"signals"`
	Embedded     int            `json:"embedded"`
	NotEmbedded  int            `json:"not_embedded"`
	VectorMisses []string       `json:"vector_misses"`
	Categories   map[string]int `json:"categories"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	st, err := collectStatus(ctx, a)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(st)
	}

	printSection("Index")
	printInfo("", fmt.Sprintf("backend: %s", st.Backend))
	printInfo("", fmt.Sprintf("embeddings: %s", st.Provider))

	if len(st.Categories) > 0 {
		printBullet("Signals by category:")
		cats := make([]string, 0, len(st.Categories))
		for c := range st.Categories {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		for _, c := range cats {
			fmt.Fprintf(stdout, "  %-14s %d\n", c, st.Categories[c])
		}
	}
	if len(st.VectorMisses) > 0 {
		printBullet("Embedding recorded but vector unreadable (run 'listen reindex'):")
		for _, id := range st.VectorMisses {
			printWarn(id, "vector missing")
		}
	}

	fmt.Fprintf(stdout, "\n  %d embedded / %d without embedding / %d unreadable vector  (total: %d signals)\n",
		st.Embedded, st.NotEmbedded, len(st.VectorMisses), st.Signals)
	return nil
}

func collectStatus(ctx context.Context, a *app) (indexStatus, error) {
	st := indexStatus{
		Backend:      a.backend.Name(),
		Provider:     a.provider.ModelID(),
		VectorMisses: []string{},
		Categories:   map[string]int{},
	}
	idx, err := a.signals.Load(ctx)
	if err != nil {
		return st, err
	}
	st.Signals = idx.Len()
	for _, s := range idx.Signals() {
		st.Categories[s.Category]++
		if !s.HasEmbedding() {
			st.NotEmbedded++
			continue
		}
		if _, ok := a.vectors.Get(ctx, s.ID); !ok {
			st.VectorMisses = append(st.VectorMisses, s.ID)
			continue
		}
		st.Embedded++
	}
	return st, nil
}
