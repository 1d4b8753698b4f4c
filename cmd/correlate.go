package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/legato/listen/internal/correlate"
	"github.com/legato/listen/internal/signal"
)

var (
	flagCorrelateQuery   string
	flagCorrelateTitle   string
	flagCorrelateIntent  string
	flagCorrelatePhrases []string
	flagCorrelateOutput  string
)

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Find indexed signals related to new content",
	Long: `Embed a query and rank it against every indexed signal.

The recommendation is CREATE below 0.70, SUGGEST below 0.90 and AUTO-APPEND
otherwise. When the embedding provider is unavailable the result is CREATE
with no matches.

Example:
  listen correlate --query '{"title":"Oracles","intent":"...","key_phrases":["halting"]}'
  listen correlate --title Oracles --phrase halting --output result.json`,
	Args: cobra.NoArgs,
	RunE: runCorrelate,
}

func init() {
	correlateCmd.Flags().StringVar(&flagCorrelateQuery, "query", "", "Query JSON: {title, intent, key_phrases}")
	correlateCmd.Flags().StringVar(&flagCorrelateTitle, "title", "", "Query title")
	correlateCmd.Flags().StringVar(&flagCorrelateIntent, "intent", "", "Query intent")
	correlateCmd.Flags().StringArrayVar(&flagCorrelatePhrases, "phrase", nil, "Query key phrase (repeatable)")
	correlateCmd.Flags().StringVar(&flagCorrelateOutput, "output", "", "Write the result JSON to this file")
	rootCmd.AddCommand(correlateCmd)
}

func runCorrelate(cmd *cobra.Command, _ []string) error {
	q, err := correlateQuery(cmd)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	res, err := a.engine().Correlate(ctx, q)
	if err != nil {
		return err
	}

	if flagCorrelateOutput != "" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(flagCorrelateOutput, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("cannot write %s: %w", flagCorrelateOutput, err)
		}
	}
	if flagJSON {
		return printJSON(res)
	}
	printCorrelation(res)
	return nil
}

// correlateQuery builds the query from --query, or from the individual flags.
func correlateQuery(cmd *cobra.Command) (signal.Query, error) {
	var q signal.Query
	if flagCorrelateQuery != "" {
		if cmd.Flags().Changed("title") || cmd.Flags().Changed("intent") || cmd.Flags().Changed("phrase") {
			return q, fmt.Errorf("--query cannot be combined with --title, --intent or --phrase")
		}
		if err := json.Unmarshal([]byte(flagCorrelateQuery), &q); err != nil {
			return q, fmt.Errorf("invalid --query JSON: %w", err)
		}
	} else {
		q = signal.Query{
			Title:      flagCorrelateTitle,
			Intent:     flagCorrelateIntent,
			KeyPhrases: flagCorrelatePhrases,
		}
	}
	if q.KeyPhrases == nil {
		q.KeyPhrases = []string{}
	}
	if strings.TrimSpace(q.Text()) == "" {
		return q, fmt.Errorf("empty query: set --query or at least one of --title, --intent, --phrase")
	}
	return q, nil
}

func printCorrelation(res correlate.Result) {
	printSection("Correlate")
	if len(res.Matches) == 0 {
		printMiss("", "no comparable signals")
	}
	for i, m := range res.Matches {
		fmt.Fprintf(stdout, "  %d. %.4f  %s  %s\n", i+1, m.Score, m.SignalID, m.Title)
	}
	fmt.Fprintf(stdout, "\nCorrelation: %s (score: %.2f)\n", res.Recommendation, res.TopScore)
	if res.SuggestedTarget != nil {
		printInfo("", "suggested target: "+*res.SuggestedTarget)
	}
}
