package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tmswan/kbindex/pkg/types"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	keyword      bool
	topK         int
	rerank       bool
	minRelevance float64
	source       string
	jsonOut      bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <knowledge-base> <query>",
		Short: "Search a knowledge base from the terminal",
		Long: `Search runs a semantic query by default, or a raw keyword scan with
--keyword.

Examples:
  kbindex search manuals "how do I reset the device"
  kbindex search manuals ERR-42 --keyword
  kbindex search manuals "resetting" --top-k 5 --rerank`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args[1:], " ")
			return runSearch(cmd, args[0], query, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.keyword, "keyword", "k", false, "Substring scan instead of semantic search")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 0, "Maximum number of results (0 uses the configured default)")
	cmd.Flags().BoolVar(&opts.rerank, "rerank", false, "Rescore results with the rerank service")
	cmd.Flags().Float64Var(&opts.minRelevance, "min-relevance", 0, "Drop results below this similarity (0 to 1)")
	cmd.Flags().StringVar(&opts.source, "source", "", "Only search files whose path contains this substring")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Output results as JSON")

	return cmd
}

func runSearch(cmd *cobra.Command, kbName, query string, opts searchOptions) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()

	if opts.keyword {
		matches, err := a.retriever.Keyword(cmd.Context(), kbName, query, types.KeywordOptions{
			MaxLines:      opts.topK,
			SourceKeyword: opts.source,
		})
		if err != nil {
			return err
		}
		if opts.jsonOut {
			return printJSON(cmd, matches)
		}
		if len(matches) == 0 {
			fmt.Fprintln(out, "no matches")
			return nil
		}
		for _, m := range matches {
			fmt.Fprintf(out, "%s:%d: %s\n", m.Source, m.Line, m.Text)
		}
		return nil
	}

	searchOpts := types.RetrievalOptions{
		TopK:          opts.topK,
		MinRelevance:  opts.minRelevance,
		SourceKeyword: opts.source,
	}
	if opts.rerank {
		enable := true
		searchOpts.EnableRerank = &enable
	}

	results, err := a.retriever.Semantic(cmd.Context(), kbName, query, searchOpts)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return printJSON(cmd, results)
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "no results")
		return nil
	}
	for i, res := range results {
		score := fmt.Sprintf("%.3f", res.Relevance)
		if res.RerankScore != nil {
			score = fmt.Sprintf("%.3f (rerank %.3f)", res.Relevance, *res.RerankScore)
		}
		fmt.Fprintf(out, "%d. %s:%d  score %s\n", i+1, res.Source, res.StartLine, score)
		for _, line := range strings.Split(res.Text, "\n") {
			fmt.Fprintf(out, "   %s\n", line)
		}
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
