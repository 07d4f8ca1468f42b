package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tmswan/kbindex/internal/kb"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [knowledge-base...]",
		Short: "Run one incremental index cycle and exit",
		Long: `Sync scans the corpora, embeds added and changed files, and purges
chunks of removed files. With no arguments every knowledge base is
synced; otherwise only the named ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, args)
		},
	}
}

func runSync(cmd *cobra.Command, names []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	var bases []*kb.KnowledgeBase
	if len(names) == 0 {
		for _, info := range a.library.List() {
			base, err := a.library.Get(info.Name)
			if err != nil {
				return err
			}
			bases = append(bases, base)
		}
	} else {
		for _, name := range names {
			base, err := a.library.Get(name)
			if err != nil {
				return err
			}
			bases = append(bases, base)
		}
	}

	out := cmd.OutOrStdout()
	for _, base := range bases {
		stats, err := base.Sync(cmd.Context(), a.dispatcher)
		if err != nil {
			return fmt.Errorf("sync %s: %w", base.Name, err)
		}
		if stats.Skipped {
			fmt.Fprintf(out, "%s: skipped (another sync is running)\n", base.Name)
			continue
		}
		fmt.Fprintf(out, "%s: %d file(s) indexed, %d removed, %d failed, %d chunk(s) upserted, %d purged\n",
			base.Name, stats.FilesIndexed, stats.FilesRemoved, stats.FilesFailed,
			stats.ChunksUpserted, stats.ChunksPurged)
	}

	usage := a.library.Stats()
	fmt.Fprintf(out, "usage: %d embed request(s), %d token(s)\n", usage.EmbedRequests, usage.EmbedTokens)
	return nil
}
