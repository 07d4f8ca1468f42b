package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the knowledge bases under the knowledge root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, jsonOut)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runList(cmd *cobra.Command, jsonOut bool) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	infos := a.library.List()
	if jsonOut {
		return printJSON(cmd, infos)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "no knowledge bases found")
		return nil
	}
	for _, info := range infos {
		base, err := a.library.Get(info.Name)
		if err != nil {
			return err
		}
		count, err := base.Store().Count(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d chunk(s)\t%s\n", info.Name, count, info.Intro)
	}
	return nil
}
