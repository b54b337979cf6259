package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/andreyvit/estore"
)

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <db-file>",
		Short: "Show record and index entry counts per store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			rep, err := estore.Inspect(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.format(), rep.Stores, func(w io.Writer) error {
				return writeStatsText(w, rep)
			})
		},
	}
}

func writeStatsText(w io.Writer, rep *estore.Report) error {
	if _, err := fmt.Fprintf(w, "%s: %d bytes, %d stores\n", rep.Path, rep.Size, len(rep.Stores)); err != nil {
		return err
	}
	for _, s := range rep.Stores {
		fmt.Fprintf(w, "\n%s: %d rows, %d bytes allocated\n", s.Name, s.Rows, s.DataAlloc)
		for _, idx := range s.Indices {
			kind := "sorted duplicates"
			if idx.Unique {
				kind = "unique"
			}
			fmt.Fprintf(w, "  %s (#%d, %s): %d entries\n", idx.Name, idx.Ordinal, kind, idx.Entries)
		}
	}
	return nil
}
