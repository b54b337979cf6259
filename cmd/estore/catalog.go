package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/andreyvit/estore"
)

func (a *app) newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog <db-file>",
		Short: "List the type descriptors of every class catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			rep, err := estore.Inspect(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.format(), rep.Catalogs, func(w io.Writer) error {
				return writeCatalogText(w, rep.Catalogs)
			})
		},
	}
}

func writeCatalogText(w io.Writer, cats []estore.CatalogReport) error {
	if len(cats) == 0 {
		_, err := fmt.Fprintln(w, "no class catalogs")
		return err
	}
	for _, cat := range cats {
		fmt.Fprintf(w, "%s:\n", cat.Name)
		for i, desc := range cat.Types {
			fmt.Fprintf(w, "  %d: %s\n", cat.IDs[i], desc)
		}
	}
	return nil
}
