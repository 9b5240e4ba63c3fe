package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ivoronin/scandog/internal/catalog"
)

// newReportCmd creates the report subcommand.
func newReportCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the catalog by mount point and file category",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runReport(dbPath)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "scandog.db", "Catalog database file")

	return cmd
}

func runReport(dbPath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	store, err := catalog.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	totals, err := store.Totals(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Cataloged %s files, %s\n\n",
		humanize.Comma(totals.TotalFiles), humanize.IBytes(uint64(totals.TotalBytes)))

	byMount, err := store.ByMount(ctx)
	if err != nil {
		return err
	}
	printGroups("By mount point", byMount)

	byCategory, err := store.ByCategory(ctx)
	if err != nil {
		return err
	}
	printGroups("By category", byCategory)

	return nil
}

func printGroups(title string, groups []catalog.GroupSummary) {
	fmt.Println(title + ":")
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, g := range groups {
		fmt.Fprintf(w, "  %s\t%s files\t%s\n",
			g.Name, humanize.Comma(g.Files), humanize.IBytes(uint64(g.Bytes)))
	}
	_ = w.Flush()
	fmt.Println()
}
