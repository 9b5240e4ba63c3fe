package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ivoronin/scandog/internal/catalog"
)

// newResetCmd creates the reset subcommand.
func newResetCmd() *cobra.Command {
	var (
		dbPath string
		mount  string
	)

	cmd := &cobra.Command{
		Use:   "reset <path>",
		Short: "Forget a subtree so the next scan re-processes it",
		Long: `Deletes the completion markers and file records under <path>. The data on
disk is untouched; the next scan treats the subtree as never scanned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runReset(dbPath, args[0], mount)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "scandog.db", "Catalog database file")
	cmd.Flags().StringVar(&mount, "mount", "", "Mount point label (default: the path itself)")

	return cmd
}

func runReset(dbPath, path, mount string) error {
	if mount == "" {
		mount = path
	}

	store, err := catalog.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	removed, err := store.ResetSubtree(context.Background(), path, mount)
	if err != nil {
		return err
	}
	fmt.Printf("Forgot %d file records under %s\n", removed, path)
	return nil
}
