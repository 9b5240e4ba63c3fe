package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivoronin/scandog/internal/catalog"
	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/types"
	"github.com/ivoronin/scandog/internal/walker"
)

// walkOptions holds CLI flags for the walk command.
type walkOptions struct {
	dbPath    string
	threads   int
	batchSize int
	logLevel  string
}

// newWalkCmd creates the walk subcommand. This is the worker entry point:
// the docker launcher runs it inside each container, and it is handy for
// scanning a single directory by hand.
func newWalkCmd() *cobra.Command {
	opts := &walkOptions{
		threads:   8,
		batchSize: 1000,
		logLevel:  "info",
	}

	cmd := &cobra.Command{
		Use:   "walk <path> <mount>",
		Short: "Walk one directory subtree into the catalog",
		Long: `Walks the subtree under <path>, checksums and catalogs every file with
<mount> as its mount point label, and marks the subtree complete on a clean
finish. Normally invoked by the scheduler, one invocation per chunk.`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runWalk(args[0], args[1], opts)
		},
	}

	cmd.Flags().StringVar(&opts.dbPath, "db", "scandog.db", "Catalog database file")
	cmd.Flags().IntVar(&opts.threads, "threads", opts.threads, "Walk/hash threads")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", opts.batchSize, "File records per catalog commit")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn or error")

	return cmd
}

// drainErrors consumes non-fatal walk errors and writes them to stderr.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

// runWalk scans one chunk to completion.
func runWalk(path, mount string, opts *walkOptions) error {
	if err := logging.Init(opts.logLevel); err != nil {
		return err
	}
	logger := logging.Get("walk")

	store, err := catalog.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 100)
	go drainErrors(errCh)
	defer close(errCh)

	started := time.Now()
	chunk := types.Chunk{Path: path, Mount: mount}
	stats, err := walker.New(chunk, store, opts.threads, opts.batchSize, errCh).Run(ctx)
	if err != nil {
		return fmt.Errorf("walk %s: %w", path, err)
	}

	logger.Info("walk complete", "path", path, "stats", stats)

	return store.RecordMountStats(ctx, types.MountStats{
		Mount:        mount,
		FilesScanned: stats.Files.Load(),
		BytesScanned: stats.Bytes.Load(),
		StartTime:    started,
		EndTime:      time.Now(),
	})
}
