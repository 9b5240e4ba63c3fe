package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivoronin/scandog/internal/analyzer"
	"github.com/ivoronin/scandog/internal/catalog"
	"github.com/ivoronin/scandog/internal/config"
	"github.com/ivoronin/scandog/internal/launcher"
	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/planner"
	"github.com/ivoronin/scandog/internal/scheduler"
)

// scanOptions holds CLI flags for the scan command. Zero values mean "use
// the loaded config"; only flags the user set override it.
type scanOptions struct {
	configFile   string
	dbPath       string
	mount        string
	strategy     string
	chunkSizeStr string
	workers      int
	threads      int
	batchSize    int
	retryLimit   int
	launcherName string
	image        string
	sizeCache    string
	noProgress   bool
	logLevel     string
}

// newScanCmd creates the scan subcommand.
func newScanCmd() *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan <root>",
		Short: "Plan and scan a directory tree into the catalog",
		Long: `Partitions the tree under <root> into bounded-size chunks and scans each
chunk with an isolated worker, recording every file in the catalog.

Completed chunks are remembered: re-running the same scan skips them, so an
interrupted run resumes where it left off. Use --strategy to trade plan
quality against time to first dispatch:

  full         measure everything up front, optimal chunks (default)
  fast         dispatch top-level directories immediately, no measurement
  progressive  dispatch immediately, refine chunk sizes as analysis catches up`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.configFile, "config", "", "Config file (default ~/.config/scandog/config.yaml)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "scandog.db", "Catalog database file")
	cmd.Flags().StringVar(&opts.mount, "mount", "", "Mount point label for cataloged files (default: the scan root)")
	cmd.Flags().StringVar(&opts.strategy, "strategy", "full", "Chunking strategy: full, fast or progressive")
	cmd.Flags().StringVar(&opts.chunkSizeStr, "chunk-size", "", "Target chunk size (e.g. 100GiB)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Concurrent chunk workers")
	cmd.Flags().IntVar(&opts.threads, "threads", 0, "Walk/hash threads per worker")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "File records per catalog commit")
	cmd.Flags().IntVar(&opts.retryLimit, "retry-limit", -1, "Retries before a chunk is abandoned")
	cmd.Flags().StringVar(&opts.launcherName, "launcher", "", "Worker runtime: local or docker")
	cmd.Flags().StringVar(&opts.image, "image", "", "Container image for the docker launcher")
	cmd.Flags().StringVar(&opts.sizeCache, "size-cache", "", "Persistent directory-size cache file")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	return cmd
}

// applyFlags overlays set flags onto the loaded config.
func applyFlags(cmd *cobra.Command, cfg *config.Config, opts *scanOptions) error {
	if cmd.Flags().Changed("chunk-size") {
		size, err := parseSize(opts.chunkSizeStr)
		if err != nil {
			return fmt.Errorf("invalid --chunk-size: %w", err)
		}
		cfg.ChunkSize = size
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = opts.workers
	}
	if cmd.Flags().Changed("threads") {
		cfg.Threads = opts.threads
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.BatchSize = opts.batchSize
	}
	if cmd.Flags().Changed("retry-limit") {
		cfg.RetryLimit = opts.retryLimit
	}
	if cmd.Flags().Changed("launcher") {
		cfg.Launcher = opts.launcherName
	}
	if cmd.Flags().Changed("image") {
		cfg.Image = opts.image
	}
	if cmd.Flags().Changed("size-cache") {
		cfg.SizeCacheFile = opts.sizeCache
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	return nil
}

// runScan executes the scan pipeline: plan → dispatch → summarize.
func runScan(cmd *cobra.Command, root string, opts *scanOptions) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg, opts); err != nil {
		return err
	}
	if err := logging.Init(cfg.LogLevel); err != nil {
		return err
	}
	logger := logging.Get("scan")

	root, err = filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	if fi, err := os.Stat(root); err != nil {
		return fmt.Errorf("scan root: %w", err)
	} else if !fi.IsDir() {
		return fmt.Errorf("scan root %s is not a directory", root)
	}

	mount := opts.mount
	if mount == "" {
		mount = root
	}

	dbPath, err := filepath.Abs(opts.dbPath)
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	store, err := catalog.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, cleanup, err := newSource(opts.strategy, root, mount, &cfg, store)
	if err != nil {
		return err
	}
	defer cleanup()

	l, closeLauncher, err := newLauncher(&cfg, store)
	if err != nil {
		return err
	}
	defer closeLauncher()

	pool := scheduler.New(l, store, scheduler.Config{
		Workers:        cfg.Workers,
		Threads:        cfg.Threads,
		BatchSize:      cfg.BatchSize,
		Quota:          launcher.Quota{CPUs: cfg.WorkerCPUs, MemoryBytes: cfg.WorkerMemory},
		CatalogPath:    dbPath,
		RetryLimit:     cfg.RetryLimit,
		HealthInterval: cfg.HealthInterval,
		StallAfter:     cfg.StallAfter,
		ShowProgress:   !opts.noProgress,
	})

	summary, err := pool.Run(ctx, source)
	logger.Info("scan finished",
		"completed", summary.Completed, "abandoned", summary.Abandoned, "retries", summary.Retries)
	if err != nil {
		return err
	}
	if summary.Abandoned > 0 {
		return fmt.Errorf("%d chunks abandoned, re-run to retry them", summary.Abandoned)
	}
	return nil
}

// newSource builds the chunk source for the selected strategy.
func newSource(strategy, root, mount string, cfg *config.Config, store *catalog.Store) (planner.Source, func(), error) {
	noop := func() {}

	if strategy == "fast" {
		return planner.NewFastStart(root, mount, store), noop, nil
	}

	an, err := analyzer.New(cfg.AnalysisTimeout, cfg.SizeCacheFile)
	if err != nil {
		return nil, nil, fmt.Errorf("create analyzer: %w", err)
	}
	cleanup := func() { _ = an.Close() }

	switch strategy {
	case "full":
		return planner.New(root, mount, cfg.ChunkSize, an, store), cleanup, nil
	case "progressive":
		return planner.NewProgressive(root, mount, cfg.ChunkSize, an, store), cleanup, nil
	default:
		cleanup()
		return nil, nil, fmt.Errorf("unknown strategy %q (want full, fast or progressive)", strategy)
	}
}

// newLauncher builds the worker runtime.
func newLauncher(cfg *config.Config, store *catalog.Store) (launcher.Launcher, func(), error) {
	switch cfg.Launcher {
	case "local":
		return launcher.NewLocal(store), func() {}, nil
	case "docker":
		d, err := launcher.NewDocker(cfg.Image)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown launcher %q (want local or docker)", cfg.Launcher)
	}
}
