// Command dpimport synchronizes CSV files on disk into a document store
// and maintains the per-study metadata summaries built from them.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dpdash/dpimport/consolidate"
	"github.com/dpdash/dpimport/importer"
	"github.com/dpdash/dpimport/runlog"
	"github.com/dpdash/dpimport/store"
)

var (
	configPath string
	dbName     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "dpimport",
	Short:         "Import CSV data files into the document store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var importCmd = &cobra.Command{
	Use:   "import <expression>",
	Short: "Probe and import every file matching a glob expression",
	Long: `Expand the glob expression, probe each matching file, and reconcile it
against the table of contents. Unchanged files are skipped, changed files
invalidate their series before re-ingestion, and new files are imported
in bounded batches. After the batch, the per-study metadata summaries are
rebuilt from the table of contents.

The expression usually needs quoting to keep the shell from expanding it:

  dpimport -c config.yml import '/data/STUDY1/*.csv'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		ctx := signalContext()

		st, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		opts := []importer.Option{importer.WithBatchSize(cfg.BatchSize)}
		if cfg.RunLog.Enabled {
			journal, err := runlog.Open(cfg.RunLog.Path)
			if err != nil {
				return fmt.Errorf("open run journal: %w", err)
			}
			defer journal.Close()
			opts = append(opts, importer.WithRunLog(journal))
		}

		return runBatch(ctx, importer.New(st, opts...), st, args[0])
	},
}

// batchImporter is the slice of the importer the batch flow drives.
type batchImporter interface {
	Run(ctx context.Context, expr string) error
}

// runBatch is one full import run: ingest everything the expression matches,
// then rebuild the metadata summaries the batch may have advanced. A failed
// import skips consolidation; the summaries would be rebuilt from state the
// next successful run replaces anyway.
func runBatch(ctx context.Context, imp batchImporter, st consolidate.Store, expr string) error {
	if err := imp.Run(ctx, expr); err != nil {
		return err
	}
	return consolidate.Run(ctx, st)
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Rebuild per-study metadata summaries from the table of contents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		ctx := signalContext()

		st, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		return consolidate.Run(ctx, st)
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean [study]",
	Short: "Remove unsynced table-of-contents entries and their rows",
	Long: `Repair pass for interrupted imports: delete every unsynced reference
document, along with the data rows the affected files contributed. With a
study argument the pass is limited to that study. The next import run
re-ingests the affected files from scratch.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		ctx := signalContext()

		st, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		study := ""
		if len(args) == 1 {
			study = args[0]
		}
		return st.CleanTOC(ctx, study)
	},
}

func setup() (*importer.Config, error) {
	cfg, err := importer.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	lvl := slog.LevelInfo
	if verbose {
		lvl = slog.LevelDebug
	} else {
		switch cfg.Log.Level {
		case "debug":
			lvl = slog.LevelDebug
		case "warn":
			lvl = slog.LevelWarn
		case "error":
			lvl = slog.LevelError
		}
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})))

	return cfg, nil
}

func connect(ctx context.Context, cfg *importer.Config) (*store.Store, error) {
	st, err := store.Connect(ctx, cfg.Mongo, dbName, store.WithRetry(cfg.Retry.Policy()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Mongo.Hostname, err)
	}
	return st, nil
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&dbName, "dbname", "d", "dpdata", "database holding the data collections")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(importCmd, consolidateCmd, cleanCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}
