package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/siomule/internal/common"
	"example.com/siomule/internal/report"
)

const manifestFileName = "manifest.json"

func newBatchCommand(a *app) *cobra.Command {
	var (
		family, mode, outDir, pattern string
		batchSize, concurrency        int
		force                         bool
	)
	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Decode every file in a directory concurrently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.decodeOptions(family, mode, outDir, batchSize)
			if err != nil {
				return err
			}
			opts.force = force
			if concurrency <= 0 {
				concurrency = a.cfg.Concurrency
			}
			files, err := common.ListSourceFiles(args[0], pattern)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no files in %s\n", args[0])
				return nil
			}
			if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var (
				mu        sync.Mutex
				summaries = make([]report.Summary, len(files))
				failures  []error
				outputs   []string
			)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(concurrency)
			for i, path := range files {
				i, path := i, path
				g.Go(func() error {
					sum, err := a.decodeFile(ctx, store, path, opts, common.NewMetrics())
					a.journalRun(opts, sum, err)
					if err != nil {
						a.logger.Error("batch decode", zap.String("source", path), zap.Error(err))
						mu.Lock()
						failures = append(failures, fmt.Errorf("%s: %w", filepath.Base(path), err))
						mu.Unlock()
						return nil
					}
					summaries[i] = sum
					out := filepath.Join(opts.outDir, outputBase(path)+".summary.json")
					if err := report.SaveSummaryJSON(sum, out); err != nil {
						return fmt.Errorf("write summary for %s: %w", path, err)
					}
					mu.Lock()
					outputs = append(outputs, out, filepath.Join(opts.outDir, outputBase(path)+".ndjson"))
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if err := writeManifest(opts.outDir, outputs); err != nil {
				return err
			}
			total := 0
			for _, sum := range summaries {
				if sum.Source == "" {
					continue
				}
				printSummary(cmd.OutOrStdout(), sum)
				total += sum.TotalRecords()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d files, %d records, %d failed\n", len(files), total, len(failures))
			return errors.Join(failures...)
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "instrument family (adcps|dostad|flortd|phsen)")
	cmd.Flags().StringVar(&mode, "mode", "", "source mode (recovered|telemetered)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "directory for NDJSON and summary output")
	cmd.Flags().StringVar(&pattern, "pattern", "", "only decode file names matching this glob")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per pull")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "files decoded in parallel (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "decode again even if the stored state says ingested")
	return cmd
}

// writeManifest lists the batch outputs that exist, plus the journal.
func writeManifest(outDir string, outputs []string) error {
	outputs = append(outputs, filepath.Join(outDir, journalFileName))
	sort.Strings(outputs)
	existing := outputs[:0]
	for _, p := range outputs {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	m, err := report.BuildManifest(outDir, existing)
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	return report.SaveManifest(m, filepath.Join(outDir, manifestFileName))
}
