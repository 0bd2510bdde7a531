package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/siomule/internal/common"
	"example.com/siomule/internal/engine"
	"example.com/siomule/internal/instrument"
	"example.com/siomule/internal/report"
	"example.com/siomule/internal/state"
	"example.com/siomule/internal/statestore"
)

const journalFileName = "runs.jsonl"

// decodeOptions are the per-run settings shared by decode and batch.
type decodeOptions struct {
	family     instrument.Family
	mode       engine.Mode
	batchSize  int
	chunkSize  int
	outDir     string
	force      bool
	resetFirst bool
	journal    *common.Journal
}

func (a *app) decodeOptions(family, mode, outDir string, batchSize int) (decodeOptions, error) {
	opts := decodeOptions{
		batchSize: a.cfg.BatchSize,
		chunkSize: a.cfg.ReadChunkSize,
		outDir:    a.cfg.OutputDir,
		mode:      a.cfg.EngineMode(),
	}
	if family == "" {
		family = a.cfg.Family
	}
	if family == "" {
		return opts, errors.New("required: --family")
	}
	f, err := instrument.ParseFamily(family)
	if err != nil {
		return opts, err
	}
	opts.family = f
	if mode != "" {
		m, err := engine.ParseMode(mode)
		if err != nil {
			return opts, err
		}
		opts.mode = m
	}
	if outDir != "" {
		opts.outDir = outDir
	}
	if batchSize > 0 {
		opts.batchSize = batchSize
	}
	opts.journal = common.NewJournal(filepath.Join(opts.outDir, journalFileName))
	return opts, nil
}

func newDecodeCommand(a *app) *cobra.Command {
	var (
		family, mode, outDir, summaryPath string
		batchSize                         int
		force, reset, progress            bool
	)
	cmd := &cobra.Command{
		Use:   "decode <file>",
		Short: "Decode one file, resuming from its persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.decodeOptions(family, mode, outDir, batchSize)
			if err != nil {
				return err
			}
			opts.force, opts.resetFirst = force, reset
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			metrics := common.NewMetrics()
			if progress {
				stop := common.StartProgressPrinter(cmd.ErrOrStderr(), metrics, time.Second)
				defer stop()
			}
			sum, err := a.decodeFile(cmd.Context(), store, args[0], opts, metrics)
			a.journalRun(opts, sum, err)
			if err != nil {
				return err
			}
			if summaryPath != "" {
				if err := report.SaveSummaryJSON(sum, summaryPath); err != nil {
					return fmt.Errorf("write summary: %w", err)
				}
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "instrument family (adcps|dostad|flortd|phsen)")
	cmd.Flags().StringVar(&mode, "mode", "", "source mode (recovered|telemetered)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "directory for NDJSON record output")
	cmd.Flags().StringVar(&summaryPath, "summary", "", "write the run summary JSON to this path")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per pull")
	cmd.Flags().BoolVar(&force, "force", false, "decode again even if the stored state says ingested")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard stored state before decoding")
	cmd.Flags().BoolVar(&progress, "progress", false, "display decode progress updates")
	return cmd
}

// runSink persists state to the store, appends records as NDJSON and
// collects reported problems into the run summary.
type runSink struct {
	binding *statestore.Binding
	out     *report.NDJSONWriter
	logger  *zap.Logger

	mu  sync.Mutex
	sum *report.Summary
}

func (s *runSink) PersistState(st state.State, ingested bool) error {
	return s.binding.PersistState(st, ingested)
}

func (s *runSink) EmitRecords(recs []instrument.Record) error {
	return s.out.WriteRecords(recs)
}

func (s *runSink) ReportError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ude *engine.UnexpectedDataError
	switch {
	case errors.As(err, &ude):
		s.sum.Unexpected = append(s.sum.Unexpected, report.Span{Start: ude.Start, End: ude.End})
	case errors.Is(err, instrument.ErrRecoverable):
		s.sum.DecodeErrors = append(s.sum.DecodeErrors, err.Error())
	default:
		s.logger.Error("parser error", zap.Error(err))
		s.sum.DecodeErrors = append(s.sum.DecodeErrors, err.Error())
	}
}

// outputBase names a source's output files after its base name without
// extension.
func outputBase(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// stateKey is the absolute source path.
func stateKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// decodeFile pulls every available record from path, appending them to
// <outDir>/<base>.ndjson and persisting state after every pull.
func (a *app) decodeFile(ctx context.Context, store *statestore.Bolt, path string, opts decodeOptions, metrics *common.Metrics) (report.Summary, error) {
	key := stateKey(path)
	logger := a.logger.With(zap.String("source", key))
	sum := report.Summary{
		Source:    key,
		Family:    opts.family.String(),
		Mode:      opts.mode.String(),
		StateKey:  key,
		StartedAt: time.Now().UTC(),
		Records:   map[string]int{},
	}

	if opts.resetFirst {
		if err := store.Delete(key); err != nil {
			return sum, fmt.Errorf("reset state: %w", err)
		}
	}
	var resume *state.State
	entry, err := store.Load(key)
	switch {
	case err == nil:
		if entry.Ingested && !opts.force {
			logger.Info("source already ingested, skipping")
			sum.Ingested = true
			sum.FinishedAt = time.Now().UTC()
			err := sum.SetState(entry.State)
			return sum, err
		}
		if !entry.Ingested {
			resume = &entry.State
		}
	case errors.Is(err, statestore.ErrNotFound):
	default:
		return sum, fmt.Errorf("load state for %s: %w", key, err)
	}

	src, err := engine.OpenFile(path, opts.chunkSize)
	if err != nil {
		return sum, err
	}
	defer src.Close()
	if size, err := src.Size(); err == nil {
		sum.SourceSize = size
		metrics.AddTotalBytes(size)
	}

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return sum, fmt.Errorf("create output dir: %w", err)
	}
	outPath := filepath.Join(opts.outDir, outputBase(path)+".ndjson")
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return sum, fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	out := report.NewNDJSONWriter(bw)

	sink := &runSink{binding: store.For(key), out: out, logger: logger, sum: &sum}
	engineOpts := []engine.Option{
		engine.WithMode(opts.mode),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
	}
	if resume != nil {
		engineOpts = append(engineOpts, engine.WithState(*resume))
	}
	p, err := engine.New(opts.family, src, sink, engineOpts...)
	if err != nil {
		return sum, err
	}

	metrics.Start()
	for {
		recs, err := p.Pull(ctx, opts.batchSize)
		if err != nil {
			metrics.Stop()
			return sum, fmt.Errorf("decode %s: %w", path, err)
		}
		if len(recs) < opts.batchSize {
			break
		}
	}
	metrics.Stop()
	if err := bw.Flush(); err != nil {
		return sum, fmt.Errorf("flush output: %w", err)
	}

	sum.Records = out.Counts()
	sum.Ingested = p.Ingested()
	sum.Metrics = metrics.Snapshot()
	sum.FinishedAt = time.Now().UTC()
	if digest, _, err := common.SHA256OfFile(path); err == nil {
		sum.SourceSHA256 = digest
	} else {
		logger.Warn("hash source", zap.Error(err))
	}
	if err := sum.SetState(p.State()); err != nil {
		return sum, err
	}
	logger.Info("decode finished",
		zap.Int("records", sum.TotalRecords()),
		zap.Int("decodeErrors", len(sum.DecodeErrors)),
		zap.Int("unexpected", len(sum.Unexpected)),
		zap.Bool("ingested", sum.Ingested))
	return sum, nil
}

// journalRun appends the outcome of a run to the output journal. Journal
// failures are logged and do not fail the run.
func (a *app) journalRun(opts decodeOptions, sum report.Summary, runErr error) {
	if sum.Source == "" {
		return
	}
	entry := common.JournalEntry{
		Source:       sum.Source,
		Family:       sum.Family,
		Mode:         sum.Mode,
		Records:      sum.TotalRecords(),
		DecodeErrors: len(sum.DecodeErrors),
		Unexpected:   len(sum.Unexpected),
		Ingested:     sum.Ingested,
		StateSHA256:  sum.StateSHA256,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := opts.journal.Append(entry); err != nil {
		a.logger.Warn("journal", zap.String("path", opts.journal.Path()), zap.Error(err))
	}
}

func printSummary(w io.Writer, sum report.Summary) {
	fmt.Fprintf(w, "%s: %d records", sum.Source, sum.TotalRecords())
	for _, name := range sum.Streams() {
		fmt.Fprintf(w, " %s=%d", name, sum.Records[name])
	}
	fmt.Fprintf(w, ", %d decode errors, %d unexpected spans, ingested=%t\n",
		len(sum.DecodeErrors), len(sum.Unexpected), sum.Ingested)
}
