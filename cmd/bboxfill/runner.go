package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"bboxfill/internal/config"
	"bboxfill/internal/geometry"
	"bboxfill/internal/logger"
	"bboxfill/internal/metrics"
	"bboxfill/internal/metrics/datadog"
	"bboxfill/internal/metrics/prompush"
	"bboxfill/internal/pipeline"
	"bboxfill/internal/sink"
	"bboxfill/internal/storage"
)

// newRepositoryFn is a test seam for repository construction.
var newRepositoryFn = storage.New

// execute validates p, wires logging, metrics, storage and sinks, runs the
// pipeline and prints the final summary. It returns the process exit status.
func execute(ctx context.Context, p config.Pipeline, stdout, stderr io.Writer) int {
	if printIssues(stderr, config.ValidatePipeline(p)) {
		fmt.Fprintln(stderr, "bboxfill: configuration is invalid")
		return exitInvalid
	}

	runID := ulid.Make().String()
	lg, err := logger.Build(logger.Config{
		Level:     p.Logging.Level,
		Console:   p.Logging.Console,
		File:      p.Logging.File,
		Job:       p.Job,
		Component: "bboxfill",
	}, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "bboxfill: %v\n", err)
		return exitFailure
	}
	defer lg.Close()
	log := lg.With().Str("run_id", runID).Logger()

	flush := setupMetrics(p, log)
	defer flush()

	// Both values were checked by ValidatePipeline.
	policy, _ := storage.ParsePolicy(p.Policy.Unresolved)
	dec, _ := geometry.NewDecoder(p.Geometry.Encoding)

	elog, err := sink.OpenErrorLog(p.Logging.ErrorLog, sink.ErrorLogOptions{
		RunID:       runID,
		Job:         p.Job,
		DetailLimit: p.Logging.ErrorDetailLimit,
		PayloadMax:  p.Logging.PayloadMaxBytes,
	})
	if err != nil {
		log.Error().Err(err).Msg("open error log")
		return exitFailure
	}
	defer func() {
		if err := elog.Close(); err != nil {
			log.Error().Err(err).Str("path", elog.Path()).Msg("close error log")
		}
	}()

	paths := logPaths{run: lg.Path(), errors: elog.Path()}

	scfg, err := p.ToStorage()
	if err != nil {
		return reportSetupFailure(stdout, log, paths, &pipeline.RunFailure{Phase: pipeline.PhaseConnect, Err: err})
	}
	log.Info().
		Str("storage", scfg.Kind).
		Str("table", scfg.Table).
		Str("error_log", elog.Path()).
		Msg("connecting")
	repo, err := newRepositoryFn(ctx, scfg)
	if err != nil {
		return reportSetupFailure(stdout, log, paths, &pipeline.RunFailure{Phase: pipeline.PhaseConnect, Err: err})
	}
	defer repo.Close()

	progress := sink.NewProgress(stderr, log, p.Runtime.ProgressInterval.D())
	pl, err := pipeline.New(repo, pipeline.Options{
		Job:          p.Job,
		ChunkSize:    p.Runtime.ChunkSize,
		Workers:      p.EffectiveWorkers(),
		StartOffset:  p.Runtime.StartOffset,
		MaxRetries:   p.Runtime.MaxRetries,
		RetryBackoff: p.Runtime.RetryBackoff.D(),
		Policy:       policy,
		DryRun:       p.Runtime.DryRun,
		Decoder:      dec,
	}, elog, progress, log)
	if err != nil {
		return reportSetupFailure(stdout, log, paths, &pipeline.RunFailure{Phase: "setup", Err: err})
	}

	sum, runErr := pl.Run(ctx)
	if err := elog.Flush(); err != nil && runErr == nil {
		runErr = &pipeline.RunFailure{Phase: pipeline.PhaseErrorLog, Offset: sum.Offset, Err: err}
		sum.State = pipeline.StateFailed
	}
	printSummary(stdout, sum, runErr, paths)
	return exitCode(sum.State)
}

type logPaths struct {
	run    string
	errors string
}

func reportSetupFailure(w io.Writer, log zerolog.Logger, paths logPaths, rf *pipeline.RunFailure) int {
	log.Error().Err(rf).Str("phase", rf.Phase).Msg("setup failed")
	printSummary(w, pipeline.Summary{State: pipeline.StateFailed, Total: -1}, rf, paths)
	return exitFailure
}

func exitCode(st pipeline.State) int {
	switch st {
	case pipeline.StateDone:
		return exitOK
	case pipeline.StateInterrupted:
		return exitInterrupted
	default:
		return exitFailure
	}
}

// printSummary writes the human-readable end-of-run report.
func printSummary(w io.Writer, sum pipeline.Summary, runErr error, paths logPaths) {
	total := "unknown"
	if sum.Total >= 0 {
		total = humanize.Comma(sum.Total)
	}
	fmt.Fprintf(w, "%s: read=%s/%s resolved=%s unresolved=%s written=%s skipped=%s batches=%s elapsed=%s\n",
		sum.State,
		humanize.Comma(sum.Read), total,
		humanize.Comma(sum.Resolved),
		humanize.Comma(sum.Unresolved),
		humanize.Comma(sum.Written),
		humanize.Comma(sum.Skipped),
		humanize.Comma(sum.Batches),
		sum.Elapsed.Round(time.Millisecond),
	)
	if sum.State == pipeline.StateDone {
		return
	}

	if runErr != nil {
		fmt.Fprintf(w, "error: %v\n", runErr)
		var rf *pipeline.RunFailure
		if errors.As(runErr, &rf) {
			fmt.Fprintf(w, "phase: %s (batch offset %d)\n", rf.Phase, rf.Offset)
		}
	}
	fmt.Fprintf(w, "committed offset: %d (resume with --start-offset=%d)\n", sum.Offset, sum.Offset)
	if paths.run != "" {
		fmt.Fprintf(w, "run log: %s\n", paths.run)
	}
	if paths.errors != "" {
		fmt.Fprintf(w, "error log: %s\n", paths.errors)
	}
}

// setupMetrics installs the configured metrics backend and returns a
// function that flushes it. Backend failures are logged, never fatal.
func setupMetrics(p config.Pipeline, log zerolog.Logger) func() {
	var (
		b   metrics.Backend
		err error
	)
	switch p.Metrics.Backend {
	case "pushgateway":
		b, err = prompush.NewBackend(p.Job, p.Metrics.PushgatewayURL)
	case "datadog":
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       p.Metrics.DatadogAddr,
			Namespace:  "bboxfill.",
			GlobalTags: []string{"job:" + p.Job},
		})
	default:
		log.Debug().Str("backend", p.Metrics.Backend).Msg("metrics: disabled")
		return func() {}
	}
	if err != nil {
		log.Warn().Err(err).Str("backend", p.Metrics.Backend).Msg("metrics: init failed; using nop")
		return func() {}
	}

	log.Info().Str("backend", p.Metrics.Backend).Msg("metrics: enabled")
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn().Err(err).Msg("metrics: flush error")
		}
	}
}
