// Command bboxfill computes the bounding box of every GeoJSON geometry in a
// table and writes it back to four bound columns of the same row.
//
// Usage:
//
//	bboxfill run --config configs/sample.yaml
//	bboxfill run --kind sqlite --dsn parcels.db --table parcels --chunk-size 50000
//	bboxfill validate --config configs/sample.yaml
//
// Exit status: 0 success, 1 run failure, 2 invalid configuration,
// 130 interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"bboxfill/internal/config"

	// register all backends with the storage factory.
	_ "bboxfill/internal/storage/all"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInvalid     = 2
	exitInterrupted = 130
)

// exitError carries a process exit status out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI with args and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "bboxfill: %v\n", ee.err)
		}
		return ee.code
	}
	// Flag and argument errors.
	fmt.Fprintf(stderr, "bboxfill: %v\n", err)
	return exitInvalid
}

// flagValues holds command-line overrides. Only flags that were set on the
// command line are applied over the loaded configuration.
type flagValues struct {
	configPath string

	job            string
	kind           string
	dsn            string
	table          string
	keyColumn      string
	geometryColumn string

	chunkSize   int
	workers     int
	maxRetries  int
	startOffset int64
	dryRun      bool
	policy      string
	encoding    string

	logLevel string
	logFile  string
	errorLog string
	console  bool

	metricsBackend string
	pushgatewayURL string
	datadogAddr    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var fv flagValues

	root := &cobra.Command{
		Use:           "bboxfill",
		Short:         "Backfill bounding boxes of GeoJSON geometries stored in a table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&fv.configPath, "config", "c", "", "config file (.json, .yaml or .yml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Compute and write bounds for every row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPipeline(cmd.Flags(), fv)
			if err != nil {
				return &exitError{code: exitInvalid, err: err}
			}
			if code := execute(cmd.Context(), p, stdout, stderr); code != exitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	bindRunFlags(runCmd.Flags(), &fv)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadPipeline(cmd.Flags(), fv)
			if err != nil {
				return &exitError{code: exitInvalid, err: err}
			}
			if printIssues(stderr, config.ValidatePipeline(p)) {
				return &exitError{code: exitInvalid, err: errors.New("configuration is invalid")}
			}
			fmt.Fprintln(stdout, "configuration is valid")
			return nil
		},
	}
	bindRunFlags(validateCmd.Flags(), &fv)

	root.AddCommand(runCmd, validateCmd)
	return root
}

func bindRunFlags(fs *pflag.FlagSet, fv *flagValues) {
	fs.StringVar(&fv.job, "job", "", "job name used in logs and metrics")
	fs.StringVar(&fv.kind, "kind", "", "storage kind: postgres, mysql, mssql or sqlite")
	fs.StringVar(&fv.dsn, "dsn", "", "database DSN (sqlite: database file)")
	fs.StringVar(&fv.table, "table", "", "table to backfill")
	fs.StringVar(&fv.keyColumn, "key-column", "", "unique key column")
	fs.StringVar(&fv.geometryColumn, "geometry-column", "", "GeoJSON geometry column")

	fs.IntVar(&fv.chunkSize, "chunk-size", 0, "rows per batch")
	fs.IntVar(&fv.workers, "workers", 0, "extraction workers (0 = NumCPU)")
	fs.IntVar(&fv.maxRetries, "max-retries", 0, "retries per batch read or write")
	fs.Int64Var(&fv.startOffset, "start-offset", 0, "resume from this committed offset")
	fs.BoolVar(&fv.dryRun, "dry-run", false, "compute bounds without writing")
	fs.StringVar(&fv.policy, "unresolved", "", "unresolved rows: write-null or skip")
	fs.StringVar(&fv.encoding, "encoding", "", "payload character set (default utf-8)")

	fs.StringVar(&fv.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&fv.logFile, "log-file", "", "append the run log to this file")
	fs.StringVar(&fv.errorLog, "error-log", "", "append failed rows to this file")
	fs.BoolVar(&fv.console, "console", false, "human-readable log output")

	fs.StringVar(&fv.metricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway or datadog")
	fs.StringVar(&fv.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL")
	fs.StringVar(&fv.datadogAddr, "datadog-addr", "", "DogStatsD address")
}

// loadPipeline builds the configuration: defaults, config file, environment,
// then explicitly set flags.
func loadPipeline(fs *pflag.FlagSet, fv flagValues) (config.Pipeline, error) {
	p, err := config.Load(fv.configPath)
	if err != nil {
		return config.Pipeline{}, err
	}
	applyFlags(fs, &p, fv)
	return p, nil
}

func applyFlags(fs *pflag.FlagSet, p *config.Pipeline, fv flagValues) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("job", func() { p.Job = fv.job })
	set("kind", func() { p.Storage.Kind = fv.kind })
	set("dsn", func() { p.Storage.DB.DSN = fv.dsn })
	set("table", func() { p.Storage.DB.Table = fv.table })
	set("key-column", func() { p.Storage.DB.KeyColumn = fv.keyColumn })
	set("geometry-column", func() { p.Storage.DB.GeometryColumn = fv.geometryColumn })
	set("chunk-size", func() { p.Runtime.ChunkSize = fv.chunkSize })
	set("workers", func() { p.Runtime.Workers = fv.workers })
	set("max-retries", func() { p.Runtime.MaxRetries = fv.maxRetries })
	set("start-offset", func() { p.Runtime.StartOffset = fv.startOffset })
	set("dry-run", func() { p.Runtime.DryRun = fv.dryRun })
	set("unresolved", func() { p.Policy.Unresolved = fv.policy })
	set("encoding", func() { p.Geometry.Encoding = fv.encoding })
	set("log-level", func() { p.Logging.Level = fv.logLevel })
	set("log-file", func() { p.Logging.File = fv.logFile })
	set("error-log", func() { p.Logging.ErrorLog = fv.errorLog })
	set("console", func() { p.Logging.Console = fv.console })
	set("metrics-backend", func() { p.Metrics.Backend = fv.metricsBackend })
	set("pushgateway-url", func() { p.Metrics.PushgatewayURL = fv.pushgatewayURL })
	set("datadog-addr", func() { p.Metrics.DatadogAddr = fv.datadogAddr })
}

// printIssues writes validation issues to w and reports whether any is an
// error.
func printIssues(w io.Writer, issues []config.Issue) bool {
	for _, iss := range issues {
		fmt.Fprintf(w, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	return config.HasErrors(issues)
}
