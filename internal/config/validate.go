// Package config provides configuration models and helpers for bounds
// backfill runs.
//
// This file adds a lightweight linter/validator for Pipeline values. It
// performs static checks over a loaded Pipeline and returns a list of issues
// (errors and warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"bboxfill/internal/geometry"
	"bboxfill/internal/storage"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "storage.kind",
// "storage.db.bounds.min_x"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePipeline performs static validation / linting of a Pipeline.
//
// It does not mutate the pipeline and does not connect to the database.
// Callers may decide whether to treat warnings as fatal or not.
func ValidatePipeline(p Pipeline) []Issue {
	issues := append([]Issue(nil), p.envIssues...)

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty",
		})
	}

	issues = append(issues, validateStorage(p.Storage)...)
	issues = append(issues, validateRuntime(p.Runtime)...)

	if _, err := storage.ParsePolicy(p.Policy.Unresolved); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "policy.unresolved",
			Message:  err.Error(),
		})
	}
	if _, err := geometry.NewDecoder(p.Geometry.Encoding); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "geometry.encoding",
			Message:  err.Error(),
		})
	}

	issues = append(issues, validateLogging(p.Logging)...)
	issues = append(issues, validateMetrics(p.Metrics)...)
	return issues
}

var knownKinds = map[string]struct{}{
	"postgres": {},
	"mysql":    {},
	"mssql":    {},
	"sqlite":   {},
}

// validateStorage checks the backend kind, connection and column names.
func validateStorage(s Storage) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  "storage.kind must not be empty",
		})
	}
	if _, ok := knownKinds[s.Kind]; !ok {
		return append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.kind",
			Message:  fmt.Sprintf("unknown storage kind %q (want postgres, mysql, mssql or sqlite)", s.Kind),
		})
	}

	db := s.DB
	if _, err := db.ResolveDSN(s.Kind); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.dsn",
			Message:  err.Error(),
		})
	}
	if db.DSN != "" && db.Host != "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "storage.db.host",
			Message:  "both dsn and host are set; host/port/user/password/name are ignored",
		})
	}
	if db.Port < 0 || db.Port > 65535 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "storage.db.port",
			Message:  fmt.Sprintf("port %d out of range", db.Port),
		})
	}

	cols := []struct {
		path, name string
	}{
		{"storage.db.table", db.Table},
		{"storage.db.key_column", db.KeyColumn},
		{"storage.db.geometry_column", db.GeometryColumn},
		{"storage.db.bounds.min_x", db.Bounds.MinX},
		{"storage.db.bounds.max_x", db.Bounds.MaxX},
		{"storage.db.bounds.min_y", db.Bounds.MinY},
		{"storage.db.bounds.max_y", db.Bounds.MaxY},
	}
	seen := make(map[string]string, len(cols))
	for i, c := range cols {
		if strings.TrimSpace(c.name) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     c.path,
				Message:  c.path + " must not be empty",
			})
			continue
		}
		if i == 0 {
			continue
		}
		k := strings.ToLower(c.name)
		if prev, dup := seen[k]; dup {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     c.path,
				Message:  fmt.Sprintf("column %q is also used by %s", c.name, prev),
			})
			continue
		}
		seen[k] = c.path
	}

	return issues
}

// validateRuntime validates RuntimeConfig for obvious misconfigurations
// (negative values, zero-sized batches, etc.).
func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue

	if r.ChunkSize <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.chunk_size",
			Message:  fmt.Sprintf("chunk_size=%d; must be positive", r.ChunkSize),
		})
	}
	if r.Workers < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.workers",
			Message:  "workers must not be negative",
		})
	} else if limit := 4 * runtime.NumCPU(); r.Workers > limit {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.workers",
			Message:  fmt.Sprintf("workers=%d exceeds 4x NumCPU (%d); extraction is CPU bound", r.Workers, limit),
		})
	}
	if r.MaxRetries < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.max_retries",
			Message:  "max_retries must not be negative",
		})
	}
	if r.RetryBackoff < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.retry_backoff",
			Message:  "retry_backoff must not be negative",
		})
	}
	if r.ProgressInterval <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.progress_interval",
			Message:  "progress_interval must be positive",
		})
	}
	if r.StartOffset < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.start_offset",
			Message:  "start_offset must not be negative",
		})
	}

	return issues
}

func validateLogging(l Logging) []Issue {
	var issues []Issue

	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "logging.level",
			Message:  fmt.Sprintf("unknown level %q; using info", l.Level),
		})
	}
	if strings.TrimSpace(l.ErrorLog) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "logging.error_log",
			Message:  "logging.error_log must not be empty; failed rows are always recorded",
		})
	}
	if l.ErrorDetailLimit < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "logging.error_detail_limit",
			Message:  "error_detail_limit must not be negative",
		})
	}
	if l.PayloadMaxBytes < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "logging.payload_max_bytes",
			Message:  "payload_max_bytes must not be negative",
		})
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	switch m.Backend {
	case "", "none":
		return nil
	case "pushgateway":
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			return []Issue{{
				Severity: SeverityError,
				Path:     "metrics.pushgateway_url",
				Message:  "pushgateway backend requires metrics.pushgateway_url",
			}}
		}
	case "datadog":
		if strings.TrimSpace(m.DatadogAddr) == "" {
			return []Issue{{
				Severity: SeverityError,
				Path:     "metrics.datadog_addr",
				Message:  "datadog backend requires metrics.datadog_addr",
			}}
		}
	default:
		return []Issue{{
			Severity: SeverityError,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q (want none, pushgateway or datadog)", m.Backend),
		}}
	}
	return nil
}
