// Package config defines the configuration model for a bounds backfill run.
// A Pipeline is built from defaults, then a JSON or YAML file, then BBOX_*
// environment variables; the CLI applies its flags last.
//
// Example (YAML):
//
//	job: parcels-2025
//	storage:
//	  kind: mysql
//	  db:
//	    host: db.internal
//	    user: gis
//	    name: cadastre
//	    table: parcels
//	runtime:
//	  chunk_size: 50000
//	policy:
//	  unresolved: skip
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"

	"bboxfill/internal/storage"
)

// Pipeline is the top-level configuration object.
type Pipeline struct {
	// Job names the run in logs, metrics and the error log header.
	Job string `json:"job" yaml:"job"`

	Storage  Storage       `json:"storage" yaml:"storage"`
	Runtime  RuntimeConfig `json:"runtime" yaml:"runtime"`
	Policy   Policy        `json:"policy" yaml:"policy"`
	Geometry Geometry      `json:"geometry" yaml:"geometry"`
	Logging  Logging       `json:"logging" yaml:"logging"`
	Metrics  Metrics       `json:"metrics" yaml:"metrics"`

	// envIssues holds environment values ApplyEnv could not parse;
	// ValidatePipeline reports them.
	envIssues []Issue
}

// Storage selects the backend and the table to backfill.
type Storage struct {
	// Kind is one of postgres, mysql, mssql, sqlite.
	Kind string   `json:"kind" yaml:"kind"`
	DB   DBConfig `json:"db" yaml:"db"`
}

// DBConfig describes the connection and the table layout. When DSN is empty
// it is built from Host/Port/User/Password/Name (for sqlite, Name is the
// database file).
type DBConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Name     string `json:"name" yaml:"name"`

	Table          string        `json:"table" yaml:"table"`
	KeyColumn      string        `json:"key_column" yaml:"key_column"`
	GeometryColumn string        `json:"geometry_column" yaml:"geometry_column"`
	Bounds         BoundsColumns `json:"bounds" yaml:"bounds"`
}

// BoundsColumns names the four output columns.
type BoundsColumns struct {
	MinX string `json:"min_x" yaml:"min_x"`
	MaxX string `json:"max_x" yaml:"max_x"`
	MinY string `json:"min_y" yaml:"min_y"`
	MaxY string `json:"max_y" yaml:"max_y"`
}

// RuntimeConfig controls batching, parallelism and retries.
type RuntimeConfig struct {
	ChunkSize        int      `json:"chunk_size" yaml:"chunk_size"`
	Workers          int      `json:"workers" yaml:"workers"` // 0 means NumCPU
	MaxRetries       int      `json:"max_retries" yaml:"max_retries"`
	RetryBackoff     Duration `json:"retry_backoff" yaml:"retry_backoff"`
	ProgressInterval Duration `json:"progress_interval" yaml:"progress_interval"`
	StartOffset      int64    `json:"start_offset" yaml:"start_offset"`
	DryRun           bool     `json:"dry_run" yaml:"dry_run"`
}

// Policy holds run-wide decisions about unresolved rows.
type Policy struct {
	// Unresolved is write-null or skip.
	Unresolved string `json:"unresolved" yaml:"unresolved"`
}

// Geometry configures payload decoding.
type Geometry struct {
	// Encoding is the character set of stored payloads (e.g. cp949). Empty
	// means UTF-8.
	Encoding string `json:"encoding" yaml:"encoding"`
}

// Logging configures the run log and the row error log.
type Logging struct {
	Level            string `json:"level" yaml:"level"`
	Console          bool   `json:"console" yaml:"console"`
	File             string `json:"file" yaml:"file"`
	ErrorLog         string `json:"error_log" yaml:"error_log"`
	ErrorDetailLimit int    `json:"error_detail_limit" yaml:"error_detail_limit"`
	PayloadMaxBytes  int    `json:"payload_max_bytes" yaml:"payload_max_bytes"`
}

// Metrics selects the metrics backend: none, pushgateway or datadog.
type Metrics struct {
	Backend        string `json:"backend" yaml:"backend"`
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url"`
	DatadogAddr    string `json:"datadog_addr" yaml:"datadog_addr"`
}

// Duration is a time.Duration that decodes from "500ms" style strings or from
// integer nanoseconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.ShortTag() == "!!int" {
		v, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	return d.parse(n.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Default returns a Pipeline with every tunable at its default.
func Default() Pipeline {
	return Pipeline{
		Job: "bboxfill",
		Storage: Storage{
			Kind: "mysql",
			DB: DBConfig{
				KeyColumn:      "shapeid",
				GeometryColumn: "geometry",
				Bounds: BoundsColumns{
					MinX: "minX",
					MaxX: "maxX",
					MinY: "minY",
					MaxY: "maxY",
				},
			},
		},
		Runtime: RuntimeConfig{
			ChunkSize:        100000,
			MaxRetries:       3,
			RetryBackoff:     Duration(500 * time.Millisecond),
			ProgressInterval: Duration(3 * time.Second),
		},
		Policy: Policy{Unresolved: string(storage.WriteNull)},
		Logging: Logging{
			Level:            "info",
			File:             "bboxfill.log",
			ErrorLog:         "bboxfill_errors.log",
			ErrorDetailLimit: 100,
			PayloadMaxBytes:  512,
		},
		Metrics: Metrics{Backend: "none"},
	}
}

// Load returns Default() overlaid with the file at path (.json, .yaml or
// .yml) and then with the process environment. An empty path skips the file.
func Load(path string) (Pipeline, error) {
	p := Default()
	if path != "" {
		if err := decodeFile(path, &p); err != nil {
			return Pipeline{}, err
		}
	}
	ApplyEnv(&p, os.Getenv)
	return p, nil
}

func decodeFile(path string, p *Pipeline) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q (want .json, .yaml or .yml)", path, ext)
	}
	return nil
}

// ApplyEnv overlays BBOX_* variables read through getenv. Unset values leave
// the field unchanged; unparsable ones leave it unchanged too and are
// reported as errors by ValidatePipeline.
func ApplyEnv(p *Pipeline, getenv func(string) string) {
	invalid := func(k, want string) {
		p.envIssues = append(p.envIssues, Issue{
			Severity: SeverityError,
			Path:     "env." + k,
			Message:  fmt.Sprintf("%q is not a valid %s", getenv(k), want),
		})
	}
	num := func(dst *int, k string) {
		n, err := getenvInt(getenv, k, *dst)
		if err != nil {
			invalid(k, "integer")
		}
		*dst = n
	}
	str := func(dst *string, k string) {
		if v := getenv(k); v != "" {
			*dst = v
		}
	}
	str(&p.Job, "BBOX_JOB")
	str(&p.Storage.Kind, "BBOX_STORAGE_KIND")
	str(&p.Storage.DB.DSN, "BBOX_DSN")
	str(&p.Storage.DB.Host, "BBOX_DB_HOST")
	str(&p.Storage.DB.User, "BBOX_DB_USER")
	str(&p.Storage.DB.Password, "BBOX_DB_PASSWORD")
	str(&p.Storage.DB.Name, "BBOX_DB_NAME")
	str(&p.Storage.DB.Table, "BBOX_TABLE")
	str(&p.Policy.Unresolved, "BBOX_UNRESOLVED")
	str(&p.Geometry.Encoding, "BBOX_GEOMETRY_ENCODING")
	str(&p.Logging.Level, "BBOX_LOG_LEVEL")
	str(&p.Logging.File, "BBOX_LOG_FILE")
	str(&p.Logging.ErrorLog, "BBOX_ERROR_LOG")
	str(&p.Metrics.Backend, "BBOX_METRICS_BACKEND")
	str(&p.Metrics.PushgatewayURL, "PUSHGATEWAY_URL")
	str(&p.Metrics.DatadogAddr, "DD_DOGSTATSD_URL")

	num(&p.Storage.DB.Port, "BBOX_DB_PORT")
	num(&p.Runtime.ChunkSize, "BBOX_CHUNK_SIZE")
	num(&p.Runtime.Workers, "BBOX_WORKERS")
	num(&p.Runtime.MaxRetries, "BBOX_MAX_RETRIES")
	if v := getenv("BBOX_START_OFFSET"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			p.Runtime.StartOffset = n
		} else {
			invalid("BBOX_START_OFFSET", "integer")
		}
	}

	if v := getenv("BBOX_RETRY_BACKOFF"); v != "" {
		if err := p.Runtime.RetryBackoff.parse(v); err != nil {
			invalid("BBOX_RETRY_BACKOFF", "duration")
		}
	}
	if v := getenv("BBOX_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			p.Runtime.DryRun = b
		} else {
			invalid("BBOX_DRY_RUN", "boolean")
		}
	}
}

// getenvInt returns the integer value of k, or def when unset. An invalid
// value returns def and the parse error.
func getenvInt(getenv func(string) string, k string, def int) (int, error) {
	s := getenv(k)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

// pickInt chooses the first positive value 'a', otherwise returns 'b'.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

// EffectiveWorkers is Runtime.Workers, or NumCPU when unset.
func (p Pipeline) EffectiveWorkers() int {
	return pickInt(p.Runtime.Workers, runtime.NumCPU())
}

// DefaultPort returns the conventional port for a storage kind, or 0.
func DefaultPort(kind string) int {
	switch kind {
	case "postgres":
		return 5432
	case "mysql":
		return 3306
	case "mssql":
		return 1433
	}
	return 0
}

// ResolveDSN returns DSN when set, otherwise builds one for kind from the
// discrete connection fields.
func (db DBConfig) ResolveDSN(kind string) (string, error) {
	if s := strings.TrimSpace(db.DSN); s != "" {
		return s, nil
	}
	if kind == "sqlite" {
		if db.Name == "" {
			return "", fmt.Errorf("sqlite: dsn or name (database file) is required")
		}
		return db.Name, nil
	}
	if db.Host == "" {
		return "", fmt.Errorf("%s: dsn or host is required", kind)
	}
	addr := net.JoinHostPort(db.Host, strconv.Itoa(pickInt(db.Port, DefaultPort(kind))))

	switch kind {
	case "mysql":
		c := mysql.NewConfig()
		c.User = db.User
		c.Passwd = db.Password
		c.Net = "tcp"
		c.Addr = addr
		c.DBName = db.Name
		return c.FormatDSN(), nil
	case "postgres":
		u := url.URL{Scheme: "postgres", Host: addr, Path: "/" + db.Name}
		if db.User != "" {
			u.User = url.UserPassword(db.User, db.Password)
		}
		return u.String(), nil
	case "mssql":
		u := url.URL{Scheme: "sqlserver", Host: addr}
		if db.User != "" {
			u.User = url.UserPassword(db.User, db.Password)
		}
		if db.Name != "" {
			u.RawQuery = url.Values{"database": {db.Name}}.Encode()
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unsupported storage.kind=%s", kind)
	}
}

// ToStorage converts the storage section into a repository configuration.
func (p Pipeline) ToStorage() (storage.Config, error) {
	dsn, err := p.Storage.DB.ResolveDSN(p.Storage.Kind)
	if err != nil {
		return storage.Config{}, err
	}
	db := p.Storage.DB
	return storage.Config{
		Kind:           p.Storage.Kind,
		DSN:            dsn,
		Table:          db.Table,
		KeyColumn:      db.KeyColumn,
		GeometryColumn: db.GeometryColumn,
		Bounds: storage.BoundsColumns{
			MinX: db.Bounds.MinX,
			MaxX: db.Bounds.MaxX,
			MinY: db.Bounds.MinY,
			MaxY: db.Bounds.MaxY,
		},
	}, nil
}
