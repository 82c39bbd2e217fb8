// Package config provides the configuration of the event producers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/pkg/types"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "EVENTGEN_"

// Config holds the full configuration of one producer run.
type Config struct {
	// DataDir is the base directory for local files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Generation parameters
	Generate GenerateConfig `json:"generate" yaml:"generate"`

	// Destination table
	Destination DestinationConfig `json:"destination" yaml:"destination"`

	// Warehouse engine
	Warehouse WarehouseConfig `json:"warehouse" yaml:"warehouse"`

	// Staging storage for bulk loads
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Ingestion behaviour
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	Log LogConfig `json:"log" yaml:"log"`

	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// GenerateConfig holds population parameters.
type GenerateConfig struct {
	Users     int           `json:"users" yaml:"users"`
	MinEvents int           `json:"min_events" yaml:"min_events"`
	MaxEvents int           `json:"max_events" yaml:"max_events"`
	Lookback  time.Duration `json:"lookback" yaml:"lookback"`
	Workers   int           `json:"workers" yaml:"workers"`

	// Seed seeds the random source; 0 picks a random seed
	Seed int64 `json:"seed" yaml:"seed"`

	// Source overrides the source stamped on records. Defaults per sink.
	Source string `json:"source" yaml:"source"`

	// Verify checks every generated record before it is ingested
	Verify bool `json:"verify" yaml:"verify"`
}

// DestinationConfig names the destination table.
type DestinationConfig struct {
	// Table is project.dataset.table
	Table string `json:"table" yaml:"table"`
}

// WarehouseConfig selects the warehouse engine.
type WarehouseConfig struct {
	// Driver is sqlite3 or postgres
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the data source name; for sqlite3 a file path
	DSN string `json:"dsn" yaml:"dsn"`

	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`
}

// StorageConfig holds staging storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`

	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// PartSizeMB is the multipart threshold and part size
	PartSizeMB int `json:"part_size_mb" yaml:"part_size_mb"`
}

// IngestConfig holds settings shared by both ingestion paths.
type IngestConfig struct {
	// WorkDir receives the local record file of bulk loads
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// Compression of the record file: none, snappy
	Compression string `json:"compression" yaml:"compression"`

	KeepFile   bool `json:"keep_file" yaml:"keep_file"`
	KeepStaged bool `json:"keep_staged" yaml:"keep_staged"`

	JobTimeout     time.Duration `json:"job_timeout" yaml:"job_timeout"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// RowPolicy is fail_on_any or tolerate:<fraction>
	RowPolicy string `json:"row_policy" yaml:"row_policy"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// RetryConfig bounds retries of uncommitted submission steps.
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	// Level is a logrus level name
	Level string `json:"level" yaml:"level"`

	// Format is json or text
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// File receives the metrics in text format at exit; empty disables
	File string `json:"file" yaml:"file"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/eventgen",
		Generate: GenerateConfig{
			Users:     200,
			MinEvents: 10,
			MaxEvents: 40,
			Lookback:  24 * time.Hour,
			Workers:   1,
		},
		Destination: DestinationConfig{
			Table: "event-driven-job-matching.job_matching_bronze.events_raw",
		},
		Warehouse: WarehouseConfig{
			Driver: "sqlite3",
		},
		Storage: StorageConfig{
			Type: "local",
			S3: S3Config{
				PartSizeMB: 5,
			},
		},
		Ingest: IngestConfig{
			Compression:    "none",
			KeepFile:       true,
			JobTimeout:     10 * time.Minute,
			PollInterval:   time.Second,
			RequestTimeout: 2 * time.Minute,
			RowPolicy:      "fail_on_any",
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/eventgen"
	}
	if c.Warehouse.Driver == "" {
		c.Warehouse.Driver = "sqlite3"
	}
	if c.Warehouse.Driver == "sqlite3" && c.Warehouse.DSN == "" {
		c.Warehouse.DSN = filepath.Join(c.DataDir, "warehouse.db")
	}

	// Resolve storage path
	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "staging")
	}

	// Resolve ingest paths
	if c.Ingest.WorkDir == "" {
		c.Ingest.WorkDir = filepath.Join(c.DataDir, "work")
	}
}

// TableRef parses the destination table.
func (c *Config) TableRef() (types.TableRef, error) {
	return types.ParseTableRef(c.Destination.Table)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	g := c.Generate
	if g.Users < 1 {
		return invalid("generate.users must be at least 1, got %d", g.Users)
	}
	if g.MinEvents < 1 || g.MaxEvents < g.MinEvents {
		return invalid("generate.min_events/max_events must satisfy 1 <= min <= max, got %d..%d", g.MinEvents, g.MaxEvents)
	}
	if g.Lookback < 0 {
		return invalid("generate.lookback must not be negative")
	}
	if g.Workers < 1 {
		return invalid("generate.workers must be at least 1, got %d", g.Workers)
	}

	if _, err := c.TableRef(); err != nil {
		return invalid("destination.table %q must be project.dataset.table", c.Destination.Table)
	}

	switch c.Warehouse.Driver {
	case "sqlite3", "postgres":
	default:
		return invalid("invalid warehouse driver: %s (must be sqlite3 or postgres)", c.Warehouse.Driver)
	}
	if c.Warehouse.DSN == "" {
		return invalid("warehouse.dsn is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return invalid("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return invalid("s3.bucket is required when storage type is s3")
	}
	if c.Storage.Type == "s3" && c.Storage.S3.PartSizeMB < 5 {
		return invalid("s3.part_size_mb must be at least 5, got %d", c.Storage.S3.PartSizeMB)
	}

	in := c.Ingest
	switch in.Compression {
	case "", "none", "snappy":
	default:
		return invalid("invalid ingest.compression: %s (must be none or snappy)", in.Compression)
	}
	if in.JobTimeout <= 0 || in.PollInterval <= 0 || in.RequestTimeout <= 0 {
		return invalid("ingest.job_timeout, poll_interval and request_timeout must be positive")
	}
	if in.PollInterval > in.JobTimeout {
		return invalid("ingest.poll_interval %s exceeds job_timeout %s", in.PollInterval, in.JobTimeout)
	}
	if in.Retry.MaxAttempts < 1 {
		return invalid("ingest.retry.max_attempts must be at least 1, got %d", in.Retry.MaxAttempts)
	}
	if in.Retry.InitialBackoff < 0 || in.Retry.MaxBackoff < in.Retry.InitialBackoff {
		return invalid("ingest.retry backoff must satisfy 0 <= initial <= max")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return apperrors.NewConfigError(fmt.Sprintf(format, args...), nil)
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewConfigError("failed to read config file", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.NewConfigError("failed to parse YAML config", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.NewConfigError("failed to parse JSON config", err)
		}
	default:
		return nil, invalid("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables onto cfg.
// Environment variables use the EVENTGEN_ prefix. Malformed values are
// reported rather than ignored.
func LoadFromEnv(cfg *Config) error {
	e := envReader{}

	e.stringVar("DATA_DIR", &cfg.DataDir)

	// Generation
	e.intVar("USERS", &cfg.Generate.Users)
	e.intVar("MIN_EVENTS", &cfg.Generate.MinEvents)
	e.intVar("MAX_EVENTS", &cfg.Generate.MaxEvents)
	e.durationVar("LOOKBACK", &cfg.Generate.Lookback)
	e.intVar("WORKERS", &cfg.Generate.Workers)
	e.int64Var("SEED", &cfg.Generate.Seed)
	e.stringVar("SOURCE", &cfg.Generate.Source)
	e.boolVar("VERIFY", &cfg.Generate.Verify)

	// Destination and warehouse
	e.stringVar("TABLE", &cfg.Destination.Table)
	e.stringVar("WAREHOUSE_DRIVER", &cfg.Warehouse.Driver)
	e.stringVar("WAREHOUSE_DSN", &cfg.Warehouse.DSN)

	// Storage configuration
	e.stringVar("STORAGE_TYPE", &cfg.Storage.Type)
	e.stringVar("STORAGE_PATH", &cfg.Storage.Path)
	e.stringVar("S3_BUCKET", &cfg.Storage.S3.Bucket)
	e.stringVar("S3_REGION", &cfg.Storage.S3.Region)
	e.stringVar("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	e.stringVar("S3_PREFIX", &cfg.Storage.S3.Prefix)
	e.boolVar("S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)

	// Ingest configuration
	e.stringVar("INGEST_WORK_DIR", &cfg.Ingest.WorkDir)
	e.stringVar("INGEST_COMPRESSION", &cfg.Ingest.Compression)
	e.boolVar("INGEST_KEEP_FILE", &cfg.Ingest.KeepFile)
	e.boolVar("INGEST_KEEP_STAGED", &cfg.Ingest.KeepStaged)
	e.durationVar("INGEST_JOB_TIMEOUT", &cfg.Ingest.JobTimeout)
	e.durationVar("INGEST_POLL_INTERVAL", &cfg.Ingest.PollInterval)
	e.durationVar("INGEST_REQUEST_TIMEOUT", &cfg.Ingest.RequestTimeout)
	e.stringVar("INGEST_ROW_POLICY", &cfg.Ingest.RowPolicy)
	e.intVar("INGEST_RETRY_MAX_ATTEMPTS", &cfg.Ingest.Retry.MaxAttempts)

	e.stringVar("LOG_LEVEL", &cfg.Log.Level)
	e.stringVar("LOG_FORMAT", &cfg.Log.Format)
	e.stringVar("METRICS_FILE", &cfg.Metrics.File)

	return e.err
}

// envReader records the first malformed variable.
type envReader struct {
	err error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = apperrors.NewConfigError(fmt.Sprintf("invalid %s%s=%q", EnvPrefix, name, v), err)
	}
}

func (e *envReader) stringVar(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) intVar(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) boolVar(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) durationVar(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Ingest.WorkDir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Warehouse.Driver == "sqlite3" && c.Warehouse.DSN != ":memory:" {
		dirs = append(dirs, filepath.Dir(strings.SplitN(c.Warehouse.DSN, "?", 2)[0]))
	}
	if c.Metrics.File != "" {
		dirs = append(dirs, filepath.Dir(c.Metrics.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return apperrors.NewConfigError(fmt.Sprintf("failed to create directory %s", dir), err)
		}
	}

	return nil
}
