package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/records"
	"github.com/abelbrown/blockgraph/internal/sampling"
)

// Backend selects the store implementation.
type Backend string

const (
	BackendBolt  Backend = "bolt"  // embedded bbolt files; endpoints are paths
	BackendCouch Backend = "couch" // CouchDB servers; endpoints are URLs
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLOCKGRAPH_"

// Config is the run configuration.
type Config struct {
	Backend Backend `yaml:"backend"`
	// Shards are shard endpoints: bbolt files, or couch URLs naming a database.
	Shards []string `yaml:"shards"`
	// Replicas are destination endpoints: bbolt files, or couch server URLs.
	Replicas []string `yaml:"replicas"`
	// IDStore holds identifier assignments; empty uses the first replica.
	IDStore     string               `yaml:"id_store"`
	Collections docstore.Collections `yaml:"collections"`

	Couch   CouchConfig   `yaml:"couch"`
	Load    LoadConfig    `yaml:"load"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Retry   RetryConfig   `yaml:"retry"`
	Build   BuildConfig   `yaml:"build"`
	Bulk    BulkConfig    `yaml:"bulk"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// CouchConfig tunes the HTTP client.
type CouchConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 is unlimited
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

// LoadConfig describes the record source.
type LoadConfig struct {
	Source         string         `yaml:"source"`
	Format         records.Format `yaml:"format"`
	BatchSize      int            `yaml:"batch_size"`
	MinSupport     int            `yaml:"min_support"`
	PruneEachBatch bool           `yaml:"prune_each_batch"`
	Append         bool           `yaml:"append"` // add to the shards instead of resetting them
}

// FetchConfig tunes shard reads.
type FetchConfig struct {
	PageSize    int `yaml:"page_size"`
	Concurrency int `yaml:"concurrency"` // 0 reads every shard at once
}

// RetryConfig bounds retries of page reads and chunk writes.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// BuildConfig tunes the split/write stage.
type BuildConfig struct {
	Workers       int `yaml:"workers"`
	BlocksPerTask int `yaml:"blocks_per_task"`
	HintCap       int `yaml:"hint_cap"`
	DebugLimit    int `yaml:"debug_limit"` // stop after this many blocks; 0 is off
}

// BulkConfig tunes destination writes.
type BulkConfig struct {
	ChunkSize int               `yaml:"chunk_size"`
	Selection sampling.Strategy `yaml:"selection"`
	Seed      int64             `yaml:"seed"`
}

// LogConfig configures the process log and the event log.
type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`   // empty logs to stderr
	Events string `yaml:"events"` // JSONL event log; empty disables
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables
}

// Default returns the standard settings.
func Default() *Config {
	return &Config{
		Backend:     BackendBolt,
		Shards:      []string{"data/shard_0.db"},
		Replicas:    []string{"data/output.db"},
		Collections: docstore.DefaultCollections(),
		Couch: CouchConfig{
			Burst:   8,
			Timeout: 60 * time.Second,
		},
		Load: LoadConfig{
			Source:     "cred",
			Format:     records.FormatCred,
			BatchSize:  1000000,
			MinSupport: 2,
		},
		Fetch: FetchConfig{PageSize: 10000},
		Retry: RetryConfig{Attempts: 10},
		Build: BuildConfig{
			Workers:       100,
			BlocksPerTask: 1000,
			HintCap:       30,
		},
		Bulk: BulkConfig{
			ChunkSize: 1000,
			Selection: sampling.RoundRobin,
		},
		Log: LogConfig{Level: "info"},
	}
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "blockgraph.yaml"
	}
	return filepath.Join(home, ".blockgraph", "config.yaml")
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults. An empty path uses ConfigPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.AutoPopulateFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes c as YAML to path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// AutoPopulateFromEnv applies BLOCKGRAPH_* overrides. List values are comma
// separated.
func (c *Config) AutoPopulateFromEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	var backend, format, selection string
	str("BACKEND", &backend)
	if backend != "" {
		c.Backend = Backend(backend)
	}
	list("SHARDS", &c.Shards)
	list("REPLICAS", &c.Replicas)
	str("ID_STORE", &c.IDStore)
	str("SOURCE", &c.Load.Source)
	str("FORMAT", &format)
	if format != "" {
		c.Load.Format = records.Format(format)
	}
	num("MIN_SUPPORT", &c.Load.MinSupport)
	num("WORKERS", &c.Build.Workers)
	num("DEBUG_LIMIT", &c.Build.DebugLimit)
	str("SELECTION", &selection)
	if selection != "" {
		c.Bulk.Selection = sampling.Strategy(selection)
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("EVENTS", &c.Log.Events)
	str("METRICS_ADDR", &c.Metrics.Addr)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IDEndpoint returns the id store endpoint.
func (c *Config) IDEndpoint() string {
	if c.IDStore != "" {
		return c.IDStore
	}
	if len(c.Replicas) > 0 {
		return c.Replicas[0]
	}
	return ""
}

// Validate rejects settings no run could use.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	switch c.Backend {
	case BackendBolt, BackendCouch:
	default:
		bad("backend %q is not bolt or couch", c.Backend)
	}
	if len(c.Shards) == 0 {
		bad("no shards configured")
	}
	if len(c.Replicas) == 0 {
		bad("no replicas configured")
	}
	switch c.Load.Format {
	case records.FormatCred, records.FormatCSV, records.FormatSQLite:
	default:
		bad("load.format %q is not cred, csv or sqlite", c.Load.Format)
	}
	if c.Load.BatchSize <= 0 {
		bad("load.batch_size must be positive")
	}
	if c.Load.MinSupport < 1 {
		bad("load.min_support must be at least 1")
	}
	if c.Fetch.PageSize <= 0 {
		bad("fetch.page_size must be positive")
	}
	if c.Fetch.Concurrency < 0 {
		bad("fetch.concurrency must not be negative")
	}
	if c.Retry.Attempts < 1 {
		bad("retry.attempts must be at least 1")
	}
	if c.Retry.Delay < 0 {
		bad("retry.delay must not be negative")
	}
	if c.Build.Workers <= 0 {
		bad("build.workers must be positive")
	}
	if c.Build.BlocksPerTask <= 0 {
		bad("build.blocks_per_task must be positive")
	}
	if c.Build.HintCap <= 0 {
		bad("build.hint_cap must be positive")
	}
	if c.Build.DebugLimit < 0 {
		bad("build.debug_limit must not be negative")
	}
	if c.Bulk.ChunkSize <= 0 {
		bad("bulk.chunk_size must be positive")
	}
	switch c.Bulk.Selection {
	case sampling.RoundRobin, sampling.Random:
	default:
		bad("bulk.selection %q is not round_robin or random", c.Bulk.Selection)
	}
	if c.Couch.RequestsPerSecond < 0 {
		bad("couch.requests_per_second must not be negative")
	}
	cols := c.Collections
	if cols.Summaries == "" || cols.Related == "" || cols.HintDetails == "" || cols.BlockIDs == "" {
		bad("collection names must not be empty")
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
