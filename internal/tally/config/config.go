// Package config loads and validates the tally server configuration.
//
// Values come from, in increasing order of precedence: built-in defaults, a
// YAML file, and TALLY_* environment variables (TALLY_STORE_BACKEND sets
// store.backend).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"tally.lopezb.com/internal/tally/blobstore"
	"tally.lopezb.com/internal/tally/bloom"
	"tally.lopezb.com/internal/tally/digest"
	"tally.lopezb.com/internal/tally/hyperloglog"
	"tally.lopezb.com/internal/tally/identity"
	"tally.lopezb.com/internal/tally/ingest"
	"tally.lopezb.com/internal/tally/tracker"
)

// Sentinel validation errors.
var (
	ErrInvalidAddr      = errors.New("server address is required")
	ErrInvalidBodyLimit = errors.New("max body size must be positive")
	ErrUnknownMode      = errors.New("unknown identity mode")
	ErrMissingSecret    = errors.New("identity secret is required in hmac mode")
	ErrInvalidWindow    = errors.New("freshness window must be positive")
	ErrInvalidUnit      = errors.New("timestamp unit must be s or ms")
	ErrInvalidInterval  = errors.New("interval must be positive")
	ErrInvalidPrecision = errors.New("estimator precision out of range")
	ErrUnknownDigest    = errors.New("unknown digest")
	ErrInvalidErrorRate = errors.New("filter error rate must be in (0, 1)")
	ErrInvalidCapacity  = errors.New("filter capacity must be positive")
	ErrInvalidGrowth    = errors.New("filter growth threshold must be in (0, 1]")
	ErrUnknownBackend   = errors.New("unknown store backend")
	ErrMissingDSN       = errors.New("store.mysql.dsn is required for the mysql backend")
	ErrInvalidSize      = errors.New("invalid size")
	ErrInvalidLogLevel  = errors.New("unknown log level")
	ErrInvalidLogFormat = errors.New("log format must be json or text")
)

// Default configuration values.
const (
	defaultAddr            = ":8080"
	defaultMaxBodyBytes    = 4096
	defaultWindow          = "5m"
	defaultFlushInterval   = "10s"
	defaultAggregate       = "5m"
	defaultSweepInterval   = "1m"
	defaultCacheTTL        = "30s"
	defaultRewriteMinSize  = "64MB"
	defaultRewritePercent  = 100
	defaultFilterCapacity  = bloom.DefaultCapacity
	defaultFilterErrorRate = bloom.DefaultErrorRate
)

// Config holds all configuration for the tally server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Store     StoreConfig     `mapstructure:"store"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// IdentityConfig selects how public keys are anonymized.
type IdentityConfig struct {
	Mode       string `mapstructure:"mode"`
	Secret     string `mapstructure:"secret"`
	SecretFile string `mapstructure:"secret_file"`
}

// IngestConfig holds the per-ping checks.
type IngestConfig struct {
	Window        time.Duration `mapstructure:"window"`
	TimestampUnit string        `mapstructure:"timestamp_unit"`
	SyncPersist   bool          `mapstructure:"sync_persist"`
}

// ReplayConfig holds the nonce guard settings. The guard window is always
// twice the ingest window.
type ReplayConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EstimatorConfig sizes the cardinality sketches.
type EstimatorConfig struct {
	Precision       uint8  `mapstructure:"precision"`
	SparseThreshold int    `mapstructure:"sparse_threshold"`
	Digest          string `mapstructure:"digest"`
}

// FilterConfig sizes the global membership filter.
type FilterConfig struct {
	Capacity        uint64  `mapstructure:"capacity"`
	ErrorRate       float64 `mapstructure:"error_rate"`
	GrowthThreshold float64 `mapstructure:"growth_threshold"`
}

// StoreConfig selects the blob store backend.
type StoreConfig struct {
	Backend     string         `mapstructure:"backend"`
	Compression string         `mapstructure:"compression"`
	File        FileConfig     `mapstructure:"file"`
	MySQL       MySQLConfig    `mapstructure:"mysql"`
	DynamoDB    DynamoDBConfig `mapstructure:"dynamodb"`
}

// FileConfig holds the journal settings of the file backend.
type FileConfig struct {
	Path           string        `mapstructure:"path"`
	FsyncInterval  time.Duration `mapstructure:"fsync_interval"`
	RewriteMinSize string        `mapstructure:"rewrite_min_size"`
	RewritePercent int           `mapstructure:"rewrite_percent"`
	LoadTruncated  bool          `mapstructure:"load_truncated"`
}

// MySQLConfig holds the mysql backend settings.
type MySQLConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// DynamoDBConfig holds the dynamodb backend settings.
type DynamoDBConfig struct {
	Table  string `mapstructure:"table"`
	Region string `mapstructure:"region"`
}

// TrackerConfig holds the background maintenance settings.
type TrackerConfig struct {
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	AggregateInterval time.Duration `mapstructure:"aggregate_interval"`
	HotDays           int           `mapstructure:"hot_days"`
}

// StatsConfig holds the read path settings.
type StatsConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from file and environment variables. An
// empty configPath searches for tally.yaml in the working directory and
// /etc/tally; a missing file there is not an error.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("tally")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("/etc/tally")
	}

	viperCfg.SetEnvPrefix("TALLY")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := config.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.addr", defaultAddr)
	viperCfg.SetDefault("server.read_timeout", "10s")
	viperCfg.SetDefault("server.write_timeout", "10s")
	viperCfg.SetDefault("server.idle_timeout", "60s")
	viperCfg.SetDefault("server.shutdown_timeout", "15s")
	viperCfg.SetDefault("server.max_body_bytes", defaultMaxBodyBytes)

	viperCfg.SetDefault("identity.mode", string(identity.ModeHMAC))
	viperCfg.SetDefault("identity.secret", "")
	viperCfg.SetDefault("identity.secret_file", "")

	viperCfg.SetDefault("ingest.window", defaultWindow)
	viperCfg.SetDefault("ingest.timestamp_unit", string(ingest.Milliseconds))
	viperCfg.SetDefault("ingest.sync_persist", false)

	viperCfg.SetDefault("replay.sweep_interval", defaultSweepInterval)

	viperCfg.SetDefault("estimator.precision", hyperloglog.DefaultPrecision)
	viperCfg.SetDefault("estimator.sparse_threshold", hyperloglog.DefaultSparseThreshold)
	viperCfg.SetDefault("estimator.digest", "blake2b")

	viperCfg.SetDefault("filter.capacity", defaultFilterCapacity)
	viperCfg.SetDefault("filter.error_rate", defaultFilterErrorRate)
	viperCfg.SetDefault("filter.growth_threshold", bloom.DefaultGrowthThreshold)

	viperCfg.SetDefault("store.backend", blobstore.BackendFile)
	viperCfg.SetDefault("store.compression", "none")
	viperCfg.SetDefault("store.file.path", blobstore.DefaultFilePath)
	viperCfg.SetDefault("store.file.fsync_interval", blobstore.DefaultFsyncInterval.String())
	viperCfg.SetDefault("store.file.rewrite_min_size", defaultRewriteMinSize)
	viperCfg.SetDefault("store.file.rewrite_percent", defaultRewritePercent)
	viperCfg.SetDefault("store.file.load_truncated", true)
	viperCfg.SetDefault("store.mysql.dsn", "")
	viperCfg.SetDefault("store.mysql.table", "")
	viperCfg.SetDefault("store.dynamodb.table", "")
	viperCfg.SetDefault("store.dynamodb.region", "")

	viperCfg.SetDefault("tracker.flush_interval", defaultFlushInterval)
	viperCfg.SetDefault("tracker.aggregate_interval", defaultAggregate)
	viperCfg.SetDefault("tracker.hot_days", tracker.DefaultHotDays)

	viperCfg.SetDefault("stats.cache_ttl", defaultCacheTTL)
	viperCfg.SetDefault("stats.cache_size", tracker.DefaultCacheSize)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "json")
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return ErrInvalidAddr
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBodyLimit, c.Server.MaxBodyBytes)
	}

	switch identity.Mode(c.Identity.Mode) {
	case identity.ModeHMAC:
		if c.Identity.Secret == "" && c.Identity.SecretFile == "" {
			return ErrMissingSecret
		}
	case identity.ModeHash:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Identity.Mode)
	}

	if c.Ingest.Window <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWindow, c.Ingest.Window)
	}

	if _, err := ingest.ParseUnit(c.Ingest.TimestampUnit); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUnit, c.Ingest.TimestampUnit)
	}

	intervals := map[string]time.Duration{
		"replay.sweep_interval":      c.Replay.SweepInterval,
		"tracker.flush_interval":     c.Tracker.FlushInterval,
		"tracker.aggregate_interval": c.Tracker.AggregateInterval,
		"store.file.fsync_interval":  c.Store.File.FsyncInterval,
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%w: %s = %s", ErrInvalidInterval, name, d)
		}
	}

	if p := c.Estimator.Precision; p < hyperloglog.MinPrecision || p > hyperloglog.MaxPrecision {
		return fmt.Errorf("%w: %d", ErrInvalidPrecision, p)
	}

	if _, err := c.Digest(); err != nil {
		return err
	}

	if c.Filter.Capacity == 0 {
		return ErrInvalidCapacity
	}
	if c.Filter.ErrorRate <= 0 || c.Filter.ErrorRate >= 1 {
		return fmt.Errorf("%w: %v", ErrInvalidErrorRate, c.Filter.ErrorRate)
	}
	if c.Filter.GrowthThreshold <= 0 || c.Filter.GrowthThreshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidGrowth, c.Filter.GrowthThreshold)
	}

	switch c.Store.Backend {
	case blobstore.BackendMemory, blobstore.BackendFile, blobstore.BackendDynamoDB:
	case blobstore.BackendMySQL:
		if c.Store.MySQL.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Store.Backend)
	}

	if _, err := blobstore.ParseCodec(c.Store.Compression); err != nil {
		return err
	}

	if _, err := humanize.ParseBytes(c.Store.File.RewriteMinSize); err != nil {
		return fmt.Errorf("%w: store.file.rewrite_min_size %q", ErrInvalidSize, c.Store.File.RewriteMinSize)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}

	return nil
}

// Digest returns the configured hash function.
func (c *Config) Digest() (digest.Func, error) {
	switch strings.ToLower(c.Estimator.Digest) {
	case "", "blake2b":
		return digest.Blake2b, nil
	case "xxhash":
		return digest.XXHash, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDigest, c.Estimator.Digest)
	}
}

// BlobStore returns the options for blobstore.Open.
func (c *Config) BlobStore() blobstore.Config {
	// Validate has already parsed the size.
	minSize, _ := humanize.ParseBytes(c.Store.File.RewriteMinSize)

	return blobstore.Config{
		Backend:     c.Store.Backend,
		Compression: c.Store.Compression,
		File: blobstore.FileOptions{
			Path:           c.Store.File.Path,
			FsyncInterval:  c.Store.File.FsyncInterval,
			RewriteMinSize: int64(minSize),
			RewritePercent: c.Store.File.RewritePercent,
			LoadTruncated:  c.Store.File.LoadTruncated,
		},
		MySQLDSN:       c.Store.MySQL.DSN,
		SQLTable:       c.Store.MySQL.Table,
		DynamoDBTable:  c.Store.DynamoDB.Table,
		DynamoDBRegion: c.Store.DynamoDB.Region,
	}
}

// TrackerConfig returns the sketch sizing for tracker.Open.
func (c *Config) TrackerConfig() tracker.Config {
	fn, _ := c.Digest()

	return tracker.Config{
		Precision:       c.Estimator.Precision,
		SparseThreshold: c.Estimator.SparseThreshold,
		Digest:          fn,
		Filter: bloom.Config{
			InitialCapacity: c.Filter.Capacity,
			ErrorRate:       c.Filter.ErrorRate,
			GrowthThreshold: c.Filter.GrowthThreshold,
			Digest:          fn,
		},
		HotDays:   c.Tracker.HotDays,
		CacheTTL:  c.Stats.CacheTTL,
		CacheSize: c.Stats.CacheSize,
	}
}

// IngestConfig returns the pipeline settings.
func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		Window:        c.Ingest.Window,
		TimestampUnit: ingest.Unit(c.Ingest.TimestampUnit),
		SyncPersist:   c.Ingest.SyncPersist,
	}
}

// ReplayWindow is how long nonces are remembered.
func (c *Config) ReplayWindow() time.Duration {
	return 2 * c.Ingest.Window
}
