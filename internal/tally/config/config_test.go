package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally.lopezb.com/internal/tally/blobstore"
	"tally.lopezb.com/internal/tally/config"
	"tally.lopezb.com/internal/tally/ingest"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tally.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "identity:\n  secret: s3cret\n")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(4096), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "hmac", cfg.Identity.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Ingest.Window)
	assert.Equal(t, 10*time.Minute, cfg.ReplayWindow())
	assert.Equal(t, uint8(14), cfg.Estimator.Precision)
	assert.Equal(t, uint64(100_000), cfg.Filter.Capacity)
	assert.InDelta(t, 0.01, cfg.Filter.ErrorRate, 1e-12)
	assert.Equal(t, blobstore.BackendFile, cfg.Store.Backend)
	assert.Equal(t, time.Second, cfg.Store.File.FsyncInterval)
	assert.Equal(t, 30*time.Second, cfg.Stats.CacheTTL)
	assert.Equal(t, "json", cfg.Logging.Format)

	bs := cfg.BlobStore()
	assert.Equal(t, int64(64_000_000), bs.File.RewriteMinSize)
	assert.True(t, bs.File.LoadTruncated)

	tc := cfg.TrackerConfig()
	assert.NotNil(t, tc.Digest)
	assert.NotNil(t, tc.Filter.Digest)
	assert.Equal(t, 40, tc.HotDays)

	ic := cfg.IngestConfig()
	assert.Equal(t, ingest.Milliseconds, ic.TimestampUnit)
	assert.False(t, ic.SyncPersist)
}

func TestLoadConfig_FileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9090
identity:
  mode: hash
ingest:
  window: 30s
  timestamp_unit: s
  sync_persist: true
estimator:
  precision: 12
  digest: xxhash
store:
  backend: mysql
  compression: zstd
  mysql:
    dsn: user:pass@tcp(db:3306)/tally
    table: blobs
  file:
    rewrite_min_size: 1GiB
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, "hash", cfg.Identity.Mode)
	assert.Equal(t, 30*time.Second, cfg.Ingest.Window)
	assert.Equal(t, uint8(12), cfg.Estimator.Precision)

	ic := cfg.IngestConfig()
	assert.Equal(t, ingest.Seconds, ic.TimestampUnit)
	assert.True(t, ic.SyncPersist)

	bs := cfg.BlobStore()
	assert.Equal(t, "mysql", bs.Backend)
	assert.Equal(t, "zstd", bs.Compression)
	assert.Equal(t, "blobs", bs.SQLTable)
	assert.Equal(t, int64(1<<30), bs.File.RewriteMinSize)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "identity:\n  secret: from-file\n")

	t.Setenv("TALLY_IDENTITY_SECRET", "from-env")
	t.Setenv("TALLY_STORE_BACKEND", "memory")
	t.Setenv("TALLY_TRACKER_HOT_DAYS", "7")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Identity.Secret)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 7, cfg.Tracker.HotDays)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"hmac without secret", "identity:\n  mode: hmac\n", config.ErrMissingSecret},
		{"unknown mode", "identity:\n  mode: plain\n", config.ErrUnknownMode},
		{"bad precision", "identity:\n  mode: hash\nestimator:\n  precision: 20\n", config.ErrInvalidPrecision},
		{"bad digest", "identity:\n  mode: hash\nestimator:\n  digest: md5\n", config.ErrUnknownDigest},
		{"bad error rate", "identity:\n  mode: hash\nfilter:\n  error_rate: 1.5\n", config.ErrInvalidErrorRate},
		{"bad backend", "identity:\n  mode: hash\nstore:\n  backend: redis\n", config.ErrUnknownBackend},
		{"mysql without dsn", "identity:\n  mode: hash\nstore:\n  backend: mysql\n", config.ErrMissingDSN},
		{"bad size", "identity:\n  mode: hash\nstore:\n  file:\n    rewrite_min_size: lots\n", config.ErrInvalidSize},
		{"bad unit", "identity:\n  mode: hash\ningest:\n  timestamp_unit: ns\n", config.ErrInvalidUnit},
		{"bad window", "identity:\n  mode: hash\ningest:\n  window: 0s\n", config.ErrInvalidWindow},
		{"bad interval", "identity:\n  mode: hash\ntracker:\n  flush_interval: 0s\n", config.ErrInvalidInterval},
		{"bad log format", "identity:\n  mode: hash\nlogging:\n  format: xml\n", config.ErrInvalidLogFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadConfig_UnreadableFile(t *testing.T) {
	path := writeConfig(t, "identity: [unclosed\n")

	_, err := config.LoadConfig(path)
	assert.Error(t, err)
}
