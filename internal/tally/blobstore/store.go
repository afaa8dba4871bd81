// Package blobstore persists tally's snapshots: opaque byte values stored
// under string keys such as "day:2026-10-18" or "global:filter".
//
// The tracker never needs more than four operations from storage (load one
// key, save one key, list keys by prefix, and a liveness check), so every
// backend implements the same small Store interface:
//
//   - Memory: 256 independently locked shards, for tests and single-process
//     deployments that can afford to lose state on restart.
//   - File: the memory shards plus a hybrid journal on local disk (binary
//     snapshot preamble followed by appended records), with periodic fsync
//     and automatic compaction.
//   - SQL: one row per key in MySQL (or Postgres, given a handle).
//   - DynamoDB: one item per key.
//
// Compressed and Instrumented wrap any backend to add value compression and
// timing metrics.
//
// Values are last-writer-wins. Callers own the bytes they pass to Save and
// receive their own copy from Load.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNotFound is returned by Load when the key has no value.
var ErrNotFound = errors.New("blobstore: key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("blobstore: store closed")

// Store is a key to bytes persistence backend. Implementations are safe for
// concurrent use.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendMySQL    = "mysql"
	BackendDynamoDB = "dynamodb"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Compression string // "", "none", "lz4" or "zstd"

	File     FileOptions
	MySQLDSN string
	SQLTable string

	DynamoDBTable  string
	DynamoDBRegion string
}

// Open builds the configured backend wrapped with compression and metrics.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	var (
		inner Store
		err   error
	)

	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		inner = NewMemory()

	case BackendFile:
		opts := cfg.File
		opts.Logger = logger
		inner, err = OpenFile(opts)

	case BackendMySQL:
		inner, err = OpenMySQL(cfg.MySQLDSN, WithTableName(cfg.SQLTable))

	case BackendDynamoDB:
		inner, err = NewDynamoDB(ctx,
			WithDynamoDBTableName(cfg.DynamoDBTable),
			WithDynamoDBRegion(cfg.DynamoDBRegion),
		)

	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}

	if err != nil {
		return nil, err
	}

	codec, err := ParseCodec(cfg.Compression)
	if err != nil {
		_ = inner.Close()
		return nil, err
	}

	if codec != CodecNone {
		compressed, err := NewCompressed(inner, codec)
		if err != nil {
			_ = inner.Close()
			return nil, err
		}
		inner = compressed
	}

	backend := strings.ToLower(cfg.Backend)
	if backend == "" {
		backend = BackendMemory
	}

	return NewInstrumented(inner, backend), nil
}
