package blobstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

const defaultSQLTableName = "tally_blobs"

var (
	loadSQLTimer = metrics.GetOrRegisterTimer("tally.blobstore.sql.load", nil)
	saveSQLTimer = metrics.GetOrRegisterTimer("tally.blobstore.sql.save", nil)
	keysSQLTimer = metrics.GetOrRegisterTimer("tally.blobstore.sql.keys", nil)
)

// SQLDBType identifies a family of database/sql drivers.
type SQLDBType string

const (
	MySQL    SQLDBType = "mysql"
	Postgres SQLDBType = "postgres"

	DefaultDBType = MySQL
)

var qrx = regexp.MustCompile(`\?`)

// q converts "?" placeholders to $1, $2, $n on postgres.
func (t SQLDBType) q(query string) string {
	if t != Postgres {
		return query
	}

	n := 0
	return qrx.ReplaceAllStringFunc(query, func(string) string {
		n++
		return "$" + strconv.Itoa(n)
	})
}

// SQLOption configures a SQL store.
type SQLOption func(*SQL)

// WithTableName sets the table name. The default is "tally_blobs".
func WithTableName(name string) SQLOption {
	return func(s *SQL) {
		if name != "" {
			s.table = name
		}
	}
}

// WithDBType selects the SQL dialect. The default is MySQL.
func WithDBType(t SQLDBType) SQLOption {
	return func(s *SQL) {
		s.dbType = t
	}
}

// SQL stores one row per key. The table needs a unique key column k, a blob
// column v and a timestamp column updated_at:
//
//	CREATE TABLE tally_blobs (
//	  k          VARCHAR(191) NOT NULL PRIMARY KEY,
//	  v          LONGBLOB     NOT NULL,
//	  updated_at TIMESTAMP    NOT NULL
//	);
type SQL struct {
	db     *sql.DB
	dbType SQLDBType
	table  string

	loadQuery string
	saveQuery string
	keysQuery string
}

var _ Store = (*SQL)(nil)

// NewSQL returns a Store using the provided database handle.
func NewSQL(db *sql.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:     db,
		dbType: DefaultDBType,
		table:  defaultSQLTableName,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.loadQuery = s.dbType.q(fmt.Sprintf("SELECT v FROM %s WHERE k = ?", s.table))
	s.keysQuery = s.dbType.q(fmt.Sprintf("SELECT k FROM %s WHERE k LIKE ? ORDER BY k", s.table))

	switch s.dbType {
	case Postgres:
		s.saveQuery = s.dbType.q(fmt.Sprintf(
			"INSERT INTO %s (k, v, updated_at) VALUES (?, ?, ?) "+
				"ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = EXCLUDED.updated_at", s.table))
	default:
		s.saveQuery = fmt.Sprintf(
			"INSERT INTO %s (k, v, updated_at) VALUES (?, ?, ?) "+
				"ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)", s.table)
	}

	return s
}

// OpenMySQL connects to the MySQL server described by dsn.
func OpenMySQL(dsn string, opts ...SQLOption) (*SQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mysql dsn")
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create mysql connector")
	}

	opts = append([]SQLOption{WithDBType(MySQL)}, opts...)

	return NewSQL(sql.OpenDB(connector), opts...), nil
}

// Load returns the value stored under key.
func (s *SQL) Load(ctx context.Context, key string) ([]byte, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	var value []byte

	if err := s.db.QueryRowContext(ctx, s.loadQuery, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, errors.Wrapf(err, "error loading key: %s", key)
	}

	return value, nil
}

// Save upserts value under key.
func (s *SQL) Save(ctx context.Context, key string, value []byte) error {
	defer saveSQLTimer.UpdateSince(time.Now())

	if _, err := s.db.ExecContext(ctx, s.saveQuery, key, value, time.Now().UTC()); err != nil {
		return errors.Wrapf(err, "error saving key: %s", key)
	}

	return nil
}

// Keys returns every key starting with prefix, sorted.
func (s *SQL) Keys(ctx context.Context, prefix string) ([]string, error) {
	defer keysSQLTimer.UpdateSince(time.Now())

	rows, err := s.db.QueryContext(ctx, s.keysQuery, likePrefix(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "error listing keys")
	}
	defer func() { _ = rows.Close() }()

	var keys []string

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "error from scanner")
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error listing keys")
	}

	return keys, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix builds a LIKE pattern matching values that start with prefix.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
