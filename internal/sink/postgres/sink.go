// Package postgres persists run outputs into Postgres tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// undefinedTable is the Postgres error code for a missing relation.
const undefinedTable = "42P01"

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	Topic           string
	KeyColumn       string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Sink writes each stream into <topic>_<stream> with TEXT columns.
type Sink struct {
	pool      pool
	topic     string
	keyColumn string
	logger    *zap.Logger

	mu      sync.Mutex
	schemas map[harvest.Stream]harvest.Schema
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.dsn is required: %w", harvest.ErrSinkUnavailable)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w: %w", harvest.ErrSinkUnavailable, err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", harvest.ErrSinkUnavailable, err)
	}
	return NewWithPool(p, cfg.Topic, cfg.KeyColumn, logger)
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(p pool, topic, keyColumn string, logger *zap.Logger) (*Sink, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if !validName.MatchString(topic) {
		return nil, fmt.Errorf("invalid topic %q for table names", topic)
	}
	if keyColumn == "" {
		keyColumn = "url"
	}
	if !validName.MatchString(keyColumn) {
		return nil, fmt.Errorf("invalid key column %q", keyColumn)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		pool:      p,
		topic:     topic,
		keyColumn: keyColumn,
		logger:    logger,
		schemas:   map[harvest.Stream]harvest.Schema{},
	}, nil
}

// Table returns the table name backing a stream.
func (s *Sink) Table(name harvest.Stream) string {
	return s.topic + "_" + string(name)
}

// EnsureInitialized creates the stream table when missing.
func (s *Sink) EnsureInitialized(ctx context.Context, name harvest.Stream, schema harvest.Schema) error {
	if name != harvest.StreamPrimary && name != harvest.StreamDetail {
		return fmt.Errorf("unknown stream %q: %w", name, harvest.ErrSinkUnavailable)
	}
	if len(schema) == 0 {
		return fmt.Errorf("stream %s: empty schema: %w", name, harvest.ErrSinkUnavailable)
	}
	cols := make([]string, 0, len(schema)+1)
	cols = append(cols, "id BIGSERIAL PRIMARY KEY")
	for _, col := range schema {
		if !validName.MatchString(col) {
			return fmt.Errorf("invalid column name %q: %w", col, harvest.ErrSinkUnavailable)
		}
		cols = append(cols, col+" TEXT NOT NULL DEFAULT ''")
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.Table(name), strings.Join(cols, ", "))
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return classify(fmt.Sprintf("create table %s", s.Table(name)), err)
	}
	s.mu.Lock()
	s.schemas[name] = append(harvest.Schema(nil), schema...)
	s.mu.Unlock()
	s.logger.Info("output table ready", zap.String("table", s.Table(name)))
	return nil
}

// LoadKnownKeys selects the key column of the primary table. A missing
// table yields an empty set.
func (s *Sink) LoadKnownKeys(ctx context.Context) (harvest.KnownKeySet, error) {
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", s.keyColumn, s.Table(harvest.StreamPrimary))
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		if isUndefinedTable(err) {
			return harvest.NewKnownKeySet(), nil
		}
		return harvest.KnownKeySet{}, classify("load known keys", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		if isUndefinedTable(err) {
			return harvest.NewKnownKeySet(), nil
		}
		return harvest.KnownKeySet{}, classify("scan known keys", err)
	}
	return harvest.NewKnownKeySet(keys...), nil
}

// AppendBatch inserts records in a single transaction.
func (s *Sink) AppendBatch(ctx context.Context, name harvest.Stream, records []harvest.Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	schema, ok := s.schemas[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s not initialized: %w", name, harvest.ErrSinkUnavailable)
	}

	placeholders := make([]string, len(schema))
	for i := range schema {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.Table(name), strings.Join(schema, ", "), strings.Join(placeholders, ", "))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin batch", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()
	for _, rec := range records {
		args := make([]any, len(schema))
		for i, col := range schema {
			args[i] = rec[col]
		}
		if _, err = tx.Exec(ctx, query, args...); err != nil {
			return classify(fmt.Sprintf("insert into %s", s.Table(name)), err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("commit batch", err)
	}
	return nil
}

// LoadRows returns persisted rows in insertion order, projected onto columns
// (the initialized schema when none are given).
func (s *Sink) LoadRows(ctx context.Context, name harvest.Stream, columns ...string) ([]harvest.Record, error) {
	if len(columns) == 0 {
		s.mu.Lock()
		columns = s.schemas[name]
		s.mu.Unlock()
		if len(columns) == 0 {
			return nil, fmt.Errorf("stream %s not initialized: %w", name, harvest.ErrSinkUnavailable)
		}
	}
	for _, col := range columns {
		if !validName.MatchString(col) {
			return nil, fmt.Errorf("invalid column name %q", col)
		}
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(columns, ", "), s.Table(name))
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, classify("load rows", err)
	}
	defer rows.Close()

	var out []harvest.Record
	for rows.Next() {
		values := make([]string, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classify("scan row", err)
		}
		rec := make(harvest.Record, len(columns))
		for i, col := range columns {
			rec[col] = values[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate rows", err)
	}
	return out, nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42501" {
		return fmt.Errorf("%s: %w: %w: %w", op, harvest.ErrPermissionDenied, harvest.ErrSinkUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %w", op, harvest.ErrSinkUnavailable, err)
}
