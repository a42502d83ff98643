// Package csvfile persists run outputs as append-only CSV files.
package csvfile

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// bom is written ahead of the header so spreadsheet tools detect UTF-8.
const bom = "\ufeff"

// Config locates the output files.
type Config struct {
	Dir   string
	Topic string
	// KeyColumn is the primary column holding task keys. Defaults to "url".
	KeyColumn string
}

type stream struct {
	mu     sync.Mutex
	path   string
	schema harvest.Schema
}

// Sink writes <dir>/<topic>_primary.csv and <dir>/<topic>_detail.csv.
// Each stream has its own lock and each batch lands with a single write.
type Sink struct {
	keyColumn string
	streams   map[harvest.Stream]*stream
	logger    *zap.Logger
}

// New prepares the output directory.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("csv sink requires a topic: %w", harvest.ErrSinkUnavailable)
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = "url"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, wrapFileErr("create output dir", cfg.Dir, err)
	}
	return &Sink{
		keyColumn: cfg.KeyColumn,
		streams: map[harvest.Stream]*stream{
			harvest.StreamPrimary: {path: filepath.Join(cfg.Dir, cfg.Topic+"_primary.csv")},
			harvest.StreamDetail:  {path: filepath.Join(cfg.Dir, cfg.Topic+"_detail.csv")},
		},
		logger: logger,
	}, nil
}

// Path returns the file backing a stream.
func (s *Sink) Path(name harvest.Stream) string {
	if st, ok := s.streams[name]; ok {
		return st.path
	}
	return ""
}

// EnsureInitialized creates the stream file with a header when it is missing
// or empty. An existing header wins over schema so old files keep their layout.
func (s *Sink) EnsureInitialized(ctx context.Context, name harvest.Stream, schema harvest.Schema) error {
	st, err := s.stream(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(schema) == 0 {
		return fmt.Errorf("stream %s: empty schema: %w", name, harvest.ErrSinkUnavailable)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	existing, err := readHeader(st.path)
	if err != nil {
		return err
	}
	if existing != nil {
		if !sameColumns(existing, schema) {
			s.logger.Warn("existing output header differs from schema, keeping file layout",
				zap.String("path", st.path), zap.Strings("header", existing), zap.Strings("schema", schema))
		}
		st.schema = existing
		return nil
	}

	var buf bytes.Buffer
	buf.WriteString(bom)
	w := csv.NewWriter(&buf)
	if err := w.Write(schema); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := os.WriteFile(st.path, buf.Bytes(), 0o600); err != nil {
		return wrapFileErr("create output", st.path, err)
	}
	st.schema = append(harvest.Schema(nil), schema...)
	s.logger.Info("output initialized", zap.String("path", st.path), zap.String("stream", string(name)))
	return nil
}

// LoadKnownKeys reads the key column of the primary output. A missing file
// yields an empty set.
func (s *Sink) LoadKnownKeys(ctx context.Context) (harvest.KnownKeySet, error) {
	rows, err := s.LoadRows(ctx, harvest.StreamPrimary, s.keyColumn)
	if err != nil {
		return harvest.KnownKeySet{}, err
	}
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r[s.keyColumn])
	}
	return harvest.NewKnownKeySet(keys...), nil
}

// AppendBatch encodes every record in memory and appends them with one write
// followed by fsync.
func (s *Sink) AppendBatch(ctx context.Context, name harvest.Stream, records []harvest.Record) error {
	st, err := s.stream(name)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.schema == nil {
		return fmt.Errorf("stream %s not initialized: %w", name, harvest.ErrSinkUnavailable)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	row := make([]string, len(st.schema))
	for _, rec := range records {
		for i, col := range st.schema {
			row[i] = rec[col]
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	f, err := os.OpenFile(st.path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return wrapFileErr("open output", st.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return wrapFileErr("append output", st.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return wrapFileErr("sync output", st.path, err)
	}
	if err := f.Close(); err != nil {
		return wrapFileErr("close output", st.path, err)
	}
	return nil
}

// LoadRows returns persisted rows projected onto columns (all columns when
// none are given). A missing file yields no rows.
func (s *Sink) LoadRows(ctx context.Context, name harvest.Stream, columns ...string) ([]harvest.Record, error) {
	st, err := s.stream(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	f, err := os.Open(st.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapFileErr("open output", st.path, err)
	}
	defer f.Close()

	r := newReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", st.path, err)
	}
	header = stripBOM(header)
	if len(columns) == 0 {
		columns = header
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[col] = i
	}
	for _, col := range columns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("column %q missing from %s: %w", col, st.path, harvest.ErrSinkUnavailable)
		}
	}

	var out []harvest.Record
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", st.path, err)
		}
		rec := make(harvest.Record, len(columns))
		for _, col := range columns {
			if i := index[col]; i < len(fields) {
				rec[col] = fields[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements harvest.Sink; files are closed after every batch.
func (s *Sink) Close() error {
	return nil
}

func (s *Sink) stream(name harvest.Stream) (*stream, error) {
	st, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q: %w", name, harvest.ErrSinkUnavailable)
	}
	return st, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapFileErr("open output", path, err)
	}
	defer f.Close()
	header, err := newReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	return stripBOM(header), nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

func stripBOM(header []string) []string {
	if len(header) > 0 {
		header[0] = trimBOM(header[0])
	}
	return header
}

func trimBOM(s string) string {
	if len(s) >= len(bom) && s[:len(bom)] == bom {
		return s[len(bom):]
	}
	return s
}

func sameColumns(a []string, b harvest.Schema) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func wrapFileErr(op, path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s %s (is it open in another program?): %w: %w: %w",
			op, path, harvest.ErrPermissionDenied, harvest.ErrSinkUnavailable, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, path, harvest.ErrSinkUnavailable, err)
}
