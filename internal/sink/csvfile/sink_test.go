package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
)

var (
	primarySchema = harvest.Schema{"url", "product_name", "brand_name"}
	detailSchema  = harvest.Schema{"product_name", "review_content", "review_date", "reviewer_name"}
)

func newSink(t *testing.T, dir string) *Sink {
	t.Helper()
	s, err := New(Config{Dir: dir, Topic: "chloe"}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.EnsureInitialized(ctx, harvest.StreamPrimary, primarySchema))
	require.NoError(t, s.EnsureInitialized(ctx, harvest.StreamDetail, detailSchema))
	return s
}

func TestEnsureInitializedWritesBOMHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newSink(t, dir)

	raw, err := os.ReadFile(filepath.Join(dir, "chloe_primary.csv"))
	require.NoError(t, err)
	require.Equal(t, "\ufeffurl,product_name,brand_name\n", string(raw))
	require.Equal(t, filepath.Join(dir, "chloe_detail.csv"), s.Path(harvest.StreamDetail))
}

func TestEnsureInitializedKeepsExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newSink(t, dir)
	ctx := context.Background()
	require.NoError(t, s.AppendBatch(ctx, harvest.StreamPrimary, []harvest.Record{{"url": "u1"}}))

	again := newSink(t, dir)
	rows, err := again.LoadRows(ctx, harvest.StreamPrimary)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestAppendAndResume(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newSink(t, dir)
	ctx := context.Background()

	require.NoError(t, s.AppendBatch(ctx, harvest.StreamPrimary, []harvest.Record{
		{"url": "https://x/A", "product_name": "A", "brand_name": "Chloé"},
		{"url": "https://x/B", "product_name": "B, with comma"},
	}))
	require.NoError(t, s.AppendBatch(ctx, harvest.StreamDetail, []harvest.Record{
		{"product_name": "A", "review_content": "multi\nline", "review_date": "NA", "reviewer_name": "Guest"},
	}))

	// A fresh sink over the same directory sees what the previous run wrote.
	resumed := newSink(t, dir)
	known, err := resumed.LoadKnownKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, known.Len())
	require.Equal(t, []string{"https://x/C"}, known.Filter([]string{"https://x/A", "https://x/B", "https://x/C"}))

	rows, err := resumed.LoadRows(ctx, harvest.StreamPrimary, "url", "product_name")
	require.NoError(t, err)
	require.Equal(t, []harvest.Record{
		{"url": "https://x/A", "product_name": "A"},
		{"url": "https://x/B", "product_name": "B, with comma"},
	}, rows)

	details, err := resumed.LoadRows(ctx, harvest.StreamDetail)
	require.NoError(t, err)
	require.Len(t, details, 1)
	require.Equal(t, "multi\nline", details[0]["review_content"])
	require.Equal(t, "", details[0]["missing"])
}

func TestLoadKnownKeysWithoutFile(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Dir: t.TempDir(), Topic: "empty"}, nil)
	require.NoError(t, err)
	known, err := s.LoadKnownKeys(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, known.Len())
}

func TestAppendBeforeInitializeFails(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Dir: t.TempDir(), Topic: "t"}, nil)
	require.NoError(t, err)
	err = s.AppendBatch(context.Background(), harvest.StreamPrimary, []harvest.Record{{"url": "u"}})
	require.ErrorIs(t, err, harvest.ErrSinkUnavailable)
}

func TestConcurrentAppendsKeepRowsIntact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newSink(t, dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := make([]harvest.Record, 0, 25)
			for j := 0; j < 25; j++ {
				batch = append(batch, harvest.Record{
					"product_name":   "P",
					"review_content": strings.Repeat("x", 200),
					"reviewer_name":  "w",
				})
			}
			errs <- s.AppendBatch(ctx, harvest.StreamDetail, batch)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := s.LoadRows(ctx, harvest.StreamDetail)
	require.NoError(t, err)
	require.Len(t, rows, 200)
	for _, r := range rows {
		require.Len(t, r["review_content"], 200)
	}
}

func TestPermissionDeniedIsReported(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}

	dir := t.TempDir()
	s := newSink(t, dir)
	require.NoError(t, os.Chmod(s.Path(harvest.StreamPrimary), 0o400))

	err := s.AppendBatch(context.Background(), harvest.StreamPrimary, []harvest.Record{{"url": "u"}})
	require.ErrorIs(t, err, harvest.ErrPermissionDenied)
	require.ErrorIs(t, err, harvest.ErrSinkUnavailable)
}
