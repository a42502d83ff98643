package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/progress/sinks"
)

type fakeStats struct {
	snap sinks.Snapshot
}

func (f fakeStats) Snapshot() sinks.Snapshot { return f.snap }

func serve(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Options{})
	require.NoError(t, err)

	rec := serve(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReflectsState(t *testing.T) {
	t.Parallel()

	var readyErr error = errors.New("discovering")
	srv, err := NewServer(Options{Ready: func() error { return readyErr }})
	require.NoError(t, err)

	rec := serve(t, srv, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "discovering")

	readyErr = nil
	rec = serve(t, srv, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ProgressSnapshot(t *testing.T) {
	t.Parallel()

	stats := fakeStats{snap: sinks.Snapshot{
		Running:   true,
		Total:     5,
		Succeeded: 3,
		Records:   map[string]int64{"primary": 3, "detail": 40},
	}}
	srv, err := NewServer(Options{Stats: stats})
	require.NoError(t, err)

	rec := serve(t, srv, "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var got sinks.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 3, got.Succeeded)
	require.EqualValues(t, 40, got.Records["detail"])
}

func TestServer_ProgressUnavailable(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Options{})
	require.NoError(t, err)
	rec := serve(t, srv, "/v1/progress")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsAndRequestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	srv, err := NewServer(Options{Gatherer: reg, Registerer: reg})
	require.NoError(t, err)

	serve(t, srv, "/healthz")
	serve(t, srv, "/healthz")

	rec := serve(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "harvester_http_requests_total")

	_, err = newHTTPMetrics(reg)
	require.NoError(t, err, "re-registration is tolerated")
	count, err := testutil.GatherAndCount(reg, "harvester_http_requests_total")
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, 1)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Options{Stats: panicStats{}})
	require.NoError(t, err)
	rec := serve(t, srv, "/v1/progress")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicStats struct{}

func (panicStats) Snapshot() sinks.Snapshot { panic("boom") }

func TestServer_ListenAndServeStopsWithContext(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
