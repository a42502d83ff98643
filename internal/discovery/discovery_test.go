package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
)

func noSleep(context.Context, time.Duration) error { return nil }

// revealSource grows by one scripted batch per Reveal until the script runs out.
type revealSource struct {
	batches  [][]string
	visible  []string
	size     int64
	reveals  int
	failAt   int // reveal number that fails, 0 = never
	sizeOnly int // reveals after the script that still change the size
}

func (s *revealSource) Start(context.Context) error { return nil }

func (s *revealSource) HasPagination(context.Context) (bool, error) { return false, nil }

func (s *revealSource) Keys(context.Context) ([]string, error) {
	return append([]string(nil), s.visible...), nil
}

func (s *revealSource) Reveal(context.Context) error {
	s.reveals++
	if s.failAt > 0 && s.reveals == s.failAt {
		return errors.New("page crashed")
	}
	idx := s.reveals - 1
	switch {
	case idx < len(s.batches):
		s.visible = append(s.visible, s.batches[idx]...)
		s.size += int64(100 * len(s.batches[idx]))
	case idx < len(s.batches)+s.sizeOnly:
		s.size += 10
	}
	return nil
}

func (s *revealSource) SizeProxy(context.Context) (int64, error) { return s.size, nil }

func (s *revealSource) NextPage(context.Context) (string, error) { return "", nil }

func (s *revealSource) OpenPage(context.Context, string) error { return nil }

func TestIncrementalStopsAfterMaxSameRounds(t *testing.T) {
	t.Parallel()

	src := &revealSource{
		visible: []string{"a", "b"},
		batches: [][]string{{"c", "d"}, {"d", "e"}},
	}
	d := New(Config{MaxSameRounds: 3, MaxRounds: 100}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, StrategyIncremental, res.Strategy)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, res.Keys)
	// Two growing rounds then three rounds without growth.
	require.Equal(t, 5, res.Rounds)
}

func TestIncrementalSizeChangeCountsAsProgress(t *testing.T) {
	t.Parallel()

	src := &revealSource{visible: []string{"a"}, sizeOnly: 2}
	d := New(Config{MaxSameRounds: 2}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, res.Keys)
	require.Equal(t, 4, res.Rounds)
}

func TestIncrementalRespectsRoundCap(t *testing.T) {
	t.Parallel()

	src := &revealSource{sizeOnly: 1000}
	d := New(Config{MaxSameRounds: 3, MaxRounds: 7}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 7, res.Rounds)
	require.Empty(t, res.Keys)
	require.NotNil(t, res.Keys)
}

func TestIncrementalAbortKeepsPartialResult(t *testing.T) {
	t.Parallel()

	src := &revealSource{
		visible: []string{"a"},
		batches: [][]string{{"b"}, {"c"}},
		failAt:  2,
	}
	d := New(Config{MaxSameRounds: 3}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.ErrorIs(t, err, harvest.ErrDiscoveryAborted)
	require.Equal(t, []string{"a", "b"}, res.Keys)
}

func TestIncrementalSettlesBetweenRounds(t *testing.T) {
	t.Parallel()

	var waits int
	sleep := func(_ context.Context, d time.Duration) error {
		require.Equal(t, 4*time.Second, d)
		waits++
		return nil
	}
	src := &revealSource{visible: []string{"a"}}
	d := New(Config{MaxSameRounds: 2, SettleWait: 4 * time.Second}, sleep, nil, nil)

	_, err := d.Discover(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 2, waits)
}

// pagedSource serves a fixed page graph; next maps a page to its successor.
type pagedSource struct {
	pages   map[string][]string
	next    map[string]string
	current string
	opened  map[string]int
	failOn  string
}

func (s *pagedSource) Start(context.Context) error {
	s.current = "p1"
	s.opened = map[string]int{"p1": 1}
	return nil
}

func (s *pagedSource) HasPagination(context.Context) (bool, error) { return true, nil }

func (s *pagedSource) Keys(context.Context) ([]string, error) {
	if s.current == s.failOn {
		return nil, fmt.Errorf("extract %s: boom", s.current)
	}
	return s.pages[s.current], nil
}

func (s *pagedSource) Reveal(context.Context) error { return errors.New("not incremental") }

func (s *pagedSource) SizeProxy(context.Context) (int64, error) { return 0, nil }

func (s *pagedSource) NextPage(context.Context) (string, error) { return s.next[s.current], nil }

func (s *pagedSource) OpenPage(_ context.Context, locator string) error {
	s.current = locator
	s.opened[locator]++
	return nil
}

func TestPaginatedReturnsUnionOfPages(t *testing.T) {
	t.Parallel()

	src := &pagedSource{
		pages: map[string][]string{
			"p1": {"a", "b"},
			"p2": {"b", "c"},
			"p3": {"d"},
		},
		next: map[string]string{"p1": "p2", "p2": "p3"},
	}
	d := New(Config{}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, StrategyPaginated, res.Strategy)
	require.Equal(t, []string{"a", "b", "c", "d"}, res.Keys)
	require.Equal(t, 3, res.Pages)
}

func TestPaginatedVisitsEachPageOnce(t *testing.T) {
	t.Parallel()

	src := &pagedSource{
		pages: map[string][]string{
			"p1": {"a"},
			"p2": {"b"},
			"p3": {"c"},
		},
		// p3 links back to p2: a cycle.
		next: map[string]string{"p1": "p2", "p2": "p3", "p3": "p2"},
	}
	d := New(Config{}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, res.Keys)
	for page, n := range src.opened {
		require.Equal(t, 1, n, page)
	}
}

func TestPaginatedPageCap(t *testing.T) {
	t.Parallel()

	src := &pagedSource{
		pages: map[string][]string{"p1": {"a"}, "p2": {"b"}, "p3": {"c"}},
		next:  map[string]string{"p1": "p2", "p2": "p3"},
	}
	d := New(Config{MaxPages: 2}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, res.Keys)
}

func TestPaginatedAbortKeepsPartialResult(t *testing.T) {
	t.Parallel()

	src := &pagedSource{
		pages:  map[string][]string{"p1": {"a", "b"}},
		next:   map[string]string{"p1": "p2"},
		failOn: "p2",
	}
	d := New(Config{}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.ErrorIs(t, err, harvest.ErrDiscoveryAborted)
	require.Equal(t, []string{"a", "b"}, res.Keys)
}

type failingStart struct{ revealSource }

func (failingStart) Start(context.Context) error { return errors.New("navigation failed") }

func TestStartFailureAbortsWithEmptyResult(t *testing.T) {
	t.Parallel()

	d := New(Config{}, noSleep, nil, nil)
	res, err := d.Discover(context.Background(), &failingStart{})
	require.ErrorIs(t, err, harvest.ErrDiscoveryAborted)
	require.Empty(t, res.Keys)
}

func TestPaginatedDoesNotReturnToStart(t *testing.T) {
	t.Parallel()

	src := &pagedSource{
		pages: map[string][]string{"p1": {"a"}, "p2": {"b"}},
		next:  map[string]string{"p1": "p2", "p2": "p1"},
	}
	d := New(Config{StartLocator: "p1"}, noSleep, nil, nil)

	res, err := d.Discover(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, res.Keys)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, 1, src.opened["p1"])
}
