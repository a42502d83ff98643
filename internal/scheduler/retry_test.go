package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/harvest"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MinWait: 2 * time.Second, MaxWait: 10 * time.Second}
	require.Equal(t, 2*time.Second, p.Backoff(1))
	require.Equal(t, 4*time.Second, p.Backoff(2))
	require.Equal(t, 8*time.Second, p.Backoff(3))
	require.Equal(t, 10*time.Second, p.Backoff(4))
	require.Equal(t, 10*time.Second, p.Backoff(40))
	require.Equal(t, 2*time.Second, p.Backoff(0))
}

func TestDecide(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, MinWait: time.Second, MaxWait: 5 * time.Second, MaxThrottles: 2}
	transient := errors.New("selector not found")
	invalid := fmt.Errorf("navigate: %w", harvest.ErrSessionInvalidated)
	limited := fmt.Errorf("page: %w", harvest.ErrRateLimited)

	testCases := []struct {
		name      string
		err       error
		attempts  int
		throttles int
		want      Decision
	}{
		{"transient first", transient, 1, 0, Decision{Action: ActionRetry, Wait: time.Second, Kind: harvest.KindTransient}},
		{"transient second", transient, 2, 0, Decision{Action: ActionRetry, Wait: 2 * time.Second, Kind: harvest.KindTransient}},
		{"transient exhausted", transient, 3, 0, Decision{Action: ActionAbandon, Kind: harvest.KindTransient}},
		{"invalidated retries now", invalid, 1, 0, Decision{Action: ActionRetry, Kind: harvest.KindSessionInvalidated}},
		{"invalidated exhausted", invalid, 3, 0, Decision{Action: ActionAbandon, Kind: harvest.KindSessionInvalidated}},
		{"throttled cools down", limited, 0, 1, Decision{Action: ActionRetry, Cooldown: true, Kind: harvest.KindRateLimited}},
		{"throttled ignores attempts", limited, 3, 1, Decision{Action: ActionRetry, Cooldown: true, Kind: harvest.KindRateLimited}},
		{"throttled exhausted", limited, 0, 2, Decision{Action: ActionAbandon, Kind: harvest.KindRateLimited}},
		{"pool exhausted", harvest.ErrPoolExhausted, 0, 0, Decision{Action: ActionAbandon, Kind: harvest.KindPoolExhausted}},
		{"canceled", context.Canceled, 1, 0, Decision{Action: ActionAbandon, Kind: harvest.KindCanceled}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, p.Decide(tc.err, tc.attempts, tc.throttles))
		})
	}
}

func TestDefaultPolicyGivesUpAfterThreeThrottles(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	require.Equal(t, ActionRetry, p.Decide(harvest.ErrRateLimited, 0, 2).Action)
	d := p.Decide(harvest.ErrRateLimited, 0, 3)
	require.Equal(t, ActionAbandon, d.Action)
	require.Equal(t, harvest.KindRateLimited, d.Kind)
}
