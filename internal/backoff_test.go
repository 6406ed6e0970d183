package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "exponential",
			policy: RetryPolicy{Kind: BackoffExponential, Base: 5 * time.Second, Max: time.Minute},
			want:   []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, time.Minute},
		},
		{
			name:   "linear",
			policy: RetryPolicy{Kind: BackoffLinear, Base: 5 * time.Second, Max: 12 * time.Second},
			want:   []time.Duration{5 * time.Second, 10 * time.Second, 12 * time.Second},
		},
		{
			name:   "empty kind is exponential",
			policy: RetryPolicy{Base: time.Second, Max: time.Minute},
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:   "zero base means no wait",
			policy: RetryPolicy{Kind: BackoffLinear, Jitter: true},
			want:   []time.Duration{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.policy.Delay(i+1), "retry %d", i+1)
			}
		})
	}
}

func TestRetryPolicyJitter(t *testing.T) {
	p := RetryPolicy{Kind: BackoffExponential, Base: 4 * time.Second, Max: time.Minute, Jitter: true}

	p.rand = func() float64 { return 0.5 }
	assert.Equal(t, 6*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))

	p.rand = nil
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 8*time.Second)
	}
}

func TestParseBackoffKind(t *testing.T) {
	kind, err := ParseBackoffKind("Linear")
	require.NoError(t, err)
	assert.Equal(t, BackoffLinear, kind)

	kind, err = ParseBackoffKind("")
	require.NoError(t, err)
	assert.Equal(t, BackoffExponential, kind)

	_, err = ParseBackoffKind("fibonacci")
	assert.Error(t, err)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
