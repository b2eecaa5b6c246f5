package attractor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPresets(t *testing.T) {
	cases := []struct {
		name     string
		attempts int
		initial  time.Duration
		factor   float64
	}{
		{"none", 1, 0, 0},
		{"standard", 5, 200 * time.Millisecond, 2},
		{"aggressive", 5, 500 * time.Millisecond, 2},
		{"linear", 3, 500 * time.Millisecond, 1},
		{"patient", 3, 2 * time.Second, 3},
	}
	for _, tc := range cases {
		p, ok := PresetRetryPolicy(tc.name)
		require.True(t, ok, tc.name)
		assert.Equal(t, tc.attempts, p.MaxAttempts, tc.name)
		assert.Equal(t, tc.initial, p.InitialDelay, tc.name)
	}

	_, ok := PresetRetryPolicy("bogus")
	assert.False(t, ok)
}

func TestDelayFormula(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  200 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
	}
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
}

func TestDelayCappedAtMax(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:  time.Second,
		BackoffFactor: 10,
		MaxDelay:      5 * time.Second,
	}
	assert.Equal(t, 5*time.Second, p.Delay(4))
}

func TestDelayJitterRange(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
		Jitter:        true,
	}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestBuildRetryPolicyNodeOverGraph(t *testing.T) {
	g, err := Parse(`
		digraph {
			default_max_retry = 5
			a [max_retries=2]
			b
			c [retry_policy=patient]
		}
	`)
	require.NoError(t, err)

	assert.Equal(t, 2, buildRetryPolicy(g.FindNode("a"), g).MaxAttempts)
	assert.Equal(t, 5, buildRetryPolicy(g.FindNode("b"), g).MaxAttempts)
	assert.Equal(t, 3, buildRetryPolicy(g.FindNode("c"), g).MaxAttempts)
}

func TestBuildRetryPolicyDefaultsToSingleAttempt(t *testing.T) {
	g, err := Parse(`digraph { a }`)
	require.NoError(t, err)
	assert.Equal(t, 1, buildRetryPolicy(g.FindNode("a"), g).MaxAttempts)
}
