package attractor

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures per-node retry behavior with exponential backoff.
// Attempt numbering is 1-based.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Jitter        bool
}

// Named retry presets selectable via the retry_policy node attribute.
var retryPresets = map[string]RetryPolicy{
	"none":       {MaxAttempts: 1},
	"standard":   {MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, BackoffFactor: 2, MaxDelay: 60 * time.Second, Jitter: true},
	"aggressive": {MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, BackoffFactor: 2, MaxDelay: 60 * time.Second, Jitter: true},
	"linear":     {MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, BackoffFactor: 1, MaxDelay: 60 * time.Second, Jitter: true},
	"patient":    {MaxAttempts: 3, InitialDelay: 2 * time.Second, BackoffFactor: 3, MaxDelay: 60 * time.Second, Jitter: true},
}

// PresetRetryPolicy returns a named preset.
func PresetRetryPolicy(name string) (RetryPolicy, bool) {
	p, ok := retryPresets[name]
	return p, ok
}

// Delay computes the backoff before the next attempt:
// min(initial * factor^(attempt-1), max), jittered by a uniform factor in
// [0.5, 1.5) when enabled.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// buildRetryPolicy derives a node's retry policy: an explicit retry_policy
// preset wins; otherwise max_attempts comes from the node's max_retries or
// the graph's default_max_retry, with the standard backoff shape.
func buildRetryPolicy(node *Node, graph *Graph) RetryPolicy {
	if name := node.Attr("retry_policy", ""); name != "" {
		if preset, ok := PresetRetryPolicy(name); ok {
			return preset
		}
	}

	maxAttempts := parseIntAttr(node.Attr("max_retries", "0"), 0)
	if maxAttempts <= 0 {
		maxAttempts = parseIntAttr(graph.Attr("default_max_retry", "0"), 0)
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryPolicy{
		MaxAttempts:   maxAttempts,
		InitialDelay:  200 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      60 * time.Second,
		Jitter:        true,
	}
}
