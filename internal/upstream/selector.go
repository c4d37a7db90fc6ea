package upstream

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
)

// ErrAllUpstreamsExhausted is returned when every candidate upstream has
// either been attempted already or has zero effective weight (spec.md
// §7's AllUpstreamsExhausted kind).
var ErrAllUpstreamsExhausted = fmt.Errorf("all upstreams exhausted")

// Select picks one RuntimeUpstream from m to attempt next, excluding
// any name already in excluded. Selection is priority-banded weighted
// random (spec.md §4.D): the lowest-numbered non-empty priority band
// with at least one eligible, positive-weight upstream is chosen, and
// within that band an upstream is picked with probability proportional
// to its current EffectiveWeight (which folds in slow-start ramp and
// circuit state).
func Select(m *Map, excluded map[string]bool, now time.Time) (*RuntimeUpstream, error) {
	all := m.All()

	byPriority := map[int][]*RuntimeUpstream{}
	for _, u := range all {
		if excluded[u.Config().Name] {
			continue
		}
		if u.EffectiveWeight(now) <= 0 {
			continue
		}
		p := u.Config().Priority
		byPriority[p] = append(byPriority[p], u)
	}
	if len(byPriority) == 0 {
		return nil, ErrAllUpstreamsExhausted
	}

	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)
	band := byPriority[priorities[0]]

	return weightedPick(band, now), nil
}

// weightedPick chooses one upstream from band with probability
// proportional to its EffectiveWeight at now.
func weightedPick(band []*RuntimeUpstream, now time.Time) *RuntimeUpstream {
	if len(band) == 1 {
		return band[0]
	}

	total := 0
	weights := make([]int, len(band))
	for i, u := range band {
		w := u.EffectiveWeight(now)
		weights[i] = w
		total += w
	}

	r := rand.Intn(total)
	cum := 0
	for i, w := range weights {
		cum += w
		if r < cum {
			return band[i]
		}
	}
	return band[len(band)-1]
}

// addJitter returns d scaled by a random factor in [1-jitterFraction,
// 1+jitterFraction), avoiding thundering-herd retries across
// concurrently failing requests.
func addJitter(d time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return d
	}
	factor := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(d) * factor)
}

// exponentialBackoffWithJitter computes the delay before retry attempt
// number n (0-indexed: n=0 is the delay before the second attempt),
// per spec.md §4.E: addJitter(min(base*2^n, max), factor) — the
// schedule doubles every attempt, and Factor is the jitter fraction,
// not the growth rate.
func exponentialBackoffWithJitter(policy gatewayconfig.Backoff, n int) time.Duration {
	delayMs := float64(policy.BaseMs) * math.Pow(2, float64(n))
	if delayMs > float64(policy.MaxMs) {
		delayMs = float64(policy.MaxMs)
	}
	d := time.Duration(delayMs) * time.Millisecond
	return addJitter(d, policy.Factor)
}

// BackoffDelay is exported for the orchestrator's retry loop.
func BackoffDelay(policy gatewayconfig.Backoff, attemptNumber int) time.Duration {
	return exponentialBackoffWithJitter(policy, attemptNumber)
}
