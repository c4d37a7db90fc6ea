// Package upstream implements priority-banded weighted upstream
// selection with slow-start ramp-up, and the per-upstream circuit
// breaker and retry/backoff orchestration (spec.md §4.D, §4.E).
package upstream

import (
	"sync"
	"time"

	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
)

// CircuitState is one of the three failover states spec.md §4.E names.
type CircuitState string

const (
	Healthy  CircuitState = "HEALTHY"
	HalfOpen CircuitState = "HALF_OPEN"
	Unhealthy CircuitState = "UNHEALTHY"
)

// RuntimeUpstream is the mutable, concurrently-accessed state for one
// configured Upstream: its circuit breaker state, failure/success
// counters, and slow-start ramp start time. One RuntimeUpstream exists
// per (route, upstream name) pair for the process lifetime, rebuilt
// wholesale on config reload (spec.md §5).
type RuntimeUpstream struct {
	mu sync.RWMutex

	cfg gatewayconfig.Upstream

	state              CircuitState
	consecutiveFails   int
	consecutiveSuccess int
	lastFailureTime    time.Time
	recoveringSince    time.Time

	// slowStartSince is set whenever the upstream transitions into
	// HEALTHY from a non-HEALTHY state (or on first registration); the
	// selector ramps its effective weight up from it.
	slowStartSince time.Time
}

// NewRuntimeUpstream builds the initial runtime state for a configured
// upstream: HEALTHY, with slow-start counted from now (a freshly loaded
// upstream ramps in the same way a freshly recovered one does).
func NewRuntimeUpstream(cfg gatewayconfig.Upstream, now time.Time) *RuntimeUpstream {
	return &RuntimeUpstream{
		cfg:            cfg,
		state:          Healthy,
		slowStartSince: now,
	}
}

// Config returns the static config this runtime state was built from.
func (u *RuntimeUpstream) Config() gatewayconfig.Upstream {
	return u.cfg
}

// State returns the current circuit breaker state.
func (u *RuntimeUpstream) State() CircuitState {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// EffectiveWeight returns the upstream's configured weight scaled by
// its slow-start ramp factor at time now (spec.md §4.D): during the
// slow-start window the weight ramps linearly from
// weight*InitialWeightFactor up to the full weight; after the window it
// is always the full weight. An UNHEALTHY upstream has zero effective
// weight — it is never a selection candidate.
func (u *RuntimeUpstream) EffectiveWeight(now time.Time) int {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.state == Unhealthy {
		return 0
	}

	weight := u.cfg.Weight
	ss := u.cfg.SlowStart
	if ss == nil || ss.DurationMs <= 0 {
		return weight
	}

	elapsed := now.Sub(u.slowStartSince)
	duration := time.Duration(ss.DurationMs) * time.Millisecond
	if elapsed >= duration {
		return weight
	}
	if elapsed < 0 {
		elapsed = 0
	}

	factor := ss.InitialWeightFactor + (1-ss.InitialWeightFactor)*(float64(elapsed)/float64(duration))
	scaled := int(float64(weight) * factor)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// RecordSuccess applies a successful attempt's effect on the circuit
// breaker: counters update first, then state, per spec.md §5's ordering
// rule (counters → state → lastFailureTime). A HALF_OPEN upstream
// returns to HEALTHY once HealthyThreshold consecutive successes land.
func (u *RuntimeUpstream) RecordSuccess(policy gatewayconfig.FailoverPolicy, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.consecutiveFails = 0
	u.consecutiveSuccess++

	if u.state == HalfOpen && u.consecutiveSuccess >= policy.HealthyThreshold {
		u.state = Healthy
		u.slowStartSince = now
		u.consecutiveSuccess = 0
	}
}

// RecordFailure applies a failed attempt's effect on the circuit
// breaker: a HEALTHY upstream trips to UNHEALTHY after FailureThreshold
// consecutive failures; a HALF_OPEN upstream trips straight back to
// UNHEALTHY on any single failure (spec.md §4.E).
func (u *RuntimeUpstream) RecordFailure(policy gatewayconfig.FailoverPolicy, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.consecutiveSuccess = 0
	u.consecutiveFails++
	u.lastFailureTime = now

	switch u.state {
	case HalfOpen:
		u.state = Unhealthy
		u.recoveringSince = time.Time{}
	case Healthy:
		if u.consecutiveFails >= policy.FailureThreshold {
			u.state = Unhealthy
		}
	}
}

// MaybeRecover transitions an UNHEALTHY upstream to HALF_OPEN once
// RecoveryIntervalMs has elapsed since its last failure, allowing the
// selector to probe it again (spec.md §4.E). A HALF_OPEN upstream is
// selected at its normal effective weight; the number of requests sent
// to it while HALF_OPEN is not limited. No-op for any other state.
func (u *RuntimeUpstream) MaybeRecover(policy gatewayconfig.FailoverPolicy, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != Unhealthy {
		return
	}
	if now.Sub(u.lastFailureTime) < time.Duration(policy.RecoveryIntervalMs)*time.Millisecond {
		return
	}
	u.state = HalfOpen
	u.recoveringSince = now
	u.consecutiveSuccess = 0
}

// Map holds the RuntimeUpstream set for one route, keyed by upstream
// name, and is rebuilt (not mutated in place) on every config reload so
// that in-flight requests holding a reference to the old Map are
// unaffected (spec.md §5).
type Map struct {
	mu        sync.RWMutex
	upstreams map[string]*RuntimeUpstream
	order     []string // declaration order, for deterministic iteration
}

// BuildMap constructs a fresh Map for a route's configured upstreams.
func BuildMap(upstreams []gatewayconfig.Upstream, now time.Time) *Map {
	m := &Map{upstreams: make(map[string]*RuntimeUpstream, len(upstreams))}
	for _, u := range upstreams {
		m.upstreams[u.Name] = NewRuntimeUpstream(u, now)
		m.order = append(m.order, u.Name)
	}
	return m
}

// All returns every RuntimeUpstream in declaration order.
func (m *Map) All() []*RuntimeUpstream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RuntimeUpstream, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.upstreams[name])
	}
	return out
}

// Get returns the named RuntimeUpstream, or nil if it does not exist.
func (m *Map) Get(name string) *RuntimeUpstream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upstreams[name]
}
