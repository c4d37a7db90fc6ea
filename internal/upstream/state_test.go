package upstream

import (
	"testing"
	"time"

	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
)

func policy() gatewayconfig.FailoverPolicy {
	return gatewayconfig.FailoverPolicy{
		FailureThreshold:   3,
		HealthyThreshold:   2,
		RecoveryIntervalMs: 5000,
		RecoveryTimeoutMs:  3000,
	}
}

func TestCircuitTripsAfterThresholdFailures(t *testing.T) {
	now := time.Unix(0, 0)
	u := NewRuntimeUpstream(gatewayconfig.Upstream{Name: "a", Weight: 100}, now)
	p := policy()

	u.RecordFailure(p, now)
	u.RecordFailure(p, now)
	if u.State() != Healthy {
		t.Fatalf("state = %v after 2 failures, want HEALTHY (threshold 3)", u.State())
	}

	u.RecordFailure(p, now)
	if u.State() != Unhealthy {
		t.Fatalf("state = %v after 3 failures, want UNHEALTHY", u.State())
	}
}

func TestCircuitRecoversToHalfOpenAfterInterval(t *testing.T) {
	now := time.Unix(0, 0)
	u := NewRuntimeUpstream(gatewayconfig.Upstream{Name: "a", Weight: 100}, now)
	p := policy()

	u.RecordFailure(p, now)
	u.RecordFailure(p, now)
	u.RecordFailure(p, now)
	if u.State() != Unhealthy {
		t.Fatalf("expected UNHEALTHY, got %v", u.State())
	}

	tooSoon := now.Add(1 * time.Second)
	u.MaybeRecover(p, tooSoon)
	if u.State() != Unhealthy {
		t.Fatalf("recovered too early: state = %v", u.State())
	}

	later := now.Add(6 * time.Second)
	u.MaybeRecover(p, later)
	if u.State() != HalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN after recovery interval elapses", u.State())
	}
}

func TestHalfOpenTripsToUnhealthyOnSingleFailure(t *testing.T) {
	now := time.Unix(0, 0)
	u := NewRuntimeUpstream(gatewayconfig.Upstream{Name: "a", Weight: 100}, now)
	p := policy()
	u.RecordFailure(p, now)
	u.RecordFailure(p, now)
	u.RecordFailure(p, now)
	u.MaybeRecover(p, now.Add(6*time.Second))

	u.RecordFailure(p, now.Add(7*time.Second))
	if u.State() != Unhealthy {
		t.Fatalf("state = %v, want UNHEALTHY after a single half-open failure", u.State())
	}
}

func TestHalfOpenRecoversToHealthyAfterHealthyThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	u := NewRuntimeUpstream(gatewayconfig.Upstream{Name: "a", Weight: 100}, now)
	p := policy()
	u.RecordFailure(p, now)
	u.RecordFailure(p, now)
	u.RecordFailure(p, now)
	u.MaybeRecover(p, now.Add(6*time.Second))

	u.RecordSuccess(p, now.Add(7*time.Second))
	if u.State() != HalfOpen {
		t.Fatalf("state = %v after 1 success, want HALF_OPEN (threshold 2)", u.State())
	}

	u.RecordSuccess(p, now.Add(8*time.Second))
	if u.State() != Healthy {
		t.Fatalf("state = %v after 2 successes, want HEALTHY", u.State())
	}
}

func TestEffectiveWeightZeroWhenUnhealthy(t *testing.T) {
	now := time.Unix(0, 0)
	u := NewRuntimeUpstream(gatewayconfig.Upstream{Name: "a", Weight: 100}, now)
	p := policy()
	u.RecordFailure(p, now)
	u.RecordFailure(p, now)
	u.RecordFailure(p, now)

	if w := u.EffectiveWeight(now); w != 0 {
		t.Fatalf("got %d, want 0 for an UNHEALTHY upstream", w)
	}
}

func TestEffectiveWeightRampsDuringSlowStart(t *testing.T) {
	now := time.Unix(0, 0)
	u := NewRuntimeUpstream(gatewayconfig.Upstream{
		Name:   "a",
		Weight: 100,
		SlowStart: &gatewayconfig.SlowStartPolicy{
			DurationMs:          10000,
			InitialWeightFactor: 0.1,
		},
	}, now)

	if w := u.EffectiveWeight(now); w != 10 {
		t.Fatalf("got %d, want 10 (10%% of weight at t=0)", w)
	}

	mid := now.Add(5 * time.Second)
	if w := u.EffectiveWeight(mid); w < 40 || w > 60 {
		t.Fatalf("got %d, want ~55 at the slow-start midpoint", w)
	}

	after := now.Add(11 * time.Second)
	if w := u.EffectiveWeight(after); w != 100 {
		t.Fatalf("got %d, want full weight 100 after slow-start window elapses", w)
	}
}
