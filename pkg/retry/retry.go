// Package retry is Conductor's Retry Engine (spec §4.6): backoff
// computation and error-class-driven retry decisions.
//
// Grounded on resilience.Retry/addJitter/nextDelay from the
// r3e-network-service_layer example, generalized from that package's single
// exponential-with-multiplier shape to the spec's three named backoff
// kinds (Fixed/Linear/Exponential) and symmetric +/-jitterPct jitter.
package retry

import (
	"math/rand/v2"
	"sync"
	"time"

	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/types"
	"golang.org/x/time/rate"
)

// Decision is what the Fallback Orchestrator should do after an attempt
// fails, per spec §4.6's error classification table.
type Decision int

const (
	// NoRetry: permanent failure, Task moves to Failed.
	NoRetry Decision = iota
	// RetryViaFallback: transient-local, attempt the next runtime kind.
	RetryViaFallback
	// RetrySameKind: transient-remote, retry the same kind first.
	RetrySameKind
	// DeferToQueue: capacity-class, requeue and retry after a cooldown.
	DeferToQueue
)

// Classify maps an error taxonomy Kind to a retry Decision (spec §4.6).
func Classify(kind cerrors.Kind) Decision {
	switch kind {
	case cerrors.TransientLocal, cerrors.CircuitOpen:
		return RetryViaFallback
	case cerrors.TransientRemote:
		return RetrySameKind
	case cerrors.NoEligibleInstance, cerrors.FederationCapacity:
		return DeferToQueue
	default:
		return NoRetry
	}
}

// Delay computes the backoff duration for the given 1-indexed attempt
// number, per spec §4.6: min(maxDelay, baseDelay*f(attempt)) * (1+jitter),
// jitter ~ U(-jitterPct, +jitterPct).
func Delay(policy types.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base float64
	switch policy.Backoff {
	case types.BackoffFixed:
		base = float64(policy.BaseDelay)
	case types.BackoffLinear:
		base = float64(policy.BaseDelay) * float64(attempt)
	case types.BackoffExponential:
		base = float64(policy.BaseDelay) * pow2(attempt-1)
	default:
		base = float64(policy.BaseDelay)
	}

	d := time.Duration(base)
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}

	return applyJitter(d, policy.JitterPct)
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}

func applyJitter(d time.Duration, jitterPct float64) time.Duration {
	if jitterPct <= 0 {
		return d
	}
	// U(-jitterPct, +jitterPct)
	factor := 1 + (rand.Float64()*2-1)*jitterPct
	return time.Duration(float64(d) * factor)
}

// ShouldRetry reports whether attempt has any retries left under policy.
func ShouldRetry(policy types.RetryPolicy, attempt int) bool {
	return attempt < policy.MaxAttempts
}

// CooldownGate rate-limits retries of Capacity-class errors per tenant, so
// a tenant stuck at capacity does not busy-loop the queue (spec §4.6's
// "defer to queue, retry after cooldown").
type CooldownGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
}

func NewCooldownGate(every time.Duration) *CooldownGate {
	return &CooldownGate{limiters: make(map[string]*rate.Limiter), every: every}
}

// Allow reports whether tenantID may attempt a capacity-class retry now.
func (g *CooldownGate) Allow(tenantID string) bool {
	g.mu.Lock()
	l, ok := g.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.every), 1)
		g.limiters[tenantID] = l
	}
	g.mu.Unlock()
	return l.Allow()
}
