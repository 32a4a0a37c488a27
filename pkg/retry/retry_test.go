package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		kind cerrors.Kind
		want Decision
	}{
		{cerrors.TransientLocal, RetryViaFallback},
		{cerrors.CircuitOpen, RetryViaFallback},
		{cerrors.TransientRemote, RetrySameKind},
		{cerrors.NoEligibleInstance, DeferToQueue},
		{cerrors.FederationCapacity, DeferToQueue},
		{cerrors.InvalidInput, NoRetry},
		{cerrors.BudgetExceeded, NoRetry},
		{cerrors.PolicyDenied, NoRetry},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.kind))
		})
	}
}

func TestDelayFixed(t *testing.T) {
	policy := types.RetryPolicy{Backoff: types.BackoffFixed, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	d := Delay(policy, 5)
	assert.Equal(t, 100*time.Millisecond, d)
}

func TestDelayLinear(t *testing.T) {
	policy := types.RetryPolicy{Backoff: types.BackoffLinear, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, Delay(policy, 1))
	assert.Equal(t, 300*time.Millisecond, Delay(policy, 3))
}

func TestDelayExponential(t *testing.T) {
	policy := types.RetryPolicy{Backoff: types.BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, Delay(policy, 1))
	assert.Equal(t, 200*time.Millisecond, Delay(policy, 2))
	assert.Equal(t, 400*time.Millisecond, Delay(policy, 3))
}

func TestDelayRespectsMaxDelay(t *testing.T) {
	policy := types.RetryPolicy{Backoff: types.BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	d := Delay(policy, 10)
	assert.LessOrEqual(t, d, 250*time.Millisecond)
}

func TestDelayJitterBounded(t *testing.T) {
	policy := types.RetryPolicy{Backoff: types.BackoffFixed, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterPct: 0.2}
	for i := 0; i < 50; i++ {
		d := Delay(policy, 1)
		assert.GreaterOrEqual(t, d, 79*time.Millisecond)
		assert.LessOrEqual(t, d, 121*time.Millisecond)
	}
}

func TestShouldRetry(t *testing.T) {
	policy := types.RetryPolicy{MaxAttempts: 3}
	assert.True(t, ShouldRetry(policy, 1))
	assert.True(t, ShouldRetry(policy, 2))
	assert.False(t, ShouldRetry(policy, 3))
	assert.False(t, ShouldRetry(policy, 4))
}

func TestCooldownGateAllowsThenThrottles(t *testing.T) {
	gate := NewCooldownGate(time.Minute)
	assert.True(t, gate.Allow("tenant-a"))
	assert.False(t, gate.Allow("tenant-a"), "second call within the cooldown window should be throttled")
	assert.True(t, gate.Allow("tenant-b"), "a different tenant has its own limiter")
}
