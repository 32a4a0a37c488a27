package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/conductor/pkg/types"
)

func newTestMonitor(cfg HealthConfig) *HealthMonitor {
	return &HealthMonitor{cfg: cfg}
}

func TestTransitionUnknownToHealthyOnSuccess(t *testing.T) {
	h := newTestMonitor(DefaultHealthConfig())
	hs := types.HealthStatus{State: types.HealthUnknown}

	out := h.transition(&hs, 10*time.Millisecond, types.LoadSnapshot{CPUUtil: 0.1, MemUtil: 0.1}, nil)
	assert.Equal(t, types.HealthHealthy, out.State)
	assert.Equal(t, 1, out.ConsecutiveSuccess)
}

func TestTransitionHealthyToDegradedOnFailure(t *testing.T) {
	h := newTestMonitor(DefaultHealthConfig())
	hs := types.HealthStatus{State: types.HealthHealthy}

	out := h.transition(&hs, 0, types.LoadSnapshot{}, errors.New("probe failed"))
	assert.Equal(t, types.HealthDegraded, out.State)
	assert.Equal(t, 1, out.ConsecutiveFailures)
	assert.Equal(t, "probe failed", out.LastError)
}

func TestTransitionHealthyToDegradedOnHighLatency(t *testing.T) {
	cfg := DefaultHealthConfig()
	h := newTestMonitor(cfg)
	hs := types.HealthStatus{State: types.HealthHealthy}

	out := h.transition(&hs, cfg.DegradedLatency+time.Second, types.LoadSnapshot{}, nil)
	assert.Equal(t, types.HealthDegraded, out.State)
}

func TestTransitionDegradedToUnhealthyAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultHealthConfig()
	h := newTestMonitor(cfg)
	hs := types.HealthStatus{State: types.HealthDegraded}

	var out types.HealthStatus
	for i := 0; i < cfg.UnhealthyConsecutiveFailures; i++ {
		out = h.transition(&hs, 0, types.LoadSnapshot{}, errors.New("down"))
		hs = out
	}
	assert.Equal(t, types.HealthUnhealthy, out.State)
	assert.False(t, out.UnhealthySince.IsZero())
}

func TestTransitionDegradedToHealthyAfterConsecutiveSuccesses(t *testing.T) {
	cfg := DefaultHealthConfig()
	h := newTestMonitor(cfg)
	hs := types.HealthStatus{State: types.HealthDegraded}

	var out types.HealthStatus
	for i := 0; i < cfg.HealthyConsecutiveSuccesses; i++ {
		out = h.transition(&hs, 10*time.Millisecond, types.LoadSnapshot{CPUUtil: 0.1, MemUtil: 0.1}, nil)
		hs = out
	}
	assert.Equal(t, types.HealthHealthy, out.State)
}

func TestTransitionUnhealthyRecoversToHealthy(t *testing.T) {
	cfg := DefaultHealthConfig()
	h := newTestMonitor(cfg)
	hs := types.HealthStatus{State: types.HealthUnhealthy, UnhealthySince: time.Now()}

	var out types.HealthStatus
	for i := 0; i < cfg.HealthyConsecutiveSuccesses; i++ {
		out = h.transition(&hs, 10*time.Millisecond, types.LoadSnapshot{}, nil)
		hs = out
	}
	assert.Equal(t, types.HealthHealthy, out.State)
	assert.True(t, out.UnhealthySince.IsZero())
}

func TestTransitionStaysDegradedOnPartialFailures(t *testing.T) {
	cfg := DefaultHealthConfig()
	h := newTestMonitor(cfg)
	hs := types.HealthStatus{State: types.HealthDegraded}

	out := h.transition(&hs, 0, types.LoadSnapshot{}, errors.New("down"))
	assert.Equal(t, types.HealthDegraded, out.State, "must not flip to unhealthy before the configured consecutive-failure threshold")
}
