package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// HealthConfig tunes the probe cycle and state-transition thresholds
// (spec §4.9), including the Degraded/Unhealthy boundary thresholds
// (spec §9 Open Questions item 3 — operator-configured, defaults are
// guidance only).
type HealthConfig struct {
	Interval                     time.Duration
	ProbeTimeout                 time.Duration
	DegradedLatency              time.Duration
	DegradedUtil                 float64
	UnhealthyConsecutiveFailures int
	HealthyConsecutiveSuccesses  int
	RemoveAfter                  time.Duration
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:                     15 * time.Second,
		ProbeTimeout:                 5 * time.Second,
		DegradedLatency:              2 * time.Second,
		DegradedUtil:                 0.85,
		UnhealthyConsecutiveFailures: 3,
		HealthyConsecutiveSuccesses:  2,
		RemoveAfter:                  10 * time.Minute,
	}
}

// Prober executes a liveness probe against an instance and parses its
// capacity report. The actual transport (HTTP/TCP/exec to the worker) is
// an external collaborator per spec §1; Conductor only depends on this
// narrow interface.
type Prober interface {
	Probe(ctx context.Context, inst *types.Instance) (latency time.Duration, load types.LoadSnapshot, err error)
}

// HealthMonitor runs the periodic probe cycle described in spec §4.9.
type HealthMonitor struct {
	registry *Registry
	applier  Applier
	bus      *events.Broker
	prober   Prober
	cfg      HealthConfig
	log      zerolog.Logger

	mu       sync.Mutex
	cancelFn map[string]context.CancelFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewHealthMonitor(registry *Registry, applier Applier, bus *events.Broker, prober Prober, cfg HealthConfig) *HealthMonitor {
	return &HealthMonitor{
		registry: registry,
		applier:  applier,
		bus:      bus,
		prober:   prober,
		cfg:      cfg,
		log:      log.Component("health_monitor"),
		cancelFn: make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the probe-pool loop: one goroutine per tracked instance,
// each ticking independently at cfg.Interval.
func (h *HealthMonitor) Start() {
	h.wg.Add(1)
	go h.syncLoop()
}

func (h *HealthMonitor) Stop() {
	close(h.stopCh)
	h.mu.Lock()
	for _, cancel := range h.cancelFn {
		cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// syncLoop periodically reconciles the set of instance probe goroutines
// against current Registry membership. There is one probe goroutine per
// Active instance; their number is not capped.
func (h *HealthMonitor) syncLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.sync()
	for {
		select {
		case <-ticker.C:
			h.sync()
		case <-h.stopCh:
			return
		}
	}
}

func (h *HealthMonitor) sync() {
	current := h.registry.Snapshot()

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]struct{}, len(current))
	for _, inst := range current {
		seen[inst.ID] = struct{}{}
		if inst.Status != types.InstanceActive {
			continue
		}
		if _, tracked := h.cancelFn[inst.ID]; tracked {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFn[inst.ID] = cancel
		h.wg.Add(1)
		go h.probeLoop(ctx, inst.ID)
	}
	for id, cancel := range h.cancelFn {
		if _, ok := seen[id]; !ok {
			cancel()
			delete(h.cancelFn, id)
		}
	}
}

func (h *HealthMonitor) probeLoop(ctx context.Context, instanceID string) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.runProbe(ctx, instanceID)
		case <-ctx.Done():
			return
		}
	}
}

func (h *HealthMonitor) runProbe(ctx context.Context, instanceID string) {
	inst, ok := h.registry.Get(instanceID)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	latency, load, err := h.prober.Probe(probeCtx, inst)

	prior := inst.Health.State
	updated := h.transition(&inst.Health, latency, load, err)
	inst.Health = updated
	if err == nil {
		load.LastUpdated = time.Now()
		inst.Load = load
	}

	if updated.State != prior {
		h.applyAndEmit(inst, prior)
	} else {
		// Persist the refreshed load snapshot even without a state
		// transition; still goes through the write-ahead path.
		h.persist(inst)
	}

	if updated.State == types.HealthUnhealthy && !updated.UnhealthySince.IsZero() &&
		time.Since(updated.UnhealthySince) >= h.cfg.RemoveAfter {
		h.log.Warn().Str("instance_id", instanceID).Msg("removing instance: unhealthy past removeAfter")
		_ = h.registry.Remove(instanceID)
	}
}

// transition applies spec §4.9's consecutive-counter state machine.
func (h *HealthMonitor) transition(hs *types.HealthStatus, latency time.Duration, load types.LoadSnapshot, err error) types.HealthStatus {
	out := *hs
	out.LastProbeAt = time.Now()

	ok := err == nil
	if ok {
		out.ConsecutiveSuccess++
		out.ConsecutiveFailures = 0
		out.LastError = ""
	} else {
		out.ConsecutiveFailures++
		out.ConsecutiveSuccess = 0
		out.LastError = err.Error()
	}

	switch out.State {
	case types.HealthUnknown, types.HealthHealthy:
		if !ok {
			out.State = types.HealthDegraded
		} else if latency > h.cfg.DegradedLatency || load.CPUUtil > h.cfg.DegradedUtil || load.MemUtil > h.cfg.DegradedUtil {
			out.State = types.HealthDegraded
		} else {
			out.State = types.HealthHealthy
		}
	case types.HealthDegraded:
		if !ok && out.ConsecutiveFailures >= h.cfg.UnhealthyConsecutiveFailures {
			out.State = types.HealthUnhealthy
			out.UnhealthySince = time.Now()
		} else if ok && out.ConsecutiveSuccess >= h.cfg.HealthyConsecutiveSuccesses &&
			latency <= h.cfg.DegradedLatency && load.CPUUtil <= h.cfg.DegradedUtil && load.MemUtil <= h.cfg.DegradedUtil {
			out.State = types.HealthHealthy
		}
	case types.HealthUnhealthy:
		if ok && out.ConsecutiveSuccess >= h.cfg.HealthyConsecutiveSuccesses {
			out.State = types.HealthHealthy
			out.UnhealthySince = time.Time{}
		}
	}

	return out
}

func (h *HealthMonitor) applyAndEmit(inst *types.Instance, fromState types.HealthState) {
	h.persist(inst)

	h.bus.Publish(&events.Event{
		Type:       events.InstanceHealthChg,
		InstanceID: inst.ID,
		Message:    string(fromState) + " -> " + string(inst.Health.State),
		Audit:      true,
	})
	h.log.Info().Str("instance_id", inst.ID).
		Str("from", string(fromState)).Str("to", string(inst.Health.State)).
		Msg("instance health transition")
}

func (h *HealthMonitor) persist(inst *types.Instance) {
	data, err := json.Marshal(inst)
	if err != nil {
		h.log.Error().Err(err).Str("instance_id", inst.ID).Msg("marshal instance for health update")
		return
	}
	if err := h.applier.Apply(OpUpdateInstance, data); err != nil {
		h.log.Error().Err(err).Str("instance_id", inst.ID).Msg("apply health update")
	}
}
