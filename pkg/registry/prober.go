package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/conductor/pkg/types"
)

// capacityReport is the lightweight JSON body a worker's probe endpoint
// returns (spec §4.9: "parses a lightweight capacity report"). Field names
// mirror types.LoadSnapshot's json tags so a worker can reuse the same
// struct when building its heartbeat payload.
type capacityReport struct {
	CPUUtil     float64 `json:"cpu_util"`
	MemUtil     float64 `json:"mem_util"`
	ActiveSess  int     `json:"active_sessions"`
	QueuedTasks int     `json:"queued_tasks"`
}

// HTTPProber is the default Prober implementation: a plain GET against the
// instance's advertised endpoint, using a request/timeout/status-code
// check that returns the richer latency+LoadSnapshot Prober requires
// instead of a single pass/fail result.
type HTTPProber struct {
	Path   string
	Client *http.Client
}

// NewHTTPProber builds an HTTPProber that probes path (default "/healthz")
// with the given per-call timeout.
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	if path == "" {
		path = "/healthz"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		Path:   path,
		Client: &http.Client{Timeout: timeout},
	}
}

// Probe satisfies registry.Prober: GET inst.Endpoint+Path, expecting a 2xx
// response whose body decodes as a capacityReport.
func (p *HTTPProber) Probe(ctx context.Context, inst *types.Instance) (time.Duration, types.LoadSnapshot, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.Endpoint+p.Path, nil)
	if err != nil {
		return time.Since(start), types.LoadSnapshot{}, fmt.Errorf("prober: build request: %w", err)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return time.Since(start), types.LoadSnapshot{}, fmt.Errorf("prober: request failed: %w", err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, types.LoadSnapshot{}, fmt.Errorf("prober: unhealthy status %d", resp.StatusCode)
	}

	var report capacityReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return latency, types.LoadSnapshot{}, fmt.Errorf("prober: decode capacity report: %w", err)
	}

	return latency, types.LoadSnapshot{
		CPUUtil:     report.CPUUtil,
		MemUtil:     report.MemUtil,
		ActiveSess:  report.ActiveSess,
		QueuedTasks: report.QueuedTasks,
		LastUpdated: time.Now(),
	}, nil
}
