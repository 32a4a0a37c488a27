// Package runtime is Conductor's Runtime Provider Abstraction (spec §4.3):
// a uniform interface over the isolation backends a Task may be dispatched
// to, plus a closed factory registry keyed by a stable string so adding a
// variant is a plug-in.
package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/types"
)

// Capabilities are the feature flags a Provider advertises (spec §4.3).
type Capabilities struct {
	NetworkIsolation bool
	FSIsolation      bool
	Snapshot         bool
	ResourceLimits   bool
	StreamingIO      bool
}

// SpawnConfig describes the session a Provider must create.
type SpawnConfig struct {
	Image        string
	Ceilings     types.ResourceCeilings
	Env          map[string]string
	Capabilities []string
}

// ExecOptions configures a single command execution within a session.
type ExecOptions struct {
	Timeout time.Duration
	Stdin   io.Reader
}

// ExecResult is the outcome of execute (spec §4.3's table).
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitCode   int
	DurationMs int64
}

// StreamEvent is one element of an executeStream response: either a chunk
// of output or a terminal exit notification.
type StreamEvent struct {
	Stdout   []byte
	Stderr   []byte
	Done     bool
	ExitCode int
	Err      error
}

// Session is the opaque handle returned by Spawn.
type Session struct {
	ID         string
	InstanceID string
}

// SnapshotHandle identifies a saved session state (optional capability).
type SnapshotHandle struct {
	ID string
}

// Provider is the uniform surface every runtime variant implements (spec
// §4.3). Snapshot/Restore are optional: a Provider that does not support
// them returns an error wrapping pkg/errors.PermanentProvider.
type Provider interface {
	Kind() types.RuntimeKind
	Capabilities() Capabilities
	Spawn(ctx context.Context, cfg SpawnConfig) (*Session, error)
	Execute(ctx context.Context, sess *Session, command []string, opts ExecOptions) (*ExecResult, error)
	ExecuteStream(ctx context.Context, sess *Session, command []string) (<-chan StreamEvent, error)
	HealthCheck(ctx context.Context, sess *Session) (types.HealthStatus, error)
	Snapshot(ctx context.Context, sess *Session) (*SnapshotHandle, error)
	Restore(ctx context.Context, handle *SnapshotHandle) (*Session, error)
	Destroy(ctx context.Context, sess *Session) error
}

// Factory constructs a Provider on demand. Registered under a stable string
// key so new variants plug in without touching the Fallback Orchestrator.
type Factory func() (Provider, error)

// Registry is the closed factory registry keyed by string (spec §4.3:
// "Adding a new variant is a plug-in: implement the interface, register a
// factory with a stable string key.").
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
	}
}

// Register installs a factory under key. Calling Register with a key that
// already has a live provider replaces the factory for future Get calls
// only; the existing provider instance is unaffected.
func (r *Registry) Register(key string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Get returns the provider for key, constructing and caching it on first
// use.
func (r *Registry) Get(key string) (Provider, error) {
	r.mu.RLock()
	if p, ok := r.providers[key]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runtime: no provider registered for key %q", key)
	}

	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("runtime: construct provider %q: %w", key, err)
	}

	r.mu.Lock()
	r.providers[key] = p
	r.mu.Unlock()
	return p, nil
}

// Keys returns every registered factory key.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}
