package runtime

import (
	"context"
	"fmt"
	"time"

	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// RemoteSandbox method names on the externally-hosted sandbox service.
// Conductor carries no generated .proto/.pb.go for this service; instead
// it invokes the remote methods directly against structpb.Struct
// envelopes via grpc.ClientConn.Invoke, the same approach grpc-gateway/
// reflection tooling uses against services it has no generated stubs
// for.
const (
	methodSpawn   = "/conductor.sandbox.v1.Sandbox/Spawn"
	methodExecute = "/conductor.sandbox.v1.Sandbox/Execute"
	methodHealth  = "/conductor.sandbox.v1.Sandbox/HealthCheck"
	methodDestroy = "/conductor.sandbox.v1.Sandbox/Destroy"
)

// RemoteSandboxProvider delegates spawn/execute to an external service over
// an authenticated RPC (spec §4.3). "Authenticated" is carried via the
// grpc.DialOption supplied at construction (mTLS creds, a token
// interceptor, etc.) — this provider does not itself manage credentials.
type RemoteSandboxProvider struct {
	conn *grpc.ClientConn
}

// NewRemoteSandboxProvider dials target with the given dial options. Pass
// a transport-credentials option appropriate to the deployment; insecure
// credentials are only ever appropriate for local development.
func NewRemoteSandboxProvider(target string, opts ...grpc.DialOption) (*RemoteSandboxProvider, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: dial remote sandbox %s: %w", target, err)
	}
	return &RemoteSandboxProvider{conn: conn}, nil
}

func (p *RemoteSandboxProvider) Kind() types.RuntimeKind { return types.RuntimeRemoteSandbox }

func (p *RemoteSandboxProvider) Capabilities() Capabilities {
	return Capabilities{
		NetworkIsolation: true,
		FSIsolation:      true,
		Snapshot:         false,
		ResourceLimits:   true,
		StreamingIO:      false,
	}
}

func envStruct(cfg SpawnConfig) (*structpb.Struct, error) {
	env := make(map[string]any, len(cfg.Env)+2)
	for k, v := range cfg.Env {
		env[k] = v
	}
	env["image"] = cfg.Image
	env["cpu_ceiling"] = cfg.Ceilings.CPU
	env["memory_bytes_ceiling"] = float64(cfg.Ceilings.MemoryBytes)
	env["capabilities"] = toAnySlice(cfg.Capabilities)
	return structpb.NewStruct(env)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func (p *RemoteSandboxProvider) Spawn(ctx context.Context, cfg SpawnConfig) (*Session, error) {
	req, err := envStruct(cfg)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.InvalidInput, "build spawn request", err)
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, methodSpawn, req, resp); err != nil {
		return nil, cerrors.Wrap(cerrors.TransientRemote, "remote spawn", err)
	}

	id, ok := resp.Fields["session_id"]
	if !ok {
		return nil, cerrors.New(cerrors.PermanentProvider, "remote spawn: response missing session_id")
	}
	return &Session{ID: id.GetStringValue()}, nil
}

func (p *RemoteSandboxProvider) Execute(ctx context.Context, sess *Session, command []string, opts ExecOptions) (*ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]any{
		"session_id": sess.ID,
		"command":    toAnySlice(command),
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.InvalidInput, "build execute request", err)
	}

	start := time.Now()
	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, methodExecute, req, resp); err != nil {
		return nil, cerrors.Wrap(cerrors.TransientRemote, "remote execute", err)
	}

	result := &ExecResult{DurationMs: time.Since(start).Milliseconds()}
	if v, ok := resp.Fields["stdout"]; ok {
		result.Stdout = []byte(v.GetStringValue())
	}
	if v, ok := resp.Fields["stderr"]; ok {
		result.Stderr = []byte(v.GetStringValue())
	}
	if v, ok := resp.Fields["exit_code"]; ok {
		result.ExitCode = int(v.GetNumberValue())
	}
	return result, nil
}

func (p *RemoteSandboxProvider) ExecuteStream(ctx context.Context, sess *Session, command []string) (<-chan StreamEvent, error) {
	// Server-streaming requires a generated service descriptor; without
	// one, grpc.ClientConn has no generic streaming invoke analogous to
	// Invoke for unary calls.
	return nil, cerrors.New(cerrors.PermanentProvider, "remote sandbox: executeStream requires a generated client")
}

func (p *RemoteSandboxProvider) HealthCheck(ctx context.Context, sess *Session) (types.HealthStatus, error) {
	req, err := structpb.NewStruct(map[string]any{"session_id": sess.ID})
	if err != nil {
		return types.HealthStatus{}, err
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, methodHealth, req, resp); err != nil {
		return types.HealthStatus{State: types.HealthUnhealthy, LastError: err.Error(), LastProbeAt: time.Now()}, nil
	}

	state := types.HealthHealthy
	if v, ok := resp.Fields["state"]; ok {
		state = types.HealthState(v.GetStringValue())
	}
	return types.HealthStatus{State: state, LastProbeAt: time.Now()}, nil
}

func (p *RemoteSandboxProvider) Snapshot(ctx context.Context, sess *Session) (*SnapshotHandle, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "remote sandbox: snapshot not supported")
}

func (p *RemoteSandboxProvider) Restore(ctx context.Context, handle *SnapshotHandle) (*Session, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "remote sandbox: restore not supported")
}

func (p *RemoteSandboxProvider) Destroy(ctx context.Context, sess *Session) error {
	req, err := structpb.NewStruct(map[string]any{"session_id": sess.ID})
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, methodDestroy, req, resp); err != nil {
		return cerrors.Wrap(cerrors.TransientRemote, "remote destroy", err)
	}
	return nil
}

func (p *RemoteSandboxProvider) Close() error {
	return p.conn.Close()
}
