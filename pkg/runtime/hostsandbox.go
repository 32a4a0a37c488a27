package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/types"
)

// HostSandboxProvider runs commands directly on the host inside a per-
// session workspace directory: no kernel boundary, no enforceable
// resource limits, no network isolation. Cheapest variant; used only
// when explicitly permitted. Built in the same shape as MicroVMProvider,
// minus anything containerd/OCI-specific.
type HostSandboxProvider struct {
	baseDir string

	mu       sync.Mutex
	sessions map[string]string // session id -> workspace dir
}

func NewHostSandboxProvider(baseDir string) (*HostSandboxProvider, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "conductor-hostsandbox")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: create hostsandbox base dir: %w", err)
	}
	return &HostSandboxProvider{baseDir: baseDir, sessions: make(map[string]string)}, nil
}

func (p *HostSandboxProvider) Kind() types.RuntimeKind { return types.RuntimeHostSandbox }

func (p *HostSandboxProvider) Capabilities() Capabilities {
	return Capabilities{
		NetworkIsolation: false,
		FSIsolation:      false,
		Snapshot:         false,
		ResourceLimits:   false,
		StreamingIO:      true,
	}
}

func (p *HostSandboxProvider) Spawn(ctx context.Context, cfg SpawnConfig) (*Session, error) {
	id := fmt.Sprintf("hs-%d", time.Now().UnixNano())
	dir := filepath.Join(p.baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "create workspace", err)
	}

	p.mu.Lock()
	p.sessions[id] = dir
	p.mu.Unlock()

	return &Session{ID: id}, nil
}

func (p *HostSandboxProvider) workspace(sess *Session) (string, error) {
	p.mu.Lock()
	dir, ok := p.sessions[sess.ID]
	p.mu.Unlock()
	if !ok {
		return "", cerrors.New(cerrors.TransientLocal, "host sandbox session not found")
	}
	return dir, nil
}

func (p *HostSandboxProvider) Execute(ctx context.Context, sess *Session, command []string, opts ExecOptions) (*ExecResult, error) {
	dir, err := p.workspace(sess)
	if err != nil {
		return nil, err
	}
	if len(command) == 0 {
		return nil, cerrors.New(cerrors.InvalidInput, "empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if ctx.Err() != nil {
		return result, cerrors.Wrap(cerrors.TransientLocal, "exec timeout", ctx.Err())
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if runErr != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "exec command", runErr)
	}
	return result, nil
}

func (p *HostSandboxProvider) ExecuteStream(ctx context.Context, sess *Session, command []string) (<-chan StreamEvent, error) {
	dir, err := p.workspace(sess)
	if err != nil {
		return nil, err
	}
	if len(command) == 0 {
		return nil, cerrors.New(cerrors.InvalidInput, "empty command")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, cerrors.Wrap(cerrors.TransientLocal, "start streaming exec", err)
	}

	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ch <- StreamEvent{Stdout: chunk}
			}
			if readErr != nil {
				break
			}
		}
		errBuf := make([]byte, 4096)
		for {
			n, readErr := stderr.Read(errBuf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, errBuf[:n])
				ch <- StreamEvent{Stderr: chunk}
			}
			if readErr != nil {
				break
			}
		}
		waitErr := cmd.Wait()
		exitCode := 0
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		ch <- StreamEvent{Done: true, ExitCode: exitCode, Err: waitErr}
	}()

	return ch, nil
}

func (p *HostSandboxProvider) HealthCheck(ctx context.Context, sess *Session) (types.HealthStatus, error) {
	if _, err := p.workspace(sess); err != nil {
		return types.HealthStatus{State: types.HealthUnhealthy, LastError: err.Error()}, nil
	}
	return types.HealthStatus{State: types.HealthHealthy, LastProbeAt: time.Now()}, nil
}

func (p *HostSandboxProvider) Snapshot(ctx context.Context, sess *Session) (*SnapshotHandle, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "host sandbox: snapshot not supported")
}

func (p *HostSandboxProvider) Restore(ctx context.Context, handle *SnapshotHandle) (*Session, error) {
	return nil, cerrors.New(cerrors.PermanentProvider, "host sandbox: restore not supported")
}

func (p *HostSandboxProvider) Destroy(ctx context.Context, sess *Session) error {
	dir, err := p.workspace(sess)
	if err != nil {
		return nil // already gone
	}
	p.mu.Lock()
	delete(p.sessions, sess.ID)
	p.mu.Unlock()
	return os.RemoveAll(dir)
}
