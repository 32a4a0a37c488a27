package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/cuemby/conductor/pkg/errors"
	"github.com/cuemby/conductor/pkg/types"
)

func TestHostSandboxSpawnExecuteDestroy(t *testing.T) {
	p, err := NewHostSandboxProvider(t.TempDir())
	require.NoError(t, err)

	sess, err := p.Spawn(context.Background(), SpawnConfig{})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	result, err := p.Execute(context.Background(), sess, []string{"echo", "hello"}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, string(result.Stdout), "hello")

	require.NoError(t, p.Destroy(context.Background(), sess))

	_, err = p.Execute(context.Background(), sess, []string{"echo", "hi"}, ExecOptions{})
	assert.Error(t, err, "executing against a destroyed session must fail")
}

func TestHostSandboxExecuteRejectsEmptyCommand(t *testing.T) {
	p, err := NewHostSandboxProvider(t.TempDir())
	require.NoError(t, err)

	sess, err := p.Spawn(context.Background(), SpawnConfig{})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), sess, nil, ExecOptions{})
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.InvalidInput))
}

func TestHostSandboxExecuteCapturesNonZeroExit(t *testing.T) {
	p, err := NewHostSandboxProvider(t.TempDir())
	require.NoError(t, err)

	sess, err := p.Spawn(context.Background(), SpawnConfig{})
	require.NoError(t, err)

	result, err := p.Execute(context.Background(), sess, []string{"sh", "-c", "exit 3"}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestHostSandboxExecuteTimesOut(t *testing.T) {
	p, err := NewHostSandboxProvider(t.TempDir())
	require.NoError(t, err)

	sess, err := p.Spawn(context.Background(), SpawnConfig{})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), sess, []string{"sleep", "5"}, ExecOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.TransientLocal))
}

func TestHostSandboxHealthCheck(t *testing.T) {
	p, err := NewHostSandboxProvider(t.TempDir())
	require.NoError(t, err)

	sess, err := p.Spawn(context.Background(), SpawnConfig{})
	require.NoError(t, err)

	health, err := p.HealthCheck(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, health.State)

	require.NoError(t, p.Destroy(context.Background(), sess))
	health, err = p.HealthCheck(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnhealthy, health.State)
}

func TestHostSandboxSnapshotRestoreUnsupported(t *testing.T) {
	p, err := NewHostSandboxProvider(t.TempDir())
	require.NoError(t, err)

	sess, err := p.Spawn(context.Background(), SpawnConfig{})
	require.NoError(t, err)

	_, err = p.Snapshot(context.Background(), sess)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.PermanentProvider))

	_, err = p.Restore(context.Background(), &SnapshotHandle{ID: "x"})
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.PermanentProvider))
}

func TestHostSandboxKindAndCapabilities(t *testing.T) {
	p, err := NewHostSandboxProvider(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, types.RuntimeHostSandbox, p.Kind())
	caps := p.Capabilities()
	assert.False(t, caps.NetworkIsolation)
	assert.False(t, caps.Snapshot)
	assert.True(t, caps.StreamingIO)
}
