package gc

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/workspacecore/workspacecore/internal/lifecycle"
	"github.com/workspacecore/workspacecore/internal/registry"
	"github.com/workspacecore/workspacecore/internal/types"
)

var errUnhealthy = errors.New("health probe failed")

type fakeCleanup struct {
	destroyed []string
}

func (f *fakeCleanup) Destroy(ctx context.Context, conversationID string) error {
	f.destroyed = append(f.destroyed, conversationID)
	return nil
}

type fakeLifecycle struct {
	runtimeSandboxes []types.SandboxInfo
	destroyed        []string
	healthy          bool
}

func (f *fakeLifecycle) Create(ctx context.Context, opts lifecycle.CreateOptions) (types.SandboxInfo, error) {
	return types.SandboxInfo{}, nil
}
func (f *fakeLifecycle) Start(ctx context.Context, info types.SandboxInfo) error    { return nil }
func (f *fakeLifecycle) WaitReady(ctx context.Context, info types.SandboxInfo) error {
	if !f.healthy {
		return errUnhealthy
	}
	return nil
}
func (f *fakeLifecycle) Destroy(ctx context.Context, info types.SandboxInfo) error {
	f.destroyed = append(f.destroyed, info.SandboxID)
	return nil
}
func (f *fakeLifecycle) Exec(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (lifecycle.ExecResult, error) {
	return lifecycle.ExecResult{}, nil
}
func (f *fakeLifecycle) ExecBinary(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (lifecycle.ExecStream, error) {
	return fakeExecStream{ReadCloser: io.NopCloser(strings.NewReader(""))}, nil
}

type fakeExecStream struct {
	io.ReadCloser
}

func (fakeExecStream) ExitCode() int { return 0 }
func (f *fakeLifecycle) List(ctx context.Context) ([]types.SandboxInfo, error) {
	return f.runtimeSandboxes, nil
}
func (f *fakeLifecycle) Logs(ctx context.Context, info types.SandboxInfo, tailLines int) (string, error) {
	if !f.healthy {
		return "", errUnhealthy
	}
	return "", nil
}

func newTestRegistry(t *testing.T) *registry.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return registry.New(rdb, time.Hour, zerolog.Nop())
}

func TestGCNeverDestroysRunningSandbox(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	info := types.SandboxInfo{
		SandboxID:      "sbx-1",
		ConversationID: "conv-1",
		Status:         types.StatusRunning,
		CreatedAt:      time.Now().Add(-24 * time.Hour),
		LastActiveAt:   time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, reg.Bind(ctx, "conv-1", info))

	cleanup := &fakeCleanup{}
	lc := &fakeLifecycle{healthy: true}
	g := New(Config{InactiveTTL: time.Hour, AbsoluteTTL: 8 * time.Hour, OrphanCycleEvery: 5}, reg, cleanup, lc, nil, zerolog.Nop())

	g.sweep(ctx)
	require.Empty(t, cleanup.destroyed)
}

func TestGCDestroysSandboxPastInactiveTTL(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	info := types.SandboxInfo{
		SandboxID:      "sbx-2",
		ConversationID: "conv-2",
		Status:         types.StatusIdle,
		CreatedAt:      time.Now().Add(-2 * time.Hour),
		LastActiveAt:   time.Now().Add(-90 * time.Minute),
	}
	require.NoError(t, reg.Bind(ctx, "conv-2", info))

	cleanup := &fakeCleanup{}
	lc := &fakeLifecycle{healthy: true}
	g := New(Config{InactiveTTL: time.Hour, AbsoluteTTL: 8 * time.Hour, OrphanCycleEvery: 5}, reg, cleanup, lc, nil, zerolog.Nop())

	g.sweep(ctx)
	require.Equal(t, []string{"conv-2"}, cleanup.destroyed)
}

// TestGCDestroysSandboxFailingHealthProbe exercises the health-probe leg of
// shouldDestroy, which must consult Lifecycle.WaitReady (the same liveness
// capability GetOrCreate uses) rather than Lifecycle.Logs, a diagnostics-only
// operation with no bearing on whether the in-sandbox agent is alive.
func TestGCDestroysSandboxFailingHealthProbe(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	info := types.SandboxInfo{
		SandboxID:      "sbx-3",
		ConversationID: "conv-3",
		Status:         types.StatusIdle,
		CreatedAt:      time.Now(),
		LastActiveAt:   time.Now(),
	}
	require.NoError(t, reg.Bind(ctx, "conv-3", info))

	cleanup := &fakeCleanup{}
	lc := &fakeLifecycle{healthy: false}
	g := New(Config{InactiveTTL: time.Hour, AbsoluteTTL: 8 * time.Hour, OrphanCycleEvery: 5}, reg, cleanup, lc, nil, zerolog.Nop())

	g.sweep(ctx)
	require.Equal(t, []string{"conv-3"}, cleanup.destroyed)
}
