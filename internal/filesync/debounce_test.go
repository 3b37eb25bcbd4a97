package filesync

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/workspacecore/workspacecore/internal/lifecycle"
	"github.com/workspacecore/workspacecore/internal/types"
)

// fakeLifecycle implements lifecycle.Lifecycle with Exec/ExecBinary that
// report an empty workspace, enough to exercise the debounce path without a
// real container runtime.
type fakeLifecycle struct {
	execCalls int32
}

func (f *fakeLifecycle) Create(ctx context.Context, opts lifecycle.CreateOptions) (types.SandboxInfo, error) {
	return types.SandboxInfo{}, nil
}
func (f *fakeLifecycle) Start(ctx context.Context, info types.SandboxInfo) error    { return nil }
func (f *fakeLifecycle) WaitReady(ctx context.Context, info types.SandboxInfo) error { return nil }
func (f *fakeLifecycle) Destroy(ctx context.Context, info types.SandboxInfo) error  { return nil }
func (f *fakeLifecycle) Exec(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (lifecycle.ExecResult, error) {
	atomic.AddInt32(&f.execCalls, 1)
	return lifecycle.ExecResult{ExitCode: 0, Output: nil}, nil
}
func (f *fakeLifecycle) ExecBinary(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (lifecycle.ExecStream, error) {
	return fakeExecStream{ReadCloser: io.NopCloser(strings.NewReader(""))}, nil
}

type fakeExecStream struct {
	io.ReadCloser
}

func (fakeExecStream) ExitCode() int { return 0 }
func (f *fakeLifecycle) List(ctx context.Context) ([]types.SandboxInfo, error) { return nil, nil }
func (f *fakeLifecycle) Logs(ctx context.Context, info types.SandboxInfo, tailLines int) (string, error) {
	return "", nil
}

func TestFlusherCoalescesBurstsIntoOneRun(t *testing.T) {
	fl := &fakeLifecycle{}
	syncer := NewSyncer(Config{SyncTimeout: time.Second}, nil, fl, zerolog.Nop())
	flusher := NewFlusher(syncer, zerolog.Nop())

	var mu sync.Mutex
	var flushCount int
	known := Manifest{}

	info := types.SandboxInfo{SandboxID: "sbx-1"}
	for i := 0; i < 5; i++ {
		flusher.Trigger(info, "tenant", "conv-1", 30*time.Millisecond, func() Manifest { return known }, func(m Manifest) {
			mu.Lock()
			flushCount++
			mu.Unlock()
		})
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, flushCount, "bursts within the debounce window should coalesce into exactly one flush")
}

func TestFlusherStopCancelsPendingFlush(t *testing.T) {
	fl := &fakeLifecycle{}
	syncer := NewSyncer(Config{SyncTimeout: time.Second}, nil, fl, zerolog.Nop())
	flusher := NewFlusher(syncer, zerolog.Nop())

	ran := false
	info := types.SandboxInfo{SandboxID: "sbx-1"}
	flusher.Trigger(info, "tenant", "conv-1", 20*time.Millisecond, func() Manifest { return Manifest{} }, func(m Manifest) {
		ran = true
	})
	flusher.Stop("conv-1")

	time.Sleep(50 * time.Millisecond)
	require.False(t, ran)
}
