package filesync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/types"
)

// Flusher schedules debounced sync-out flushes for a sandbox, coalescing
// bursts of tool_result events into a single object-store pass per window.
// A trigger that arrives while a flush is already running is dropped: it
// neither extends that flush's window nor queues a second one.
type Flusher struct {
	mu      sync.Mutex
	pending map[string]*pendingFlush

	syncer *Syncer
	log    zerolog.Logger
}

type pendingFlush struct {
	timer   *time.Timer
	running bool
}

// NewFlusher builds a Flusher backed by syncer for the actual sync-out work.
func NewFlusher(syncer *Syncer, log zerolog.Logger) *Flusher {
	return &Flusher{pending: make(map[string]*pendingFlush), syncer: syncer, log: log}
}

// Trigger schedules (or extends) a debounced flush for conversationID. Only
// one flush runs per sandbox at a time; a trigger that arrives while a
// flush is already in flight is dropped, and does not schedule another
// run. known/tenant are captured at trigger time and the flush
// writes its resulting manifest back via onFlushed.
func (f *Flusher) Trigger(info types.SandboxInfo, tenant, conversationID string, debounce time.Duration, known func() Manifest, onFlushed func(Manifest)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pf, ok := f.pending[conversationID]
	if ok {
		if pf.running {
			return
		}
		pf.timer.Reset(debounce)
		return
	}

	pf = &pendingFlush{}
	f.pending[conversationID] = pf
	pf.timer = time.AfterFunc(debounce, func() {
		f.runFlush(info, tenant, conversationID, known, onFlushed)
	})
}

func (f *Flusher) runFlush(info types.SandboxInfo, tenant, conversationID string, known func() Manifest, onFlushed func(Manifest)) {
	f.mu.Lock()
	pf, ok := f.pending[conversationID]
	if !ok {
		f.mu.Unlock()
		return
	}
	pf.running = true
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), f.syncer.cfg.SyncTimeout)
	defer cancel()

	updated, err := f.syncer.SyncOut(ctx, info, tenant, conversationID, known())
	if err != nil {
		// Failures are logged and retried on the next trigger; they never
		// abort the agent turn that caused them.
		f.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("debounced sync-out failed")
	} else {
		onFlushed(updated)
	}

	f.mu.Lock()
	delete(f.pending, conversationID)
	f.mu.Unlock()
}

// Stop cancels any pending flush for conversationID without running it.
func (f *Flusher) Stop(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pf, ok := f.pending[conversationID]; ok {
		pf.timer.Stop()
		delete(f.pending, conversationID)
	}
}
