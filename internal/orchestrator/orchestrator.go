// Package orchestrator is the control plane's top-level entrypoint: it
// acquires or creates a sandbox for a conversation, makes sure that
// sandbox's credential proxy is running before anything inside it could
// reach the network, syncs files in, runs one agent turn, relays the
// resulting SSE stream back to the caller with crash-recovery semantics,
// and tears sandboxes down on explicit destroy or process shutdown.
//
// It depends on every other component purely through interfaces
// (lifecycle.Lifecycle, warmpool.Source, Registry, CredentialSupervisor,
// FileSyncer) so it never holds a concrete backend type, breaking the
// Orchestrator<->GC<->WarmPool reference cycle described in the design
// notes: GC holds a SandboxCleanup capability back onto this package
// (satisfied by *Orchestrator.Destroy), and this package holds a
// warmpool.Source capability rather than *warmpool.Pool.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/credproxy"
	"github.com/workspacecore/workspacecore/internal/filesync"
	"github.com/workspacecore/workspacecore/internal/lifecycle"
	"github.com/workspacecore/workspacecore/internal/metrics"
	"github.com/workspacecore/workspacecore/internal/registry"
	"github.com/workspacecore/workspacecore/internal/sse"
	"github.com/workspacecore/workspacecore/internal/types"
	"github.com/workspacecore/workspacecore/internal/warmpool"
)

// Registry is the subset of *registry.Store the Orchestrator depends on.
type Registry interface {
	Get(ctx context.Context, conversationID string) (types.SandboxInfo, error)
	Bind(ctx context.Context, conversationID string, info types.SandboxInfo) error
	Touch(ctx context.Context, conversationID string, now time.Time) error
	UpdateStatus(ctx context.Context, conversationID string, to types.Status) error
	Delete(ctx context.Context, conversationID string) error
	ListAll(ctx context.Context) ([]types.SandboxInfo, error)
}

// CredentialSupervisor is the subset of *credproxy.Supervisor the
// Orchestrator depends on: start/stop a sandbox's proxy and rotate its
// credential/allow-list snapshot.
type CredentialSupervisor interface {
	Start(ctx context.Context, info types.SandboxInfo, initial credproxy.Snapshot) error
	Stop(ctx context.Context, sandboxID string) error
	PushCredentials(ctx context.Context, sandboxID string, creds types.CredentialMaterial) error
	PushAllowList(ctx context.Context, sandboxID string, allow types.AllowList) error
}

// FileSyncer is the subset of *filesync.Syncer the Orchestrator depends on.
type FileSyncer interface {
	SyncIn(ctx context.Context, info types.SandboxInfo, tenant, conversationID string, known filesync.Manifest) (filesync.Manifest, error)
	SyncOut(ctx context.Context, info types.SandboxInfo, tenant, conversationID string, known filesync.Manifest) (filesync.Manifest, error)
}

var _ Registry = (*registry.Store)(nil)
var _ CredentialSupervisor = (*credproxy.Supervisor)(nil)
var _ FileSyncer = (*filesync.Syncer)(nil)

// Orchestrator wires the registry, warm pool, lifecycle backend, credential
// proxy supervisor, and file syncer into the one-turn control flow
// described in the system overview.
type Orchestrator struct {
	cfg     Config
	reg     Registry
	pool    warmpool.Source
	lc      lifecycle.Lifecycle
	creds   CredentialSupervisor
	syncer  FileSyncer
	flusher *filesync.Flusher
	metrics *metrics.Registry
	log     zerolog.Logger

	convLocks *keyedMutex
	dedup     *registry.Coordinator

	manifestsMu sync.Mutex
	manifests   map[string]filesync.Manifest
	tenants     map[string]string

	sandboxSem chan struct{}

	draining chan struct{}
	once     sync.Once
}

// New builds an Orchestrator. flusher may be nil, in which case mid-run
// debounced sync-out is skipped (files are still synced at start/end of a
// turn).
func New(cfg Config, reg Registry, pool warmpool.Source, lc lifecycle.Lifecycle, creds CredentialSupervisor, syncer FileSyncer, flusher *filesync.Flusher, m *metrics.Registry, log zerolog.Logger) *Orchestrator {
	sem := make(chan struct{}, cfg.MaxConcurrentSandboxes)
	return &Orchestrator{
		cfg:        cfg,
		reg:        reg,
		pool:       pool,
		lc:         lc,
		creds:      creds,
		syncer:     syncer,
		flusher:    flusher,
		metrics:    m,
		log:        log.With().Str("component", "orchestrator").Logger(),
		convLocks:  newKeyedMutex(),
		dedup:      registry.NewCoordinator(),
		manifests:  make(map[string]filesync.Manifest),
		tenants:    make(map[string]string),
		sandboxSem: sem,
		draining:   make(chan struct{}),
	}
}

// GetOrCreate returns the sandbox currently bound to conversationID,
// reusing it if the registry has a live binding that passes a liveness
// probe, or else acquiring one from the warm pool (falling through to
// on-demand creation) and binding it. Creation is serialized per
// conversation by a singleflight.Group keyed on conversationID, so
// concurrent callers for the same conversation share one acquisition.
func (o *Orchestrator) GetOrCreate(ctx context.Context, conversationID string) (types.SandboxInfo, error) {
	if conversationID == "" {
		return types.SandboxInfo{}, Coded(CodeInternal, fmt.Errorf("empty conversation id"))
	}
	select {
	case <-o.draining:
		return types.SandboxInfo{}, Coded(CodeShuttingDown, fmt.Errorf("orchestrator is draining"))
	default:
	}

	var staleID string
	if info, err := o.reg.Get(ctx, conversationID); err == nil {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := o.lc.WaitReady(probeCtx, info)
		cancel()
		if err == nil {
			info.LastActiveAt = time.Now()
			if err := o.reg.Touch(ctx, conversationID, info.LastActiveAt); err != nil {
				o.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to touch registry binding")
			}
			if info.Status != types.StatusRunning {
				if err := o.reg.UpdateStatus(ctx, conversationID, types.StatusRunning); err != nil {
					o.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to mark reused sandbox running")
				} else {
					info.Status = types.StatusRunning
				}
			}
			return info, nil
		}
		staleID = info.SandboxID
		o.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("bound sandbox failed liveness probe, reacquiring")
	} else if err != registry.ErrNotFound {
		return types.SandboxInfo{}, Coded(CodeRegistryUnavailable, err)
	}

	v, err := o.dedup.Do(conversationID, func() (any, error) {
		unlock := o.convLocks.lock(conversationID)
		defer unlock()
		// Re-check after acquiring the lock: another goroutine may have
		// just finished binding this conversation. A binding that still
		// names the sandbox that just failed its probe is not reused.
		if info, err := o.reg.Get(ctx, conversationID); err == nil && info.SandboxID != staleID {
			return info, nil
		}
		return o.acquireAndBind(ctx, conversationID)
	})
	if err != nil {
		return types.SandboxInfo{}, err
	}
	return v.(types.SandboxInfo), nil
}

func (o *Orchestrator) acquireAndBind(ctx context.Context, conversationID string) (types.SandboxInfo, error) {
	select {
	case o.sandboxSem <- struct{}{}:
		defer func() { <-o.sandboxSem }()
	case <-ctx.Done():
		return types.SandboxInfo{}, Coded(CodeInternal, ctx.Err())
	}

	info, err := o.pool.Acquire(ctx)
	if err != nil {
		return types.SandboxInfo{}, Coded(CodePoolExhausted, err)
	}

	info.ConversationID = conversationID
	info.Status = types.StatusRunning
	now := time.Now()
	info.LastActiveAt = now

	initial := credproxy.Snapshot{AllowList: o.cfg.initialAllowList()}
	if err := o.creds.Start(ctx, info, initial); err != nil {
		_ = o.lc.Destroy(ctx, info)
		return types.SandboxInfo{}, Coded(CodeSandboxUnhealthy, fmt.Errorf("start credential proxy: %w", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err = o.lc.WaitReady(waitCtx, info)
	cancel()
	if err != nil {
		_ = o.creds.Stop(ctx, info.SandboxID)
		_ = o.lc.Destroy(ctx, info)
		return types.SandboxInfo{}, Coded(CodeSandboxUnhealthy, err)
	}

	if err := o.reg.Bind(ctx, conversationID, info); err != nil {
		_ = o.creds.Stop(ctx, info.SandboxID)
		_ = o.lc.Destroy(ctx, info)
		return types.SandboxInfo{}, Coded(CodeRegistryUnavailable, err)
	}

	if o.metrics != nil {
		o.metrics.ActiveSandboxes.Inc()
		o.metrics.SandboxesCreated.WithLabelValues("cold_start").Inc()
	}
	return info, nil
}

// Execute runs one agent turn for conversationID: sync-in, POST /execute,
// relay the SSE response, with one crash-recovery retry if the agent
// connection drops or stalls mid-stream. The returned channel is closed
// once the turn ends (successfully or not); events are sent in the order
// the agent produced them.
func (o *Orchestrator) Execute(ctx context.Context, req AgentRequest) (<-chan types.Event, error) {
	if req.ConversationID == "" {
		return nil, Coded(CodeInternal, fmt.Errorf("empty conversation id"))
	}
	o.rememberTenant(req.ConversationID, req.Tenant)

	out := make(chan types.Event, 8)
	go o.runWithRecovery(ctx, req, out)
	return out, nil
}

// runWithRecovery drives one turn (with its one crash-recovery retry) to
// completion. Per spec §5, a caller disconnecting must not abort the turn:
// the work itself runs on ctx, a context detached from the caller's
// lifetime and bounded only by ExecutionTimeout, so that GetOrCreate,
// sync-in/out, the /execute POST, and the SSE relay all keep running to
// completion (or the timeout) regardless of the caller's connection state.
// parent — the caller's own context — is used only to stop blocking on
// writes to out once nobody is reading it anymore; it never cancels the
// turn's actual work.
func (o *Orchestrator) runWithRecovery(parent context.Context, req AgentRequest, out chan<- types.Event) {
	defer close(out)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.cfg.ExecutionTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		}
	}()

	info, err := o.GetOrCreate(ctx, req.ConversationID)
	if err != nil {
		o.emitError(parent, out, err)
		return
	}

	err = o.runTurn(ctx, info, req, out)
	if err == nil {
		return
	}
	if !isRecoverable(err) {
		o.emitError(parent, out, err)
		return
	}

	o.log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("agent turn failed, attempting crash recovery")
	o.emit(parent, out, types.Event{Kind: types.EventContainerRecovered, Timestamp: time.Now()})

	if destroyErr := o.Destroy(ctx, req.ConversationID); destroyErr != nil {
		o.log.Warn().Err(destroyErr).Str("conversation_id", req.ConversationID).Msg("failed to destroy broken sandbox during recovery")
	}

	info, err = o.GetOrCreate(ctx, req.ConversationID)
	if err != nil {
		o.emitError(parent, out, err)
		return
	}

	if err := o.runTurn(ctx, info, req, out); err != nil {
		o.emitError(parent, out, err)
	}
}

func isRecoverable(err error) bool {
	return codeOf(err) == CodeAgentDisconnect
}

// runTurn performs the sync-in -> POST /execute -> relay -> sync-out
// sequence once, with no retry of its own (retry is runWithRecovery's job).
func (o *Orchestrator) runTurn(ctx context.Context, info types.SandboxInfo, req AgentRequest, out chan<- types.Event) error {
	tenant := o.tenantFor(req.ConversationID)
	known := o.manifestFor(req.ConversationID)

	known, err := o.syncer.SyncIn(ctx, info, tenant, req.ConversationID, known)
	if err != nil {
		o.log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("sync-in failed, continuing with prior manifest")
	}
	o.setManifest(req.ConversationID, known)

	client, base := clientFor(info.AgentEndpoint)
	body, err := json.Marshal(req)
	if err != nil {
		return Coded(CodeInternal, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/execute", bytes.NewReader(body))
	if err != nil {
		return Coded(CodeInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Coded(CodeAgentDisconnect, fmt.Errorf("dial sandbox agent: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return Coded(CodeAgentDisconnect, fmt.Errorf("sandbox agent returned %d", resp.StatusCode))
	}

	relay := &sse.Relay{IdleTimeout: o.cfg.IdleStreamTimeout, Log: o.log}
	onEvent := func(ev types.Event) {
		if ev.Kind == types.EventToolResult && o.flusher != nil {
			o.flusher.Trigger(info, tenant, req.ConversationID, 2*time.Second,
				func() filesync.Manifest { return o.manifestFor(req.ConversationID) },
				func(m filesync.Manifest) { o.setManifest(req.ConversationID, m) })
		}
	}

	runErr := relay.Run(ctx, resp.Body, out, onEvent)
	if runErr != nil {
		return Coded(CodeAgentDisconnect, runErr)
	}

	updated, err := o.syncer.SyncOut(ctx, info, tenant, req.ConversationID, o.manifestFor(req.ConversationID))
	if err != nil {
		o.log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("final sync-out failed")
	} else {
		o.setManifest(req.ConversationID, updated)
	}

	now := time.Now()
	if err := o.reg.Touch(ctx, req.ConversationID, now); err != nil {
		o.log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("failed to touch registry after turn")
	}
	if err := o.reg.UpdateStatus(ctx, req.ConversationID, types.StatusIdle); err != nil {
		o.log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("failed to mark sandbox idle")
	}
	return nil
}

func (o *Orchestrator) emitError(ctx context.Context, out chan<- types.Event, err error) {
	payload := map[string]any{"code": string(codeOf(err)), "message": err.Error()}
	o.emit(ctx, out, types.Event{Kind: types.EventError, Timestamp: time.Now(), Payload: payload})
}

func (o *Orchestrator) emit(ctx context.Context, out chan<- types.Event, ev types.Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// Destroy tears down the sandbox bound to conversationID: marks the
// registry entry draining, stops the credential proxy, best-effort flushes
// files to the object store, destroys the sandbox, and removes the
// registry entry. It is idempotent: a missing binding is not an error.
func (o *Orchestrator) Destroy(ctx context.Context, conversationID string) error {
	unlock := o.convLocks.lock(conversationID)
	defer unlock()

	info, err := o.reg.Get(ctx, conversationID)
	if err == registry.ErrNotFound {
		return nil
	}
	if err != nil {
		return Coded(CodeRegistryUnavailable, err)
	}

	_ = o.reg.UpdateStatus(ctx, conversationID, types.StatusDraining)
	_ = o.creds.Stop(ctx, info.SandboxID)

	tenant := o.tenantFor(conversationID)
	if updated, err := o.syncer.SyncOut(ctx, info, tenant, conversationID, o.manifestFor(conversationID)); err != nil {
		o.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("best-effort sync-out before destroy failed")
	} else {
		o.setManifest(conversationID, updated)
	}

	if err := o.lc.Destroy(ctx, info); err != nil {
		o.log.Warn().Err(err).Str("sandbox_id", info.SandboxID).Msg("sandbox destroy failed")
	}

	if err := o.reg.Delete(ctx, conversationID); err != nil {
		return Coded(CodeRegistryUnavailable, err)
	}

	o.forgetConversation(conversationID)
	if o.metrics != nil {
		o.metrics.ActiveSandboxes.Dec()
	}
	return nil
}

// DestroyAll drains every live binding in parallel, bounded by
// cfg.ShutdownTimeout, for use on process shutdown. Subsequent GetOrCreate
// calls are rejected with CodeShuttingDown.
func (o *Orchestrator) DestroyAll(ctx context.Context) error {
	o.once.Do(func() { close(o.draining) })

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	defer cancel()

	infos, err := o.reg.ListAll(ctx)
	if err != nil {
		return Coded(CodeRegistryUnavailable, err)
	}

	var wg sync.WaitGroup
	for _, info := range infos {
		wg.Add(1)
		go func(conversationID string) {
			defer wg.Done()
			if err := o.Destroy(ctx, conversationID); err != nil {
				o.log.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to destroy sandbox during shutdown drain")
			}
		}(info.ConversationID)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown drain did not finish within %s", o.cfg.ShutdownTimeout)
	}
}

// RotateCredentials pushes fresh credential material to every currently
// bound sandbox's proxy, tagging the push with a fresh nonce for audit-log
// correlation. It is intended to be called by a periodic background task
// (see startCredentialRotation in cmd/backend.go).
func (o *Orchestrator) RotateCredentials(ctx context.Context, creds types.CredentialMaterial) error {
	infos, err := o.reg.ListAll(ctx)
	if err != nil {
		return Coded(CodeRegistryUnavailable, err)
	}
	for _, info := range infos {
		creds.Nonce = uuid.NewString()
		if err := o.creds.PushCredentials(ctx, info.SandboxID, creds); err != nil {
			o.log.Warn().Err(err).Str("sandbox_id", info.SandboxID).Msg("credential push failed")
		}
	}
	return nil
}

func (o *Orchestrator) manifestFor(conversationID string) filesync.Manifest {
	o.manifestsMu.Lock()
	defer o.manifestsMu.Unlock()
	m, ok := o.manifests[conversationID]
	if !ok {
		return filesync.Manifest{}
	}
	return m
}

func (o *Orchestrator) setManifest(conversationID string, m filesync.Manifest) {
	o.manifestsMu.Lock()
	o.manifests[conversationID] = m
	o.manifestsMu.Unlock()
}

func (o *Orchestrator) rememberTenant(conversationID, tenant string) {
	if tenant == "" {
		return
	}
	o.manifestsMu.Lock()
	o.tenants[conversationID] = tenant
	o.manifestsMu.Unlock()
}

// tenantFor returns the tenant recorded for conversationID, falling back to
// the conversation id itself when no Execute call has supplied one yet
// (e.g. a GC-triggered Destroy for a binding this process never served).
func (o *Orchestrator) tenantFor(conversationID string) string {
	o.manifestsMu.Lock()
	defer o.manifestsMu.Unlock()
	if t, ok := o.tenants[conversationID]; ok {
		return t
	}
	return conversationID
}

func (o *Orchestrator) forgetConversation(conversationID string) {
	o.manifestsMu.Lock()
	delete(o.manifests, conversationID)
	delete(o.tenants, conversationID)
	o.manifestsMu.Unlock()
}

// clientFor builds an *http.Client that dials info's endpoint directly,
// plus the base URL to use when constructing requests, uniformly covering
// both the unix-socket and HTTP-base-URL transport descriptors.
func clientFor(ep types.Endpoint) (*http.Client, string) {
	if ep.Scheme == "unix" {
		socket := ep.Socket
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		}
		return &http.Client{Transport: transport}, "http://unix"
	}
	return &http.Client{}, strings.TrimRight(ep.URL, "/")
}
