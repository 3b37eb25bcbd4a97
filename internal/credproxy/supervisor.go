package credproxy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/types"
)

// instance is one running sandbox's Proxy + AdminServer pair and the
// cancellation hook that tears both down.
type instance struct {
	store  *Store
	proxy  *Proxy
	admin  *AdminServer
	cancel context.CancelFunc
}

// Supervisor owns one Proxy+AdminServer pair per sandbox, keyed by sandbox
// id. It is the concrete implementation behind the orchestrator's
// credential-proxy capability: the Orchestrator depends on an interface
// with this shape, never on *Supervisor itself.
type Supervisor struct {
	cfg   Config
	audit *AuditLog
	log   zerolog.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

// NewSupervisor builds a Supervisor sharing one audit log across every
// sandbox's proxy.
func NewSupervisor(cfg Config, audit *AuditLog, log zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, audit: audit, log: log.With().Str("component", "credproxy-supervisor").Logger(), instances: make(map[string]*instance)}
}

// Start launches the proxy and admin listeners for a sandbox, seeded with
// an initial credential/allow-list snapshot. It must complete before the
// sandbox's own processes could reach the network, since the sandbox is
// created with this proxy's socket path already mapped in.
func (s *Supervisor) Start(ctx context.Context, info types.SandboxInfo, initial Snapshot) error {
	s.mu.Lock()
	if _, exists := s.instances[info.SandboxID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("credproxy: supervisor already running for sandbox %s", info.SandboxID)
	}
	s.mu.Unlock()

	store := NewStore(initial)
	dir := filepath.Dir(info.ProxyEndpoint.Socket)
	proxySocket := info.ProxyEndpoint.Socket
	adminSocket := filepath.Join(dir, "admin.sock")

	proxy := NewProxy(info.SandboxID, store, s.audit, s.cfg, s.log)
	admin := &AdminServer{Store: store, Log: s.log}

	runCtx, cancel := context.WithCancel(ctx)
	inst := &instance{store: store, proxy: proxy, admin: admin, cancel: cancel}

	s.mu.Lock()
	s.instances[info.SandboxID] = inst
	s.mu.Unlock()

	errCh := make(chan error, 2)
	go func() { errCh <- proxy.ListenAndServe(runCtx, proxySocket) }()
	go func() { errCh <- admin.ListenAndServe(adminSocket) }()

	go func() {
		for err := range errCh {
			if err != nil {
				s.log.Error().Err(err).Str("sandbox_id", info.SandboxID).Msg("proxy listener exited")
			}
		}
	}()

	return nil
}

// Stop tears down the proxy and admin listeners for a sandbox. It is a
// no-op if no instance is running for that id, so a GC/Orchestrator race
// that calls Stop twice is harmless.
func (s *Supervisor) Stop(ctx context.Context, sandboxID string) error {
	s.mu.Lock()
	inst, ok := s.instances[sandboxID]
	if ok {
		delete(s.instances, sandboxID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	inst.cancel()
	proxyErr := inst.proxy.Close()
	adminErr := inst.admin.Close()
	if proxyErr != nil {
		return proxyErr
	}
	return adminErr
}

// PushCredentials rotates the credential material for a running sandbox's
// proxy via an atomic snapshot swap.
func (s *Supervisor) PushCredentials(ctx context.Context, sandboxID string, creds types.CredentialMaterial) error {
	inst, err := s.lookup(sandboxID)
	if err != nil {
		return err
	}
	inst.store.SwapCredentials(creds)
	return nil
}

// PushAllowList swaps the allow-list/rewrite-rule set for a running
// sandbox's proxy.
func (s *Supervisor) PushAllowList(ctx context.Context, sandboxID string, allow types.AllowList) error {
	inst, err := s.lookup(sandboxID)
	if err != nil {
		return err
	}
	inst.store.SwapAllowList(allow)
	return nil
}

func (s *Supervisor) lookup(sandboxID string) (*instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[sandboxID]
	if !ok {
		return nil, fmt.Errorf("credproxy: no running proxy for sandbox %s", sandboxID)
	}
	return inst, nil
}
