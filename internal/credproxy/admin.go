package credproxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/types"
)

// AdminServer exposes the control-plane-only API for pushing allow-list
// updates and reading proxy health, reachable solely over a Unix socket
// created with mode 0600, so only the user that owns it can connect.
type AdminServer struct {
	Store *Store
	Log   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

type updateRulesRequest struct {
	Hosts           []string               `json:"hosts"`
	SigningSuffixes []string               `json:"signing_suffixes"`
	Rewrites        []rewriteRuleRequest   `json:"rewrites"`
}

type rewriteRuleRequest struct {
	URLPrefix string            `json:"url_prefix"`
	Headers   map[string]string `json:"headers"`
}

type updateCredentialsRequest struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
	Region          string `json:"region"`
	Nonce           string `json:"nonce"`
}

// Router builds the chi mux for the admin API.
func (a *AdminServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.handleHealth)
	r.Post("/admin/update-rules", a.handleUpdateRules)
	r.Post("/admin/config", a.handleUpdateCredentials)
	return r
}

// ListenAndServe binds socketPath and serves the admin API until Close is
// called.
func (a *AdminServer) ListenAndServe(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on admin socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod admin socket: %w", err)
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	if err := http.Serve(ln, a.Router()); err != nil && !isClosedErr(err) {
		return fmt.Errorf("serve admin socket: %w", err)
	}
	return nil
}

// Close shuts down the admin listener, if bound.
func (a *AdminServer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Close()
	}
	return nil
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed)
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *AdminServer) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	var req updateRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
		return
	}

	allow := types.AllowList{
		Hosts:           make([]types.HostPattern, 0, len(req.Hosts)),
		SigningSuffixes: make([]types.HostPattern, 0, len(req.SigningSuffixes)),
		Rewrites:        make([]types.RewriteRule, 0, len(req.Rewrites)),
	}
	for _, h := range req.Hosts {
		allow.Hosts = append(allow.Hosts, types.HostPattern(h))
	}
	for _, h := range req.SigningSuffixes {
		allow.SigningSuffixes = append(allow.SigningSuffixes, types.HostPattern(h))
	}
	for _, rw := range req.Rewrites {
		allow.Rewrites = append(allow.Rewrites, types.RewriteRule{URLPrefix: rw.URLPrefix, Headers: rw.Headers})
	}

	a.Store.SwapAllowList(allow)
	a.Log.Info().Int("hosts", len(allow.Hosts)).Msg("allow-list updated")
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminServer) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	var req updateCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusBadRequest)
		return
	}

	a.Store.SwapCredentials(types.CredentialMaterial{
		AccessKeyID:     req.AccessKeyID,
		SecretAccessKey: req.SecretAccessKey,
		SessionToken:    req.SessionToken,
		Region:          req.Region,
		Nonce:           req.Nonce,
	})
	a.Log.Info().Msg("credentials rotated")
	w.WriteHeader(http.StatusNoContent)
}
