package credproxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/workspacecore/workspacecore/internal/types"
)

func newTestAudit(t *testing.T) *AuditLog {
	t.Helper()
	dir := t.TempDir()
	log, err := OpenAuditLog(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestProxyDeniesHostNotOnAllowList(t *testing.T) {
	store := NewStore(Snapshot{AllowList: types.AllowList{
		Hosts: []types.HostPattern{"api.anthropic.com"},
	}})
	p := NewProxy("sbx-1", store, newTestAudit(t), DefaultConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "http://evil.example.com/x", nil)
	req.Host = "evil.example.com"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)

	entries, err := p.Audit.Tail(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "deny", entries[0].Decision)
}

func TestProxyForwardsAllowedHostAndAudits(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	host := upstream.Listener.Addr().String()
	hostOnly, _, err := net.SplitHostPort(host)
	require.NoError(t, err)

	store := NewStore(Snapshot{AllowList: types.AllowList{
		Hosts: []types.HostPattern{types.HostPattern(hostOnly)},
	}})
	p := NewProxy("sbx-1", store, newTestAudit(t), DefaultConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "http://"+host+"/ping", nil)
	req.Host = host
	req.URL.Scheme = "http"
	req.URL.Host = host
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())

	entries, err := p.Audit.Tail(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "allow", entries[0].Decision)
}

func TestProxyRequiresSigningAppliesAuthorizationHeader(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	host := upstream.Listener.Addr().String()
	hostOnly, _, err := net.SplitHostPort(host)
	require.NoError(t, err)

	store := NewStore(Snapshot{
		Credentials: types.CredentialMaterial{
			AccessKeyID:     "AKIDEXAMPLE",
			SecretAccessKey: "secret",
			Region:          "us-east-1",
		},
		AllowList: types.AllowList{
			Hosts:           []types.HostPattern{types.HostPattern(hostOnly)},
			SigningSuffixes: []types.HostPattern{types.HostPattern(hostOnly)},
		},
	})
	p := NewProxy("sbx-1", store, newTestAudit(t), DefaultConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "http://"+host+"/invoke", nil)
	req.Host = host
	req.URL.Scheme = "http"
	req.URL.Host = host
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, gotAuth, "AWS4-HMAC-SHA256")

	entries, err := p.Audit.Tail(10)
	require.NoError(t, err)
	require.Equal(t, "signed", entries[0].Decision)
}

func TestDNSCacheServesFromCacheAndEvicts(t *testing.T) {
	c := newDNSCache(0, 0)
	ctx := context.Background()

	addrs, err := c.lookup(ctx, "localhost")
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	_, cached := c.entries["localhost"]
	require.True(t, cached)

	c.evict("localhost")
	_, cached = c.entries["localhost"]
	require.False(t, cached)
	addrs2, err := c.lookup(ctx, "localhost")
	require.NoError(t, err)
	require.NotEmpty(t, addrs2)
}

func TestAuditLogAppendAndTailOrdersNewestLast(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenAuditLog(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append(AuditEntry{Host: "a.example.com", Decision: "allow"}))
	require.NoError(t, log.Append(AuditEntry{Host: "b.example.com", Decision: "deny"}))

	entries, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a.example.com", entries[0].Host)
	require.Equal(t, "b.example.com", entries[1].Host)
}
