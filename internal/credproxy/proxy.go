package credproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sigv4Service maps the first label of a signing host to the AWS service
// name SigV4 needs. Labels not present here are used as the service name,
// which covers the common "<service>.<region>.amazonaws.com" shape.
var sigv4Service = map[string]string{
	"bedrock-runtime": "bedrock",
}

// Proxy is the sole egress path out of one sandbox: a Unix-socket listener
// that enforces the allow-list, tunnels TLS CONNECTs, and forwards plain
// HTTP with SigV4 signing and MCP header rewrites applied, auditing every
// decision along the way. One Proxy instance per sandbox, matching the
// one-proxy-per-sandbox-container isolation boundary.
type Proxy struct {
	SandboxID string
	Store     *Store
	Audit     *AuditLog
	Log       zerolog.Logger

	dns    *dnsCache
	client *http.Client

	mu       sync.Mutex
	listener net.Listener
}

// NewProxy builds a Proxy backed by store for policy/credential lookups and
// audit for decision logging. cfg supplies DNS cache tuning.
func NewProxy(sandboxID string, store *Store, audit *AuditLog, cfg Config, log zerolog.Logger) *Proxy {
	dns := newDNSCache(cfg.DNSCacheTTL, cfg.DNSNegativeTTL)
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialWithCache(ctx, dns, network, addr)
		},
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Proxy{
		SandboxID: sandboxID,
		Store:     store,
		Audit:     audit,
		Log:       log,
		dns:       dns,
		client:    &http.Client{Transport: transport, Timeout: 120 * time.Second},
	}
}

// ListenAndServe binds socketPath (removing any stale socket file left by a
// prior crashed instance) and serves until ctx is cancelled.
func (p *Proxy) ListenAndServe(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on proxy socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod proxy socket: %w", err)
	}

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	srv := &http.Server{Handler: p}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve proxy socket: %w", err)
	}
	return nil
}

// Close shuts down the listener, if bound.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return p.listener.Close()
	}
	return nil
}

// ServeHTTP implements the request pipeline: a CONNECT method tunnels raw
// bytes after the target passes the allow-list; any other method is
// forwarded as plain HTTP after allow-list, signing, and rewrite steps.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)

	snap := p.Store.Load()
	if !snap.AllowList.Allowed(host) {
		p.audit(r, host, "deny", "host not in allow-list")
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r, host)
		return
	}
	p.handleForward(w, r, host, snap)
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request, host string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	target := r.Host
	if !strings.Contains(target, ":") {
		target += ":443"
	}

	upstream, err := dialWithCache(r.Context(), p.dns, "tcp", target)
	if err != nil {
		p.dns.evict(host)
		p.audit(r, host, "deny", fmt.Sprintf("dial upstream: %v", err))
		http.Error(w, "failed to reach upstream", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.audit(r, host, "deny", fmt.Sprintf("hijack: %v", err))
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	p.audit(r, host, "allow", "tunnel established")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(upstream, clientConn) }()
	go func() { defer wg.Done(); io.Copy(clientConn, upstream) }()
	wg.Wait()
}

// handleForward reuses net/http/httputil.ReverseProxy with FlushInterval -1
// so agent-to-LLM SSE responses stream through rather than buffer. Signing
// happens before the ReverseProxy clones the request, since Director has no
// way to abort the round trip on a signing error.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request, host string, snap Snapshot) {
	if r.URL.Scheme == "" {
		r.URL.Scheme = "https"
	}
	if r.URL.Host == "" {
		r.URL.Host = host
	}
	r.Host = r.URL.Host

	if rule := snap.AllowList.MatchRewrite(r.URL.String()); rule != nil {
		for k, v := range rule.Headers {
			r.Header.Set(k, v)
		}
	}

	decision := "allow"
	if snap.AllowList.RequiresSigning(host) {
		label := strings.SplitN(host, ".", 2)[0]
		service := sigv4Service[label]
		if service == "" {
			service = label
		}
		if err := signRequest(r.Context(), r, snap.Credentials, service); err != nil {
			p.audit(r, host, "deny", fmt.Sprintf("sign: %v", err))
			http.Error(w, "signing failed", http.StatusInternalServerError)
			return
		}
		decision = "signed"
	}

	proxy := &httputil.ReverseProxy{
		Transport: p.client.Transport,
		Director: func(req *http.Request) {},
		ModifyResponse: func(resp *http.Response) error {
			p.audit(r, host, decision, "")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, errReq *http.Request, err error) {
			p.dns.evict(host)
			p.audit(r, host, "deny", fmt.Sprintf("upstream request: %v", err))
			http.Error(w, "upstream request failed", http.StatusBadGateway)
		},
		FlushInterval: -1,
	}

	proxy.ServeHTTP(w, r)
}

func (p *Proxy) audit(r *http.Request, host, decision, reason string) {
	entry := AuditEntry{
		Timestamp: time.Now(),
		SandboxID: p.SandboxID,
		Method:    r.Method,
		Host:      host,
		Path:      r.URL.Path,
		Decision:  decision,
		Reason:    reason,
	}
	if err := p.Audit.Append(entry); err != nil {
		p.Log.Error().Err(err).Msg("failed to append audit entry")
	}
}

func requestHost(r *http.Request) string {
	host := r.Host
	if r.Method == http.MethodConnect {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func dialWithCache(ctx context.Context, dns *dnsCache, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}
	if net.ParseIP(host) != nil {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	addrs, err := dns.lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	var d net.Dialer
	target := addrs[0]
	if port != "" {
		target = net.JoinHostPort(target, port)
	}
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		dns.evict(host)
	}
	return conn, err
}
