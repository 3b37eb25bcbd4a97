// Package credproxy is the per-sandbox credential injection proxy: the sole
// egress path out of an isolated sandbox. It enforces a host allow-list,
// signs requests bound for AWS-SigV4 hosts, applies MCP header-rewrite
// rules, and audits every allow/deny decision, all without ever letting
// credential material reach the sandbox filesystem or environment.
package credproxy

import (
	"time"

	"github.com/workspacecore/workspacecore/internal/config"
)

// Config holds the proxy's runtime knobs, loaded with the same
// envOrDefault-style helpers used throughout this module.
type Config struct {
	ListenSocket   string
	AdminSocket    string
	DNSCacheTTL    time.Duration
	DNSNegativeTTL time.Duration
	LogAllRequests bool
	AuditDBPath    string
}

// DefaultConfig reads proxy knobs from the environment.
func DefaultConfig() Config {
	return Config{
		ListenSocket:   config.StringOrDefault("PROXY_LISTEN_SOCKET", "/var/run/workspacecore/proxy/egress.sock"),
		AdminSocket:    config.StringOrDefault("PROXY_ADMIN_SOCKET", "/var/run/workspacecore/proxy/admin.sock"),
		DNSCacheTTL:    config.DurationOrDefault("PROXY_DNS_CACHE_TTL", 5*time.Minute),
		DNSNegativeTTL: config.DurationOrDefault("PROXY_DNS_NEGATIVE_TTL", 30*time.Second),
		LogAllRequests: config.BoolOrDefault("PROXY_LOG_ALL_REQUESTS", false),
		AuditDBPath:    config.StringOrDefault("PROXY_AUDIT_DB_PATH", "/var/lib/workspacecore/audit.db"),
	}
}
