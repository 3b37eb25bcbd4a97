package lifecycle

import (
	"github.com/workspacecore/workspacecore/internal/config"
)

// DockerConfig holds the per-agent-container knobs, plus the proxy-socket
// mount path the credential injection proxy needs wired into every sandbox.
type DockerConfig struct {
	Image        string
	MemoryLimit  int64
	NanoCPUs     int64
	PidsLimit    int64
	NetworkMode  string
	ProxySockDir string
}

// DefaultDockerConfig reads knobs from the environment using the
// envOrDefault/envInt64OrDefault helpers in internal/config.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:        config.StringOrDefault("SANDBOX_IMAGE", "workspacecore-sandbox:latest"),
		MemoryLimit:  config.Int64OrDefault("SANDBOX_MEMORY_LIMIT", 2*1024*1024*1024),
		NanoCPUs:     config.Int64OrDefault("SANDBOX_NANO_CPUS", 2_000_000_000),
		PidsLimit:    config.Int64OrDefault("SANDBOX_PIDS_LIMIT", 256),
		NetworkMode:  config.StringOrDefault("SANDBOX_NETWORK_MODE", "none"),
		ProxySockDir: config.StringOrDefault("SANDBOX_PROXY_SOCK_DIR", "/var/run/workspacecore/proxies"),
	}
}
