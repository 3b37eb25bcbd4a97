package lifecycle

import (
	"github.com/workspacecore/workspacecore/internal/config"
)

// K8sConfig holds the Sandbox-CR knobs plus the per-sandbox NetworkPolicy
// knobs: the egress policy is scoped per pod rather than per namespace, and
// its rules depend on the sandbox's NetworkMode (see buildPodNetworkPolicy).
type K8sConfig struct {
	Namespace          string
	Image              string
	MemoryBytes        int64
	CPUMillicores      int
	PidsLimit          int64
	SessionStorageSize string
	StorageClassName   string
	RuntimeClassName   string
	AgentPort          int
	NetworkPolicy      NetworkPolicyConfig
}

// NetworkPolicyConfig controls the per-sandbox egress NetworkPolicy applied
// at Create time when NetworkMode is restricted or disabled.
type NetworkPolicyConfig struct {
	Enabled   bool
	DenyCIDRs []string
}

// DefaultK8sConfig reads knobs from the environment using the
// envOrDefault/envInt64OrDefault helpers in internal/config.
func DefaultK8sConfig() K8sConfig {
	return K8sConfig{
		Namespace:          config.StringOrDefault("SANDBOX_NAMESPACE", "default"),
		Image:              config.StringOrDefault("SANDBOX_IMAGE", "workspacecore-sandbox:latest"),
		MemoryBytes:        config.Int64OrDefault("SANDBOX_MEMORY_LIMIT", 2*1024*1024*1024),
		CPUMillicores:      config.IntOrDefault("SANDBOX_CPU_MILLICORES", 2000),
		PidsLimit:          config.Int64OrDefault("SANDBOX_PIDS_LIMIT", 256),
		SessionStorageSize: config.StringOrDefault("SANDBOX_STORAGE_SIZE", "5Gi"),
		StorageClassName:   config.StringOrDefault("SANDBOX_STORAGE_CLASS", ""),
		RuntimeClassName:   config.StringOrDefault("SANDBOX_RUNTIME_CLASS", ""),
		AgentPort:          config.IntOrDefault("SANDBOX_AGENT_PORT", 4096),
		NetworkPolicy: NetworkPolicyConfig{
			Enabled:   config.BoolOrDefault("SANDBOX_NETWORK_POLICY_ENABLED", true),
			DenyCIDRs: config.ListOrDefault("SANDBOX_NETWORK_POLICY_DENY_CIDRS", nil),
		},
	}
}
