package orchestrator

import (
	"time"

	"github.com/workspacecore/workspacecore/internal/config"
	"github.com/workspacecore/workspacecore/internal/lifecycle"
	"github.com/workspacecore/workspacecore/internal/types"
)

// Config holds the Orchestrator's lifecycle, concurrency and credential
// knobs.
type Config struct {
	ExecutionTimeout  time.Duration
	IdleStreamTimeout time.Duration
	GracePeriod       time.Duration
	ShutdownTimeout   time.Duration

	MaxConcurrentSandboxes int
	NetworkMode            lifecycle.NetworkMode
	CPULimitNanos          int64
	MemoryLimit            int64
	PidsLimit              int64
	DiskLimitBytes         int64

	CredentialRefreshInterval time.Duration
	InitialAllowListHosts     []string
	SigningSuffixes           []string
}

// DefaultConfig reads orchestrator knobs from the environment, following
// the envOrDefault pattern used throughout this module.
func DefaultConfig() Config {
	networkMode := lifecycle.NetworkDisabled
	if config.StringOrDefault("CONTAINER_NETWORK_MODE_FOR_SANDBOX", "disabled") == "restricted" {
		networkMode = lifecycle.NetworkRestricted
	}
	return Config{
		ExecutionTimeout:       config.DurationOrDefault("CONTAINER_EXECUTION_TIMEOUT", 10*time.Minute),
		IdleStreamTimeout:      config.DurationOrDefault("CONTAINER_IDLE_STREAM_TIMEOUT", 30*time.Second),
		GracePeriod:            config.DurationOrDefault("CONTAINER_GRACE_PERIOD", 10*time.Second),
		ShutdownTimeout:        config.DurationOrDefault("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxConcurrentSandboxes: config.IntOrDefault("MAX_CONCURRENT_SANDBOXES", 64),
		NetworkMode:            networkMode,
		CPULimitNanos:          config.Int64OrDefault("CONTAINER_CPU_LIMIT_NANOS", 2_000_000_000),
		MemoryLimit:            config.Int64OrDefault("CONTAINER_MEMORY_LIMIT", 2*1024*1024*1024),
		PidsLimit:              config.Int64OrDefault("CONTAINER_PIDS_LIMIT", 256),
		DiskLimitBytes:         config.Int64OrDefault("CONTAINER_DISK_LIMIT", 5*1024*1024*1024),

		CredentialRefreshInterval: config.DurationOrDefault("CREDENTIAL_REFRESH_INTERVAL", 15*time.Minute),
		InitialAllowListHosts:     config.ListOrDefault("PROXY_DOMAIN_WHITELIST", nil),
		SigningSuffixes:           config.ListOrDefault("PROXY_SIGNING_SUFFIXES", []string{"bedrock-runtime.*"}),
	}
}

// createOptions builds the lifecycle.CreateOptions for a fresh sandbox bound
// (or about to be bound) to conversationID.
func (c Config) createOptions(conversationID string) lifecycle.CreateOptions {
	return lifecycle.CreateOptions{
		ConversationID: conversationID,
		NetworkMode:    c.NetworkMode,
		CPULimitNanos:  c.CPULimitNanos,
		MemoryLimit:    c.MemoryLimit,
		PidsLimit:      c.PidsLimit,
		DiskLimitBytes: c.DiskLimitBytes,
	}
}

// initialAllowList builds the startup AllowList entirely from configuration;
// no host list is compiled into the code.
func (c Config) initialAllowList() types.AllowList {
	allow := types.AllowList{
		Hosts:           make([]types.HostPattern, 0, len(c.InitialAllowListHosts)),
		SigningSuffixes: make([]types.HostPattern, 0, len(c.SigningSuffixes)),
	}
	for _, h := range c.InitialAllowListHosts {
		allow.Hosts = append(allow.Hosts, types.HostPattern(h))
	}
	for _, s := range c.SigningSuffixes {
		allow.SigningSuffixes = append(allow.SigningSuffixes, types.HostPattern(s))
	}
	return allow
}
