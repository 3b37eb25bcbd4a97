package warmpool

import (
	"time"

	"github.com/workspacecore/workspacecore/internal/config"
)

// Config enumerates the warm pool's sizing and timing knobs.
type Config struct {
	MinSize             int
	TargetSize          int
	MaxSize             int
	CreateTimeout       time.Duration
	IdleTTLInPool       time.Duration
	MaxConcurrentCreate int
	// MaintenanceInterval is how often the background loop started by
	// Pool.Start polls the hot-reload config key and sweeps for warm
	// entries that have aged past IdleTTLInPool.
	MaintenanceInterval time.Duration
}

// DefaultConfig reads sizing knobs from the environment, following the
// envOrDefault/envInt64OrDefault pattern used throughout this module.
func DefaultConfig() Config {
	return Config{
		MinSize:             config.IntOrDefault("WARM_POOL_MIN_SIZE", 2),
		TargetSize:          config.IntOrDefault("WARM_POOL_TARGET_SIZE", 5),
		MaxSize:             config.IntOrDefault("WARM_POOL_MAX_SIZE", 20),
		CreateTimeout:       config.DurationOrDefault("WARM_POOL_CREATE_TIMEOUT", 30*time.Second),
		IdleTTLInPool:       config.DurationOrDefault("WARM_POOL_IDLE_TTL", 30*time.Minute),
		MaxConcurrentCreate: config.IntOrDefault("WARM_POOL_MAX_CONCURRENT_CREATE", 4),
		MaintenanceInterval: config.DurationOrDefault("WARM_POOL_MAINTENANCE_INTERVAL", time.Minute),
	}
}
