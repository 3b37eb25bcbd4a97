// Package gc sweeps the conversation registry on a cron schedule, destroying
// sandboxes that have gone idle past their inactivity window, outlived their
// absolute TTL, or failed a health probe, and periodically reclaims
// runtime-level orphans that have no matching registry entry.
package gc

import (
	"time"

	"github.com/workspacecore/workspacecore/internal/config"
)

// Config holds the GC's cadence and TTL knobs.
type Config struct {
	Schedule          string
	InactiveTTL       time.Duration
	AbsoluteTTL       time.Duration
	OrphanCycleEvery  int
	OrphanSafetyAge   time.Duration
}

// DefaultConfig reads GC knobs from the environment.
func DefaultConfig() Config {
	return Config{
		Schedule:         config.StringOrDefault("GC_SCHEDULE", "@every 60s"),
		InactiveTTL:      config.DurationOrDefault("GC_INACTIVE_TTL", 60*time.Minute),
		AbsoluteTTL:      config.DurationOrDefault("GC_ABSOLUTE_TTL", 8*time.Hour),
		OrphanCycleEvery: config.IntOrDefault("GC_ORPHAN_CYCLE_EVERY", 5),
		OrphanSafetyAge:  config.DurationOrDefault("GC_ORPHAN_SAFETY_AGE", 5*time.Minute),
	}
}
