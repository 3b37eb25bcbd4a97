// Package filesync bridges a sandbox's workspace directory and the
// object-store-backed conversation file index: sync-in at the start of a
// turn, sync-out at the end, and a debounced mid-run flush triggered by
// tool_result SSE events.
package filesync

import (
	"time"

	"github.com/workspacecore/workspacecore/internal/config"
)

// Config holds the tunables for file sync.
type Config struct {
	Bucket         string
	WorkspaceDir   string
	FlushDebounce  time.Duration
	SyncTimeout    time.Duration
}

// DefaultConfig reads file-sync knobs from the environment.
func DefaultConfig() Config {
	return Config{
		Bucket:        config.StringOrDefault("FILESYNC_BUCKET", ""),
		WorkspaceDir:  config.StringOrDefault("FILESYNC_WORKSPACE_DIR", "/home/agent/workspace"),
		FlushDebounce: config.DurationOrDefault("FILESYNC_FLUSH_DEBOUNCE", 2*time.Second),
		SyncTimeout:   config.DurationOrDefault("FILESYNC_SYNC_TIMEOUT", 60*time.Second),
	}
}
