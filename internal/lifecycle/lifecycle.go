// Package lifecycle defines the low-level sandbox capability set the rest
// of the control plane depends on, and two concrete backends that satisfy
// it: Docker (internal/lifecycle/docker.go) and Kubernetes
// (internal/lifecycle/k8s.go, built on the Sandbox custom resource). Both
// backends implement the same interface so Orchestrator, GC and WarmPool
// code never depend on a concrete runtime type.
package lifecycle

import (
	"context"
	"io"
	"time"

	"github.com/workspacecore/workspacecore/internal/types"
)

// NetworkMode controls the sandbox's egress posture at creation time.
type NetworkMode string

const (
	NetworkDisabled   NetworkMode = "disabled"
	NetworkRestricted NetworkMode = "restricted"
)

// CreateOptions parameterizes sandbox creation. ConversationID is empty for
// warm-pool sandboxes.
type CreateOptions struct {
	ConversationID string
	NetworkMode    NetworkMode
	CPULimitNanos  int64
	MemoryLimit    int64
	PidsLimit      int64
	DiskLimitBytes int64
}

// ExecResult is the outcome of a one-shot Exec call.
type ExecResult struct {
	ExitCode int
	Output   []byte
}

// ExecStream is the result of ExecBinary: a readable stdout stream whose
// ExitCode is only meaningful after Close has returned, since the exit
// status isn't known until the underlying process/stream finishes.
type ExecStream interface {
	io.ReadCloser
	ExitCode() int
}

// Lifecycle is the capability set every container-runtime backend exposes:
// create/start/wait-ready/destroy plus exec, listing and log retrieval for
// GC and recovery.
type Lifecycle interface {
	// Create launches a new sandbox with network fully disabled or
	// restricted, a read-only root filesystem, size-bounded scratch
	// mounts, and all capabilities dropped except an explicit minimal
	// set. It returns before the agent endpoint is necessarily reachable.
	Create(ctx context.Context, opts CreateOptions) (types.SandboxInfo, error)

	// Start boots the sandbox process/pod so its agent endpoint becomes
	// reachable.
	Start(ctx context.Context, info types.SandboxInfo) error

	// WaitReady polls the in-sandbox agent's health endpoint until it
	// reports OK or the context deadline elapses.
	WaitReady(ctx context.Context, info types.SandboxInfo) error

	// Destroy gracefully stops (SIGTERM + grace period) then force
	// removes the sandbox and its ephemeral volumes.
	Destroy(ctx context.Context, info types.SandboxInfo) error

	// Exec runs a binary inside the sandbox and waits for completion.
	Exec(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (ExecResult, error)

	// ExecBinary is like Exec but streams raw stdout as it is produced,
	// for the file-sync path pulling large binary payloads out of a
	// sandbox that has no direct mount. The returned stream's ExitCode is
	// only valid after Close returns.
	ExecBinary(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (ExecStream, error)

	// List enumerates runtime sandboxes carrying workspace labels,
	// independent of registry state; used by GC orphan reap and startup
	// reconciliation.
	List(ctx context.Context) ([]types.SandboxInfo, error)

	// Logs fetches recent stdout/stderr for diagnostics.
	Logs(ctx context.Context, info types.SandboxInfo, tailLines int) (string, error)
}
