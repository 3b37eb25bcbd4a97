package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/workspacecore/workspacecore/internal/types"
)

const (
	labelWorkspace      = "workspace"
	labelConversationID = "workspace.conversation_id"
	labelCreatedAt      = "workspace.created_at"
)

// DockerLifecycle implements Lifecycle against the Docker Engine API: a
// per-conversation sandbox with read-only rootfs, dropped capabilities, and
// an egress path restricted to the sandbox's own credential proxy socket.
type DockerLifecycle struct {
	cfg DockerConfig
	cli *client.Client
	log zerolog.Logger
}

var _ Lifecycle = (*DockerLifecycle)(nil)

// NewDockerLifecycle dials the local Docker daemon and cleans up any
// workspace-labeled containers left behind by a previous, crashed process.
func NewDockerLifecycle(cfg DockerConfig, log zerolog.Logger) (*DockerLifecycle, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	ctx := context.Background()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	l := &DockerLifecycle{cfg: cfg, cli: cli, log: log.With().Str("component", "lifecycle.docker").Logger()}
	l.cleanOrphans(ctx)
	return l, nil
}

func (l *DockerLifecycle) cleanOrphans(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("label", labelWorkspace+"=true"))
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		l.log.Warn().Err(err).Msg("failed to list orphan sandboxes on startup")
		return
	}
	for _, c := range containers {
		l.log.Info().Str("container_id", c.ID[:12]).Msg("removing orphan sandbox from previous run")
		l.cli.ContainerStop(ctx, c.ID, container.StopOptions{})
		l.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

func (l *DockerLifecycle) proxySocketPath(sandboxID string) string {
	return filepath.Join(l.cfg.ProxySockDir, sandboxID, "egress.sock")
}

// Create launches a network-isolated container with its rootfs read-only,
// all Linux capabilities dropped, no-new-privileges set, and a bind mount
// exposing only this sandbox's credential proxy socket directory.
func (l *DockerLifecycle) Create(ctx context.Context, opts CreateOptions) (types.SandboxInfo, error) {
	sandboxID := uuid.NewString()
	now := time.Now()

	sockDir := filepath.Join(l.cfg.ProxySockDir, sandboxID)
	if err := os.MkdirAll(sockDir, 0755); err != nil {
		return types.SandboxInfo{}, fmt.Errorf("create proxy socket dir: %w", err)
	}
	// The in-sandbox non-root user must be able to reach its proxy socket
	// regardless of whether user-namespace remapping is in effect.
	if err := unix.Chmod(sockDir, 0777); err != nil {
		l.log.Warn().Err(err).Msg("failed to relax proxy socket dir permissions")
	}

	networkMode := l.cfg.NetworkMode
	if opts.NetworkMode == NetworkDisabled {
		networkMode = "none"
	}

	pidsLimit := opts.PidsLimit
	if pidsLimit == 0 {
		pidsLimit = l.cfg.PidsLimit
	}
	memLimit := opts.MemoryLimit
	if memLimit == 0 {
		memLimit = l.cfg.MemoryLimit
	}
	cpuNanos := opts.CPULimitNanos
	if cpuNanos == 0 {
		cpuNanos = l.cfg.NanoCPUs
	}

	labels := map[string]string{
		labelWorkspace: "true",
		labelCreatedAt: strconv.FormatInt(now.UnixNano(), 10),
	}
	if opts.ConversationID != "" {
		labels[labelConversationID] = opts.ConversationID
	}

	resp, err := l.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  l.cfg.Image,
			Env:    []string{"HTTP_PROXY=unix:///var/run/workspacecore/proxy/egress.sock", "TERM=xterm-256color"},
			Labels: labels,
		},
		&container.HostConfig{
			CapDrop:        []string{"ALL"},
			SecurityOpt:    []string{"no-new-privileges"},
			ReadonlyRootfs: true,
			NetworkMode:    container.NetworkMode(networkMode),
			IpcMode:        "private",
			Binds:          []string{sockDir + ":/var/run/workspacecore/proxy:rw"},
			Resources: container.Resources{
				Memory:    memLimit,
				NanoCPUs:  cpuNanos,
				PidsLimit: &pidsLimit,
			},
		},
		nil, nil, "workspace-"+sandboxID,
	)
	if err != nil {
		os.RemoveAll(sockDir)
		return types.SandboxInfo{}, fmt.Errorf("container create: %w", err)
	}

	return types.SandboxInfo{
		SandboxID:      resp.ID,
		ConversationID: opts.ConversationID,
		AgentEndpoint:  types.Endpoint{Scheme: "unix", Socket: filepath.Join(sockDir, "agent.sock")},
		ProxyEndpoint:  types.Endpoint{Scheme: "unix", Socket: l.proxySocketPath(sandboxID)},
		CreatedAt:      now,
		LastActiveAt:   now,
		Status:         types.StatusWarm,
		ManagerType:    types.ManagerDocker,
	}, nil
}

// Start boots the container. The agent endpoint is not guaranteed reachable
// until WaitReady succeeds.
func (l *DockerLifecycle) Start(ctx context.Context, info types.SandboxInfo) error {
	if err := l.cli.ContainerStart(ctx, info.SandboxID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// WaitReady polls GET /health on the sandbox agent's HTTP endpoint.
func (l *DockerLifecycle) WaitReady(ctx context.Context, info types.SandboxInfo) error {
	client := &http.Client{Timeout: 2 * time.Second}
	url := info.AgentEndpoint.URL
	if info.AgentEndpoint.Scheme == "unix" {
		socket := info.AgentEndpoint.Socket
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		}
		url = "http://unix/health"
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox %s did not become ready: %w", info.SandboxID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Destroy gracefully stops the container (SIGTERM + grace period enforced
// by Docker's stop timeout) then force-removes it and its socket mount.
func (l *DockerLifecycle) Destroy(ctx context.Context, info types.SandboxInfo) error {
	timeout := 10
	l.cli.ContainerStop(ctx, info.SandboxID, container.StopOptions{Timeout: &timeout})
	if err := l.cli.ContainerRemove(ctx, info.SandboxID, container.RemoveOptions{Force: true}); err != nil {
		l.log.Warn().Err(err).Str("sandbox_id", info.SandboxID).Msg("container remove failed")
	}
	os.RemoveAll(filepath.Dir(info.ProxyEndpoint.Socket))
	return nil
}

// List enumerates every running/stopped container carrying the workspace
// label, independent of registry state.
func (l *DockerLifecycle) List(ctx context.Context) ([]types.SandboxInfo, error) {
	f := filters.NewArgs(filters.Arg("label", labelWorkspace+"=true"))
	containers, err := l.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]types.SandboxInfo, 0, len(containers))
	for _, c := range containers {
		createdNS, _ := strconv.ParseInt(c.Labels[labelCreatedAt], 10, 64)
		created := time.Unix(0, createdNS)
		out = append(out, types.SandboxInfo{
			SandboxID:      c.ID,
			ConversationID: c.Labels[labelConversationID],
			CreatedAt:      created,
			LastActiveAt:   created,
			Status:         types.StatusRunning,
			ManagerType:    types.ManagerDocker,
		})
	}
	return out, nil
}

// Logs fetches the last tailLines of combined stdout/stderr.
func (l *DockerLifecycle) Logs(ctx context.Context, info types.SandboxInfo, tailLines int) (string, error) {
	rc, err := l.cli.ContainerLogs(ctx, info.SandboxID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return buf.String(), nil
}

// HealthCheck is the Creator-facing probe the warm pool uses to validate a
// popped sandbox before handing it to a conversation.
func (l *DockerLifecycle) HealthCheck(ctx context.Context, info types.SandboxInfo) error {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.WaitReady(checkCtx, info)
}

// CreateWarm builds, starts and waits for a fully-booted, unbound sandbox —
// the warmpool.Creator capability.
func (l *DockerLifecycle) CreateWarm(ctx context.Context) (types.SandboxInfo, error) {
	info, err := l.Create(ctx, CreateOptions{NetworkMode: NetworkRestricted})
	if err != nil {
		return types.SandboxInfo{}, err
	}
	if err := l.Start(ctx, info); err != nil {
		return types.SandboxInfo{}, err
	}
	if err := l.WaitReady(ctx, info); err != nil {
		l.Destroy(ctx, info)
		return types.SandboxInfo{}, err
	}
	return info, nil
}

func (l *DockerLifecycle) Close() error {
	return l.cli.Close()
}
