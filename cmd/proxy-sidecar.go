package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workspacecore/workspacecore/internal/config"
	"github.com/workspacecore/workspacecore/internal/credproxy"
	"github.com/workspacecore/workspacecore/internal/logging"
	"github.com/workspacecore/workspacecore/internal/types"
)

// proxySidecarCmd is the entrypoint the Kubernetes backend's Sandbox pod
// spec invokes as its credential-proxy container (see
// internal/lifecycle/k8s.go's proxyContainer.Command). Unlike the Docker
// backend, where the Supervisor runs a Proxy+AdminServer pair directly in
// the control-plane process bound to a host-side socket bind-mounted into
// the container, a Kubernetes pod's containers don't share the control
// plane's filesystem — so the proxy has to run as its own process inside
// the pod, sharing only the emptyDir volume mounted at
// /var/run/workspacecore/proxy into both the agent and proxy containers.
var proxySidecarCmd = &cobra.Command{
	Use:   "proxy-sidecar",
	Short: "Run the credential injection proxy as a Kubernetes sandbox sidecar",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(false, config.StringOrDefault("LOG_LEVEL", "info"))

		proxyCfg := credproxy.DefaultConfig()
		sockDir := config.StringOrDefault("PROXY_SOCKET_DIR", "/var/run/workspacecore/proxy")
		proxySocket := filepath.Join(sockDir, "egress.sock")
		adminSocket := filepath.Join(sockDir, "admin.sock")

		initial := credproxy.Snapshot{AllowList: startupAllowList()}
		store := credproxy.NewStore(initial)

		auditPath := config.StringOrDefault("PROXY_AUDIT_DB_PATH", "/var/lib/workspacecore/audit.db")
		audit, err := credproxy.OpenAuditLog(auditPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open audit log")
		}
		defer audit.Close()

		sandboxID := config.StringOrDefault("WORKSPACECORE_SANDBOX_ID", "unknown")
		proxy := credproxy.NewProxy(sandboxID, store, audit, proxyCfg, log)
		admin := &credproxy.AdminServer{Store: store, Log: log}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 2)
		go func() { errCh <- proxy.ListenAndServe(ctx, proxySocket) }()
		go func() { errCh <- admin.ListenAndServe(adminSocket) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("proxy sidecar shutting down")
		case err := <-errCh:
			log.Error().Err(err).Msg("proxy sidecar listener exited")
		}
		cancel()
		proxy.Close()
		admin.Close()
	},
}

// startupAllowList seeds the sidecar's initial policy from its own
// environment, the same proxy.domain_whitelist configuration knob
// (PROXY_DOMAIN_WHITELIST) that orchestrator.DefaultConfig reads to seed
// Docker-mode proxies, since the sidecar boots independently of
// the control-plane process and cannot wait for a push that may race pod
// startup.
func startupAllowList() types.AllowList {
	hosts := config.ListOrDefault("PROXY_DOMAIN_WHITELIST", nil)
	suffixes := config.ListOrDefault("PROXY_SIGNING_SUFFIXES", []string{"bedrock-runtime.*"})
	allow := types.AllowList{
		Hosts:           make([]types.HostPattern, 0, len(hosts)),
		SigningSuffixes: make([]types.HostPattern, 0, len(suffixes)),
	}
	for _, h := range hosts {
		allow.Hosts = append(allow.Hosts, types.HostPattern(h))
	}
	for _, s := range suffixes {
		allow.SigningSuffixes = append(allow.SigningSuffixes, types.HostPattern(s))
	}
	return allow
}

func init() {
	rootCmd.AddCommand(proxySidecarCmd)
}
