package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/workspacecore/workspacecore/internal/config"
	"github.com/workspacecore/workspacecore/internal/credproxy"
	"github.com/workspacecore/workspacecore/internal/filesync"
	"github.com/workspacecore/workspacecore/internal/gc"
	"github.com/workspacecore/workspacecore/internal/logging"
	"github.com/workspacecore/workspacecore/internal/metrics"
	"github.com/workspacecore/workspacecore/internal/orchestrator"
	"github.com/workspacecore/workspacecore/internal/registry"
	"github.com/workspacecore/workspacecore/internal/warmpool"
)

var (
	serveAddr    string
	serveBackend string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workspacecore control plane",
	Long:  `Start the HTTP server that acquires, runs, and recycles sandboxes for AI agent conversations.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New(config.BoolOrDefault("LOG_PRETTY", false), config.StringOrDefault("LOG_LEVEL", "info"))

		redisAddr := config.StringOrDefault("REDIS_ADDR", "localhost:6379")
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", redisAddr).Msg("redis unavailable")
		}
		log.Info().Str("addr", redisAddr).Msg("connected to redis")

		promReg := prometheus.NewRegistry()
		m := metrics.New(promReg)

		lc, err := buildLifecycle(serveBackend, log)
		if err != nil {
			log.Fatal().Err(err).Str("backend", serveBackend).Msg("lifecycle backend unavailable")
		}
		log.Info().Str("backend", serveBackend).Msg("lifecycle backend ready")

		gcCfg := gc.DefaultConfig()
		reg := registry.New(rdb, gcCfg.InactiveTTL, log)

		pool := warmpool.New(rdb, lc.(warmpool.Creator), warmpool.DefaultConfig(), log)

		s3Client := buildS3Client(log)
		syncer := filesync.NewSyncer(filesync.DefaultConfig(), s3Client, lc, log)
		flusher := filesync.NewFlusher(syncer, log)

		audit, err := credproxy.OpenAuditLog(config.StringOrDefault("PROXY_AUDIT_DB_PATH", "/var/lib/workspacecore/audit.db"))
		if err != nil {
			log.Fatal().Err(err).Msg("open credential proxy audit log")
		}
		defer audit.Close()
		supervisor := credproxy.NewSupervisor(credproxy.DefaultConfig(), audit, log)

		orchCfg := orchestrator.DefaultConfig()
		orch := orchestrator.New(orchCfg, reg, pool, lc, supervisor, syncer, flusher, m, log)

		collector := gc.New(gcCfg, reg, orch, lc, m, log)
		if err := collector.Start(); err != nil {
			log.Fatal().Err(err).Msg("start garbage collector")
		}
		defer collector.Stop()

		preheatCtx, preheatCancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := pool.Preheat(preheatCtx); err != nil {
			log.Warn().Err(err).Msg("initial warm-pool preheat failed, sandboxes will cold-start")
		}
		preheatCancel()

		poolMaintCtx, stopPoolMaint := context.WithCancel(context.Background())
		pool.Start(poolMaintCtx)

		stopRotation := startCredentialRotation(orchCfg.CredentialRefreshInterval, orch, log)
		defer stopRotation()

		router := chi.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mountAgentAPI(router, orch)

		httpServer := &http.Server{Addr: serveAddr, Handler: router}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			log.Info().Str("signal", sig.String()).Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), orchCfg.ShutdownTimeout)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)

			if err := orch.DestroyAll(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("sandbox drain did not complete cleanly")
			}
			stopPoolMaint()
			pool.Close()
		}()

		log.Info().Str("addr", serveAddr).Msg("workspacecore listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server exited")
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", ":8080", "Address for the control plane HTTP server")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "docker", "Sandbox backend: docker or k8s")
}
