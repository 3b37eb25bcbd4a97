package gc

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/lifecycle"
	"github.com/workspacecore/workspacecore/internal/metrics"
	"github.com/workspacecore/workspacecore/internal/registry"
	"github.com/workspacecore/workspacecore/internal/types"
)

// SandboxCleanup is the capability the GC holds on the Orchestrator: destroy
// one conversation's sandbox by id, including stopping its proxy, flushing
// files, and removing the registry entry. The GC never depends on the
// Orchestrator's concrete type, breaking the Orchestrator<->GC cycle.
type SandboxCleanup interface {
	Destroy(ctx context.Context, conversationID string) error
}

// GC sweeps the registry on a cron schedule.
type GC struct {
	cfg     Config
	reg     *registry.Store
	cleanup SandboxCleanup
	lc      lifecycle.Lifecycle
	metrics *metrics.Registry
	log     zerolog.Logger

	cronSched *cron.Cron
	cycle     uint64
}

// New builds a GC. lc is used only for the orphan-reclaim path (runtime
// sandboxes with no matching registry entry, which by definition have no
// conversation binding to route through cleanup).
func New(cfg Config, reg *registry.Store, cleanup SandboxCleanup, lc lifecycle.Lifecycle, m *metrics.Registry, log zerolog.Logger) *GC {
	return &GC{cfg: cfg, reg: reg, cleanup: cleanup, lc: lc, metrics: m, log: log.With().Str("component", "gc").Logger()}
}

// Start schedules the sweep on cfg.Schedule and begins running it in the
// background. Call Stop to end the schedule.
func (g *GC) Start() error {
	g.cronSched = cron.New()
	_, err := g.cronSched.AddFunc(g.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		g.sweep(ctx)
	})
	if err != nil {
		return err
	}
	g.cronSched.Start()
	return nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (g *GC) Stop() {
	if g.cronSched != nil {
		ctx := g.cronSched.Stop()
		<-ctx.Done()
	}
}

func (g *GC) sweep(ctx context.Context) {
	infos, err := g.reg.ListAll(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("failed to list registry entries for gc sweep")
		return
	}

	now := time.Now()
	for _, info := range infos {
		reason := g.shouldDestroy(ctx, info, now)
		if reason == "" {
			continue
		}
		g.destroyOne(ctx, info, reason)
	}

	g.cycle++
	if g.cfg.OrphanCycleEvery > 0 && g.cycle%uint64(g.cfg.OrphanCycleEvery) == 0 {
		g.reclaimOrphans(ctx, infos)
	}
}

// shouldDestroy implements the per-cycle victim test: never interrupt a
// running turn; destroy on inactivity TTL, absolute TTL, or a failed health
// probe. Returns the reason for destruction, or "" if the sandbox survives
// this cycle.
func (g *GC) shouldDestroy(ctx context.Context, info types.SandboxInfo, now time.Time) string {
	if info.Status == types.StatusRunning {
		return ""
	}
	if now.Sub(info.LastActiveAt) > g.cfg.InactiveTTL {
		return "inactive_ttl"
	}
	if now.Sub(info.CreatedAt) > g.cfg.AbsoluteTTL {
		return "absolute_ttl"
	}
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.lc.WaitReady(healthCtx, info); err != nil {
		g.log.Warn().Err(err).Str("sandbox_id", info.SandboxID).Msg("health probe failed, marking for destruction")
		return "health"
	}
	return ""
}

func (g *GC) destroyOne(ctx context.Context, info types.SandboxInfo, reason string) {
	log := g.log.With().Str("conversation_id", info.ConversationID).Str("sandbox_id", info.SandboxID).Str("reason", reason).Logger()

	if err := g.reg.UpdateStatus(ctx, info.ConversationID, types.StatusDraining); err != nil {
		log.Warn().Err(err).Msg("failed to mark sandbox draining, skipping this cycle")
		return
	}

	if err := g.cleanup.Destroy(ctx, info.ConversationID); err != nil {
		log.Error().Err(err).Msg("sandbox cleanup failed")
		return
	}

	if g.metrics != nil {
		g.metrics.GCReapsTotal.WithLabelValues(reason).Inc()
	}
	log.Info().Msg("gc reaped sandbox")
}

// reclaimOrphans runs every OrphanCycleEvery cycles: it enumerates
// runtime-labeled sandboxes the Lifecycle backend knows about that have no
// corresponding registry entry and are older than the orphan safety age,
// then destroys them directly since there is no conversation binding to
// route through the cleanup capability.
func (g *GC) reclaimOrphans(ctx context.Context, known []types.SandboxInfo) {
	runtimeSandboxes, err := g.lc.List(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("failed to list runtime sandboxes for orphan reclaim")
		return
	}

	bound := make(map[string]bool, len(known))
	for _, info := range known {
		bound[info.SandboxID] = true
	}

	now := time.Now()
	for _, rt := range runtimeSandboxes {
		if bound[rt.SandboxID] {
			continue
		}
		if now.Sub(rt.CreatedAt) < g.cfg.OrphanSafetyAge {
			continue
		}
		if err := g.lc.Destroy(ctx, rt); err != nil {
			g.log.Error().Err(err).Str("sandbox_id", rt.SandboxID).Msg("failed to destroy orphan sandbox")
			continue
		}
		if g.metrics != nil {
			g.metrics.GCReapsTotal.WithLabelValues("orphan").Inc()
		}
		g.log.Info().Str("sandbox_id", rt.SandboxID).Msg("reclaimed orphan sandbox")
	}
}
