// Package warmpool pre-provisions sandboxes so Orchestrator.GetOrCreate can
// hide cold-start latency behind an atomic queue pop. The queue is a Redis
// list (atomic RPUSH/LPOP); replenish and preheat both reconcile the queue
// to a target size by creating whatever deficit remains, bounded by a
// concurrency limit.
package warmpool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/workspacecore/workspacecore/internal/types"
)

// ErrPoolExhausted is returned by Acquire when the queue is empty and
// on-demand creation also fails. It is never user-facing: pool exhaustion
// falls through to on-demand creation instead.
var ErrPoolExhausted = errors.New("warmpool: exhausted and create failed")

const (
	queueKey    = "workspace:warm_pool"
	entryPrefix = "workspace:warm_pool:"
	configKey   = "workspace:warm_pool:config"
)

// Creator is the capability the pool needs from a Lifecycle backend: build
// a fully-booted, not-yet-bound sandbox. The control-plane credential proxy
// for it is not started here; the Orchestrator starts it at bind time.
type Creator interface {
	CreateWarm(ctx context.Context) (types.SandboxInfo, error)
	HealthCheck(ctx context.Context, info types.SandboxInfo) error
	Destroy(ctx context.Context, info types.SandboxInfo) error
}

// Source is the capability Orchestrator.GetOrCreate needs from a warm pool:
// acquire one ready sandbox. The Orchestrator depends on this interface,
// never on *Pool directly, so the two packages never reference each other's
// concrete type.
type Source interface {
	Acquire(ctx context.Context) (types.SandboxInfo, error)
}

// Pool is the atomic warm-pool queue plus its background maintenance tasks.
type Pool struct {
	rdb     *redis.Client
	creator Creator
	log     zerolog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	wg sync.WaitGroup
}

// New builds a Pool. cfg may be hot-reloaded later via SetConfig.
func New(rdb *redis.Client, creator Creator, cfg Config, log zerolog.Logger) *Pool {
	return &Pool{
		rdb:     rdb,
		creator: creator,
		cfg:     cfg,
		log:     log.With().Str("component", "warmpool").Logger(),
	}
}

// SetConfig hot-reloads sizing knobs; it takes effect on the next
// replenish/preheat cycle.
func (p *Pool) SetConfig(cfg Config) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()
}

func (p *Pool) config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

func entryKey(sandboxID string) string {
	return entryPrefix + sandboxID
}

// Acquire atomically pops one sandbox id from the front of the queue. If
// the popped sandbox fails its health check, it is discarded and the pop is
// retried up to 3 times before falling back to creating on demand. A
// replenish cycle is always scheduled in the background, win or lose.
func (p *Pool) Acquire(ctx context.Context) (types.SandboxInfo, error) {
	defer p.goReplenish()

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := p.rdb.LPop(ctx, queueKey).Result()
		if errors.Is(err, redis.Nil) {
			break // queue empty, fall through to on-demand create
		}
		if err != nil {
			return types.SandboxInfo{}, fmt.Errorf("warmpool acquire: %w", err)
		}

		fields, err := p.rdb.HGetAll(ctx, entryKey(id)).Result()
		if err != nil || len(fields) == 0 {
			p.log.Warn().Str("sandbox_id", id).Msg("warm entry metadata missing, discarding")
			continue
		}
		info, ok := decodeFields(fields)
		if !ok {
			continue
		}
		if err := p.creator.HealthCheck(ctx, info); err != nil {
			p.log.Warn().Str("sandbox_id", id).Err(err).Msg("warm sandbox failed health check, discarding")
			p.rdb.Del(ctx, entryKey(id))
			_ = p.creator.Destroy(ctx, info)
			continue
		}
		p.rdb.Del(ctx, entryKey(id))
		return info, nil
	}

	// Pool miss or exhausted retries: create on demand (a cold start).
	cfg := p.config()
	createCtx, cancel := context.WithTimeout(ctx, cfg.CreateTimeout)
	defer cancel()
	info, err := p.creator.CreateWarm(createCtx)
	if err != nil {
		return types.SandboxInfo{}, fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	}
	return info, nil
}

// goReplenish schedules an async, tracked replenish cycle. Failures are
// logged, never surfaced to the caller that triggered the acquire.
func (p *Pool) goReplenish() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := p.Replenish(ctx); err != nil {
			p.log.Warn().Err(err).Msg("replenish cycle failed, surfacing as cold starts")
		}
	}()
}

// Replenish creates sandboxes until the queue reaches min_size, each
// creation retried with exponential backoff on transient failure. The
// deficit is always clamped so the queue never grows past max_size, even if
// min_size is hot-reloaded above it.
func (p *Pool) Replenish(ctx context.Context) error {
	cfg := p.config()
	size, err := p.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return fmt.Errorf("warmpool replenish: queue length: %w", err)
	}
	deficit := clampDeficit(cfg.MinSize-int(size), int(size), cfg.MaxSize)
	if deficit <= 0 {
		return nil
	}
	return p.createN(ctx, deficit, cfg)
}

// Preheat brings the queue up to target_size in parallel, bounded by
// max_concurrent_creates, directly modeled on the warm-pool controller's
// deficit-then-parallel-create reconcile loop. The deficit is clamped to
// max_size for the same reason as Replenish.
func (p *Pool) Preheat(ctx context.Context) error {
	cfg := p.config()
	size, err := p.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return fmt.Errorf("warmpool preheat: queue length: %w", err)
	}
	deficit := clampDeficit(cfg.TargetSize-int(size), int(size), cfg.MaxSize)
	if deficit <= 0 {
		return nil
	}
	return p.createN(ctx, deficit, cfg)
}

// clampDeficit bounds a requested deficit so size+deficit never exceeds max
// (a non-positive max means unbounded, for configs that leave it unset).
func clampDeficit(deficit, size, max int) int {
	if deficit < 0 {
		return 0
	}
	if max > 0 && size+deficit > max {
		deficit = max - size
	}
	if deficit < 0 {
		return 0
	}
	return deficit
}

func (p *Pool) createN(ctx context.Context, n int, cfg Config) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrentCreate)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.createWithBackoff(gctx, cfg)
		})
	}
	return g.Wait()
}

func (p *Pool) createWithBackoff(ctx context.Context, cfg Config) error {
	backoff := 500 * time.Millisecond
	const maxAttempts = 4
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		createCtx, cancel := context.WithTimeout(ctx, cfg.CreateTimeout)
		info, err := p.creator.CreateWarm(createCtx)
		cancel()
		if err == nil {
			return p.enqueue(ctx, info)
		}
		lastErr = err
		p.log.Warn().Err(err).Int("attempt", attempt+1).Msg("warm sandbox creation failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("warmpool create: giving up after retries: %w", lastErr)
}

// enqueue pushes a freshly created warm sandbox onto the queue, unless a
// concurrent replenish/preheat race has already filled the queue to
// max_size, in which case the sandbox is destroyed instead of enqueued
// (spec §4.2: "acquisitions beyond max_size cause on-demand creation
// without enqueue").
func (p *Pool) enqueue(ctx context.Context, info types.SandboxInfo) error {
	cfg := p.config()
	if cfg.MaxSize > 0 {
		size, err := p.rdb.LLen(ctx, queueKey).Result()
		if err != nil {
			return fmt.Errorf("warmpool enqueue: queue length: %w", err)
		}
		if int(size) >= cfg.MaxSize {
			p.log.Info().Str("sandbox_id", info.SandboxID).Msg("warm pool at max_size, discarding freshly created sandbox instead of enqueuing")
			return p.creator.Destroy(ctx, info)
		}
	}
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, entryKey(info.SandboxID), encodeFields(info))
	pipe.RPush(ctx, queueKey, info.SandboxID)
	_, err := pipe.Exec(ctx)
	return err
}

// EvictExpired removes warm-pool entries that have sat in the queue with
// their sandbox aged past cfg.IdleTTLInPool, destroying the sandbox. Each
// candidate is removed with LRem(count=1) before being destroyed, so a
// concurrent Acquire that already popped the same id is never double-destroyed:
// LRem reports zero removals and the entry is left alone.
func (p *Pool) EvictExpired(ctx context.Context) error {
	cfg := p.config()
	if cfg.IdleTTLInPool <= 0 {
		return nil
	}
	ids, err := p.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("warmpool evict: list queue: %w", err)
	}

	now := time.Now()
	for _, id := range ids {
		fields, err := p.rdb.HGetAll(ctx, entryKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		info, ok := decodeFields(fields)
		if !ok {
			continue
		}
		if now.Sub(info.CreatedAt) <= cfg.IdleTTLInPool {
			continue
		}

		removed, err := p.rdb.LRem(ctx, queueKey, 1, id).Result()
		if err != nil {
			p.log.Warn().Err(err).Str("sandbox_id", id).Msg("warmpool evict: failed to remove queue entry")
			continue
		}
		if removed == 0 {
			// Already popped by a concurrent Acquire; it's bound to a
			// conversation now and must not be destroyed here.
			continue
		}
		p.rdb.Del(ctx, entryKey(id))
		if err := p.creator.Destroy(ctx, info); err != nil {
			p.log.Warn().Err(err).Str("sandbox_id", id).Msg("warmpool evict: failed to destroy expired sandbox")
			continue
		}
		p.log.Info().Str("sandbox_id", id).Dur("age", now.Sub(info.CreatedAt)).Msg("evicted idle warm-pool entry")
	}
	return nil
}

// reloadConfigOnce reads the workspace:warm_pool:config hash and applies any
// present min_size/target_size/max_size fields via SetConfig, implementing
// spec §4.2's "hot-reload of {min_size, target_size, max_size} via a
// registry key." Fields absent from the hash leave the current value alone.
func (p *Pool) reloadConfigOnce(ctx context.Context) {
	fields, err := p.rdb.HGetAll(ctx, configKey).Result()
	if err != nil {
		p.log.Warn().Err(err).Msg("warmpool config reload: read failed")
		return
	}
	if len(fields) == 0 {
		return
	}

	cfg := p.config()
	changed := false
	for key, dst := range map[string]*int{
		"min_size":    &cfg.MinSize,
		"target_size": &cfg.TargetSize,
		"max_size":    &cfg.MaxSize,
	} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			p.log.Warn().Err(err).Str("field", key).Str("value", raw).Msg("warmpool config reload: invalid value, ignoring")
			continue
		}
		if n != *dst {
			*dst = n
			changed = true
		}
	}
	if changed {
		p.log.Info().Int("min_size", cfg.MinSize).Int("target_size", cfg.TargetSize).Int("max_size", cfg.MaxSize).Msg("warm pool config hot-reloaded")
		p.SetConfig(cfg)
	}
}

// Start launches the pool's background maintenance loop: on every tick of
// cfg.MaintenanceInterval it polls the hot-reload config key and sweeps for
// warm entries that have aged past IdleTTLInPool. It runs until ctx is
// canceled; Close waits for it (and any in-flight replenish/preheat) to
// return.
func (p *Pool) Start(ctx context.Context) {
	interval := p.config().MaintenanceInterval
	if interval <= 0 {
		interval = time.Minute
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.reloadConfigOnce(ctx)
				if err := p.EvictExpired(ctx); err != nil {
					p.log.Warn().Err(err).Msg("warmpool idle eviction sweep failed")
				}
			}
		}
	}()
}

// Close waits for in-flight background replenish/preheat/maintenance tasks
// to finish. Callers driving Start with a cancelable context should cancel
// it before calling Close.
func (p *Pool) Close() {
	p.wg.Wait()
}

// Size returns the current queue length (used by tests and metrics).
func (p *Pool) Size(ctx context.Context) (int64, error) {
	return p.rdb.LLen(ctx, queueKey).Result()
}

var _ Source = (*Pool)(nil)
