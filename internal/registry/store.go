// Package registry implements the distributed KV-backed conversation
// registry for the workspace isolation core: one hash per bound
// conversation with a TTL equal to the inactivity window, refreshed on
// every successful turn. Backed by github.com/redis/go-redis/v9 for its
// atomic list pops, hash ops, and TTL keys.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/types"
)

// ErrNotFound is returned when no binding exists for a conversation.
var ErrNotFound = errors.New("registry: binding not found")

const conversationKeyPrefix = "workspace:container:"

func conversationKey(conversationID string) string {
	return conversationKeyPrefix + conversationID
}

// Store is the conversation-binding registry: conversation_id -> SandboxInfo.
type Store struct {
	rdb         *redis.Client
	log         zerolog.Logger
	inactiveTTL time.Duration
}

// New builds a Store backed by rdb. inactiveTTL is the expiry applied (and
// refreshed) on every bind/touch, the conversation's inactivity window.
func New(rdb *redis.Client, inactiveTTL time.Duration, log zerolog.Logger) *Store {
	return &Store{rdb: rdb, inactiveTTL: inactiveTTL, log: log.With().Str("component", "registry").Logger()}
}

// Get returns the current binding for a conversation, if any.
func (s *Store) Get(ctx context.Context, conversationID string) (types.SandboxInfo, error) {
	fields, err := s.rdb.HGetAll(ctx, conversationKey(conversationID)).Result()
	if err != nil {
		return types.SandboxInfo{}, fmt.Errorf("registry get %s: %w", conversationID, err)
	}
	info, ok := decodeSandbox(fields)
	if !ok {
		return types.SandboxInfo{}, ErrNotFound
	}
	return info, nil
}

// Bind atomically writes the conversation->sandbox hash and sets its TTL to
// the inactivity window. Only the conversation's current owner goroutine
// (or the GC during destruction) should call this.
func (s *Store) Bind(ctx context.Context, conversationID string, info types.SandboxInfo) error {
	key := conversationKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, encodeSandbox(info))
	pipe.Expire(ctx, key, s.inactiveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry bind %s: %w", conversationID, err)
	}
	return nil
}

// Touch refreshes last_active_at and extends the TTL — called after every
// successful turn.
func (s *Store) Touch(ctx context.Context, conversationID string, now time.Time) error {
	key := conversationKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "last_active_at", now.UnixNano())
	pipe.Expire(ctx, key, s.inactiveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry touch %s: %w", conversationID, err)
	}
	return nil
}

// UpdateStatus performs a checked status transition. It returns an error
// without writing if the transition is invalid.
func (s *Store) UpdateStatus(ctx context.Context, conversationID string, to types.Status) error {
	current, err := s.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !types.ValidTransition(current.Status, to) {
		return fmt.Errorf("registry: invalid transition %s -> %s for %s", current.Status, to, conversationID)
	}
	return s.rdb.HSet(ctx, conversationKey(conversationID), "status", string(to)).Err()
}

// Delete removes the registry entry entirely.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	return s.rdb.Del(ctx, conversationKey(conversationID)).Err()
}

// ListAll enumerates every live binding, used by the GC sweep and by
// startup reconciliation against runtime-labeled sandboxes.
func (s *Store) ListAll(ctx context.Context) ([]types.SandboxInfo, error) {
	var infos []types.SandboxInfo
	iter := s.rdb.Scan(ctx, 0, conversationKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		fields, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			s.log.Warn().Err(err).Str("key", iter.Val()).Msg("failed reading registry entry during scan")
			continue
		}
		if info, ok := decodeSandbox(fields); ok {
			infos = append(infos, info)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry scan: %w", err)
	}
	return infos, nil
}
