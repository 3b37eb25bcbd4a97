package credproxy

import (
	"sync/atomic"

	"github.com/workspacecore/workspacecore/internal/types"
)

// Snapshot is the immutable, read-mostly bundle of policy and credential
// state every proxy request handler consults exactly once. Rotation
// (credential refresh, admin rule pushes) publishes a new Snapshot via an
// atomic pointer swap rather than mutating a shared map in place.
type Snapshot struct {
	Credentials types.CredentialMaterial
	AllowList   types.AllowList
}

// Store holds the current Snapshot behind an atomic.Pointer. Single writer
// (the rotation/admin-update path), many concurrent readers (request
// handlers).
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore builds a Store seeded with an initial snapshot.
func NewStore(initial Snapshot) *Store {
	s := &Store{}
	s.current.Store(&initial)
	return s
}

// Load returns the current snapshot. Safe for concurrent use.
func (s *Store) Load() Snapshot {
	return *s.current.Load()
}

// SwapCredentials publishes a new Snapshot with updated credentials,
// leaving the allow-list untouched.
func (s *Store) SwapCredentials(creds types.CredentialMaterial) {
	cur := s.Load()
	cur.Credentials = creds
	s.current.Store(&cur)
}

// SwapAllowList publishes a new Snapshot with an updated allow-list,
// leaving credentials untouched. Applying the same rule set twice is a
// no-op in effect: the new snapshot is behaviorally identical to the one it
// replaces.
func (s *Store) SwapAllowList(allow types.AllowList) {
	cur := s.Load()
	cur.AllowList = allow
	s.current.Store(&cur)
}
