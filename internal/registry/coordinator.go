package registry

import "golang.org/x/sync/singleflight"

// Coordinator de-duplicates concurrent sandbox-acquisition attempts for the
// same conversation: if two callers race to bind a conversation that has no
// live registry entry yet, only one actually talks to the warm pool /
// lifecycle backend, and both receive its result. This is the
// per-conversation creation de-duplication the registry owns, keeping
// Orchestrator.GetOrCreate itself free of its own ad-hoc locking beyond the
// mutex it needs for Destroy serialization.
type Coordinator struct {
	group singleflight.Group
}

// NewCoordinator builds an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Do runs fn for key, sharing the in-flight call (and its result) across
// any other Do call for the same key made while fn is running.
func (c *Coordinator) Do(key string, fn func() (any, error)) (any, error) {
	v, err, _ := c.group.Do(key, fn)
	return v, err
}
