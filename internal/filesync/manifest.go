package filesync

import "github.com/workspacecore/workspacecore/internal/types"

// Manifest is the known sync state for one conversation's files, keyed by
// workspace-relative path.
type Manifest map[string]types.FileDescriptor

// Diff compares m (the last known manifest) against next (freshly observed
// state) and reports which paths are new or changed and which have been
// removed. A path is changed if its checksum differs; size alone is not
// authoritative since two different contents can share a size.
func (m Manifest) Diff(next Manifest) (changed []types.FileDescriptor, removed []string) {
	for path, desc := range next {
		prev, ok := m[path]
		if !ok || prev.Checksum != desc.Checksum {
			changed = append(changed, desc)
		}
	}
	for path := range m {
		if _, ok := next[path]; !ok {
			removed = append(removed, path)
		}
	}
	return changed, removed
}

// NextVersion returns the version to assign path when writing it into
// m, one past whatever is already recorded there.
func (m Manifest) NextVersion(path string) int {
	if prev, ok := m[path]; ok {
		return prev.Version + 1
	}
	return 1
}

// Apply folds changed descriptors into m, returning the updated manifest.
func (m Manifest) Apply(changed []types.FileDescriptor) Manifest {
	for _, d := range changed {
		m[d.Path] = d
	}
	return m
}
