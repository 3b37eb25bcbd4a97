package filesync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/workspacecore/workspacecore/internal/types"
)

func TestManifestDiffDetectsChangedAndRemoved(t *testing.T) {
	prev := Manifest{
		"a.txt": {Path: "a.txt", Checksum: "aaa", Version: 1},
		"b.txt": {Path: "b.txt", Checksum: "bbb", Version: 1},
	}
	next := Manifest{
		"a.txt": {Path: "a.txt", Checksum: "aaa"},
		"c.txt": {Path: "c.txt", Checksum: "ccc"},
	}

	changed, removed := prev.Diff(next)
	require.Len(t, changed, 1)
	require.Equal(t, "c.txt", changed[0].Path)
	require.Equal(t, []string{"b.txt"}, removed)
}

func TestManifestNextVersionIncrementsExisting(t *testing.T) {
	m := Manifest{"a.txt": {Path: "a.txt", Version: 3}}
	require.Equal(t, 4, m.NextVersion("a.txt"))
	require.Equal(t, 1, m.NextVersion("new.txt"))
}

func TestManifestApplyMergesChangedDescriptors(t *testing.T) {
	m := Manifest{"a.txt": {Path: "a.txt", Version: 1}}
	updated := m.Apply([]types.FileDescriptor{{Path: "a.txt", Version: 2}, {Path: "b.txt", Version: 1}})
	require.Equal(t, 2, updated["a.txt"].Version)
	require.Equal(t, 1, updated["b.txt"].Version)
}

func TestChecksumBytesIsDeterministic(t *testing.T) {
	require.Equal(t, checksumBytes([]byte("hello")), checksumBytes([]byte("hello")))
	require.NotEqual(t, checksumBytes([]byte("hello")), checksumBytes([]byte("world")))
}
