package filesync

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/workspacecore/workspacecore/internal/lifecycle"
	"github.com/workspacecore/workspacecore/internal/types"
)

// fakeS3 is an in-memory stand-in for S3API, keyed exactly like the real
// bucket (full object key, no bucket-name indirection).
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3(objects map[string][]byte) *fakeS3 {
	return &fakeS3{objects: objects}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	var contents []s3types.Object
	for key, data := range f.objects {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		contents = append(contents, s3types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(data))),
		})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errObjectNotFound
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

var errObjectNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "object not found" }

// fakeSyncLifecycle records the write-into-sandbox Exec calls SyncIn issues,
// so tests can assert whether an unchanged file was ever shipped into the
// sandbox at all.
type fakeSyncLifecycle struct {
	mu        sync.Mutex
	execCalls int
}

func (f *fakeSyncLifecycle) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

func (f *fakeSyncLifecycle) Create(ctx context.Context, opts lifecycle.CreateOptions) (types.SandboxInfo, error) {
	return types.SandboxInfo{}, nil
}
func (f *fakeSyncLifecycle) Start(ctx context.Context, info types.SandboxInfo) error { return nil }
func (f *fakeSyncLifecycle) WaitReady(ctx context.Context, info types.SandboxInfo) error {
	return nil
}
func (f *fakeSyncLifecycle) Destroy(ctx context.Context, info types.SandboxInfo) error { return nil }
func (f *fakeSyncLifecycle) Exec(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (lifecycle.ExecResult, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()
	return lifecycle.ExecResult{ExitCode: 0}, nil
}
func (f *fakeSyncLifecycle) ExecBinary(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (lifecycle.ExecStream, error) {
	return nil, nil
}
func (f *fakeSyncLifecycle) List(ctx context.Context) ([]types.SandboxInfo, error) { return nil, nil }
func (f *fakeSyncLifecycle) Logs(ctx context.Context, info types.SandboxInfo, tailLines int) (string, error) {
	return "", nil
}

func testSyncConfig() Config {
	return Config{Bucket: "bucket", WorkspaceDir: "/home/agent/workspace", SyncTimeout: 5 * time.Second}
}

// TestSyncInSkipsUnchangedContentAndPreservesAttribution exercises the bug
// the checksum-algorithm mismatch caused: SyncIn must hash the object body
// with the same algorithm SyncOut used (SHA-256) so that re-uploading
// nothing-changed content doesn't look like a change, which previously
// caused an unconditional refetch that clobbered agent attribution and
// bumped the version on every turn.
func TestSyncInSkipsUnchangedContentAndPreservesAttribution(t *testing.T) {
	data := []byte("unchanged contents")
	checksum := checksumBytes(data)

	s3api := newFakeS3(map[string][]byte{
		"tenant-a/conv-1/a.txt": data,
	})
	lc := &fakeSyncLifecycle{}
	s := NewSyncer(testSyncConfig(), s3api, lc, zerolog.Nop())

	known := Manifest{
		"a.txt": {Path: "a.txt", Size: int64(len(data)), Checksum: checksum, Source: types.SourceAgentCreated, Version: 3},
	}

	result, err := s.SyncIn(context.Background(), types.SandboxInfo{}, "tenant-a", "conv-1", known)
	require.NoError(t, err)

	require.Equal(t, 0, lc.execCount(), "unchanged content must never be written into the sandbox")
	require.Equal(t, known["a.txt"], result["a.txt"], "unchanged content must preserve prior attribution and version")
}

// TestSyncInRefetchesChangedContent verifies the other half: content that
// genuinely differs from the known manifest is still fetched, written into
// the sandbox, and recorded with a bumped version.
func TestSyncInRefetchesChangedContent(t *testing.T) {
	oldData := []byte("stale contents")
	newData := []byte("fresh contents from the user")

	s3api := newFakeS3(map[string][]byte{
		"tenant-a/conv-1/a.txt": newData,
	})
	lc := &fakeSyncLifecycle{}
	s := NewSyncer(testSyncConfig(), s3api, lc, zerolog.Nop())

	known := Manifest{
		"a.txt": {Path: "a.txt", Size: int64(len(oldData)), Checksum: checksumBytes(oldData), Source: types.SourceAgentModified, Version: 2},
	}

	result, err := s.SyncIn(context.Background(), types.SandboxInfo{}, "tenant-a", "conv-1", known)
	require.NoError(t, err)

	require.Equal(t, 1, lc.execCount(), "changed content must be written into the sandbox")
	desc := result["a.txt"]
	require.Equal(t, checksumBytes(newData), desc.Checksum)
	require.Equal(t, types.SourceUser, desc.Source)
	require.Equal(t, 3, desc.Version)
}

// TestSyncInNewFileIsFetchedAndAddedToManifest covers a path absent from
// known entirely: it must be pulled in as version 1.
func TestSyncInNewFileIsFetchedAndAddedToManifest(t *testing.T) {
	data := []byte("brand new file")
	s3api := newFakeS3(map[string][]byte{
		"tenant-a/conv-1/new.txt": data,
	})
	lc := &fakeSyncLifecycle{}
	s := NewSyncer(testSyncConfig(), s3api, lc, zerolog.Nop())

	result, err := s.SyncIn(context.Background(), types.SandboxInfo{}, "tenant-a", "conv-1", Manifest{})
	require.NoError(t, err)

	require.Equal(t, 1, lc.execCount())
	desc := result["new.txt"]
	require.Equal(t, checksumBytes(data), desc.Checksum)
	require.Equal(t, 1, desc.Version)
}
