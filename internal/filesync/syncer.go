package filesync

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/lifecycle"
	"github.com/workspacecore/workspacecore/internal/types"
)

// S3API is the subset of *s3.Client the syncer depends on, narrowed so
// tests can substitute a fake and exported so callers can pass a literal
// nil interface value (rather than a typed-nil *s3.Client, which would
// defeat the s.s3 == nil checks below) when the object store isn't
// configured.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Syncer moves files between the object store and a sandbox's workspace
// directory. It has no direct filesystem access into the sandbox; every
// read or write goes through the sandbox's Lifecycle.Exec/ExecBinary,
// since neither backend guarantees a host-visible mount of the workspace.
type Syncer struct {
	cfg   Config
	s3    S3API
	lc    lifecycle.Lifecycle
	log   zerolog.Logger
}

// NewSyncer builds a Syncer. lc is the Lifecycle backend owning the
// sandboxes this Syncer will be asked to sync.
func NewSyncer(cfg Config, client S3API, lc lifecycle.Lifecycle, log zerolog.Logger) *Syncer {
	return &Syncer{cfg: cfg, s3: client, lc: lc, log: log}
}

func (s *Syncer) objectKey(tenant, conversationID, relPath string) string {
	return path.Join(tenant, conversationID, relPath)
}

// SyncIn fetches any object-store file under {tenant}/{conversationID}/ that
// is missing from known (the last sync-out manifest, possibly empty) or
// whose checksum has changed, writing it into the sandbox workspace. It
// returns the manifest reflecting what is now present in the sandbox. If
// the object-store client is not configured, SyncIn logs and returns known
// unchanged rather than failing the turn.
func (s *Syncer) SyncIn(ctx context.Context, info types.SandboxInfo, tenant, conversationID string, known Manifest) (Manifest, error) {
	if s.s3 == nil || s.cfg.Bucket == "" {
		s.log.Info().Str("conversation_id", conversationID).Msg("object store not configured, skipping sync-in")
		return known, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	prefix := path.Join(tenant, conversationID) + "/"
	objects, err := s.listObjects(ctx, prefix)
	if err != nil {
		return known, fmt.Errorf("list objects for sync-in: %w", err)
	}

	result := Manifest{}
	for path, desc := range known {
		result[path] = desc
	}

	for _, obj := range objects {
		relPath := strings.TrimPrefix(obj.key, prefix)
		if relPath == "" {
			continue
		}

		// The object store's ETag (MD5, and not even that for multipart
		// uploads) is never comparable to the SHA-256 checksums SyncOut
		// records from the sandbox's own sha256sum output, so the only
		// sound comparison is to hash the body on this side too, in the
		// same algorithm as SyncOut, before deciding whether anything
		// actually changed.
		data, err := s.getObjectBytes(ctx, obj.key)
		if err != nil {
			return result, fmt.Errorf("get %s: %w", obj.key, err)
		}
		checksum := checksumBytes(data)

		prev, ok := known[relPath]
		if ok && prev.Checksum == checksum {
			continue
		}
		if err := s.writeIntoSandbox(ctx, info, relPath, data); err != nil {
			return result, fmt.Errorf("write %s: %w", relPath, err)
		}
		result[relPath] = types.FileDescriptor{
			Path:     relPath,
			Size:     int64(len(data)),
			Checksum: checksum,
			Source:   types.SourceUser,
			Version:  known.NextVersion(relPath),
		}
	}
	return result, nil
}

// SyncOut walks the sandbox workspace, uploads any file whose checksum
// differs from known, and returns the updated manifest with per-path
// version bumps for whatever changed.
func (s *Syncer) SyncOut(ctx context.Context, info types.SandboxInfo, tenant, conversationID string, known Manifest) (Manifest, error) {
	if s.s3 == nil || s.cfg.Bucket == "" {
		s.log.Info().Str("conversation_id", conversationID).Msg("object store not configured, skipping sync-out")
		return known, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	current, err := s.listWorkspaceFiles(ctx, info)
	if err != nil {
		return known, fmt.Errorf("list workspace files: %w", err)
	}

	result := Manifest{}
	for path, desc := range known {
		result[path] = desc
	}

	for relPath, checksum := range current {
		prev, ok := known[relPath]
		if ok && prev.Checksum == checksum {
			continue
		}
		size, err := s.uploadFrom(ctx, info, s.objectKey(tenant, conversationID, relPath), relPath)
		if err != nil {
			return result, fmt.Errorf("upload %s: %w", relPath, err)
		}
		source := types.SourceAgentModified
		if !ok {
			source = types.SourceAgentCreated
		}
		result[relPath] = types.FileDescriptor{
			Path:     relPath,
			Size:     size,
			Checksum: checksum,
			Source:   source,
			Version:  known.NextVersion(relPath),
		}
	}
	return result, nil
}

type remoteObject struct {
	key  string
	size int64
}

func (s *Syncer) listObjects(ctx context.Context, prefix string) ([]remoteObject, error) {
	var out []remoteObject
	var token *string
	for {
		page, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, remoteObject{
				key:  aws.ToString(obj.Key),
				size: aws.ToInt64(obj.Size),
			})
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

// getObjectBytes downloads one object's full body, used both to compute its
// SHA-256 for comparison against the known manifest and, if it turns out to
// have actually changed, to write into the sandbox.
func (s *Syncer) getObjectBytes(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	return data, nil
}

func (s *Syncer) writeIntoSandbox(ctx context.Context, info types.SandboxInfo, relPath string, data []byte) error {
	dest := path.Join(s.cfg.WorkspaceDir, relPath)
	encoded := base64.StdEncoding.EncodeToString(data)
	script := fmt.Sprintf("mkdir -p %q && base64 -d > %q <<'WORKSPACECORE_EOF'\n%s\nWORKSPACECORE_EOF\n", path.Dir(dest), dest, encoded)
	res, err := s.lc.Exec(ctx, info, []string{"sh", "-c", script}, s.cfg.SyncTimeout)
	if err != nil {
		return fmt.Errorf("exec write file: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write file exited %d: %s", res.ExitCode, string(res.Output))
	}
	return nil
}

func (s *Syncer) uploadFrom(ctx context.Context, info types.SandboxInfo, key, relPath string) (int64, error) {
	src := path.Join(s.cfg.WorkspaceDir, relPath)
	reader, err := s.lc.ExecBinary(ctx, info, []string{"cat", src}, s.cfg.SyncTimeout)
	if err != nil {
		return 0, fmt.Errorf("exec read file: %w", err)
	}

	data, readErr := io.ReadAll(reader)
	closeErr := reader.Close()
	if readErr != nil {
		return 0, fmt.Errorf("read file stream: %w", readErr)
	}
	if exitCode := reader.ExitCode(); exitCode != 0 {
		return 0, fmt.Errorf("cat exited %d", exitCode)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close exec stream: %w", closeErr)
	}

	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, fmt.Errorf("put object: %w", err)
	}
	return int64(len(data)), nil
}

// listWorkspaceFiles returns the set of workspace-relative paths present in
// the sandbox together with their SHA-256 checksums, derived from a
// find+sha256sum one-shot exec.
func (s *Syncer) listWorkspaceFiles(ctx context.Context, info types.SandboxInfo) (map[string]string, error) {
	script := fmt.Sprintf("cd %q && find . -type f -exec sha256sum {} +", s.cfg.WorkspaceDir)
	res, err := s.lc.Exec(ctx, info, []string{"sh", "-c", script}, s.cfg.SyncTimeout)
	if err != nil {
		return nil, fmt.Errorf("exec list workspace: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("find exited %d: %s", res.ExitCode, string(res.Output))
	}

	out := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(res.Output))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, "  ", 2)
		if len(fields) != 2 {
			continue
		}
		checksum := fields[0]
		relPath := strings.TrimPrefix(fields[1], "./")
		out[relPath] = checksum
	}
	return out, scanner.Err()
}

// checksumBytes is used by tests and the sync-in manifest path to validate
// content against an expected SHA-256 digest without shelling out.
func checksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
