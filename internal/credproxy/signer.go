package credproxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/workspacecore/workspacecore/internal/types"
)

// signRequest computes AWS-SigV4 signing artifacts over req's canonical
// form (method, URI, query, signed-header set, payload hash) and injects
// Authorization, x-amz-date, and (if present) x-amz-security-token, via the
// standard kSecret->kDate->kRegion->kService->kSigning derivation. service
// is derived from the host (e.g. "bedrock" for bedrock-runtime.* hosts).
func signRequest(ctx context.Context, req *http.Request, creds types.CredentialMaterial, service string) error {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return fmt.Errorf("signing-misconfigured: no credential material configured")
	}

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read body for signing: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	sum := sha256.Sum256(bodyBytes)
	payloadHash := hex.EncodeToString(sum[:])

	signer := v4.NewSigner()

	awsCreds := aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}

	signTime := time.Now().UTC()
	if err := signer.SignHTTP(ctx, awsCreds, req, payloadHash, service, creds.Region, signTime); err != nil {
		return fmt.Errorf("sigv4 sign: %w", err)
	}
	return nil
}
