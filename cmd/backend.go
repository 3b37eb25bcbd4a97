package cmd

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/workspacecore/workspacecore/internal/config"
	"github.com/workspacecore/workspacecore/internal/filesync"
	"github.com/workspacecore/workspacecore/internal/lifecycle"
	"github.com/workspacecore/workspacecore/internal/orchestrator"
	"github.com/workspacecore/workspacecore/internal/types"
)

// buildLifecycle selects the Lifecycle backend named by --backend. Both
// backends satisfy warmpool.Creator in addition to lifecycle.Lifecycle, so
// the caller can use the same value for both roles.
func buildLifecycle(backend string, log zerolog.Logger) (lifecycle.Lifecycle, error) {
	switch backend {
	case "docker":
		return lifecycle.NewDockerLifecycle(lifecycle.DefaultDockerConfig(), log)
	case "k8s":
		return lifecycle.NewK8sLifecycle(lifecycle.DefaultK8sConfig(), log)
	default:
		return nil, fmt.Errorf("unknown container backend %q (expected docker or k8s)", backend)
	}
}

// buildS3Client loads the default AWS config chain (env vars, shared config,
// IMDS) and returns an S3 client, or a literal nil interface if no bucket is
// configured — file sync degrades to a skipped, logged no-op in that case
// rather than an error. The return type must be the interface, not
// *s3.Client: handing the Syncer a typed-nil pointer through an interface
// parameter would make its own nil checks see a non-nil interface.
func buildS3Client(log zerolog.Logger) filesync.S3API {
	if config.StringOrDefault("FILESYNC_BUCKET", "") == "" {
		log.Warn().Msg("FILESYNC_BUCKET not set, file sync will be skipped for every turn")
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("failed to load AWS config, file sync will be skipped")
		return nil
	}
	return s3.NewFromConfig(awsCfg)
}

// startCredentialRotation re-reads credential material from the environment
// every interval and pushes it to every bound sandbox's proxy via
// Orchestrator.RotateCredentials, the hot-swap path described for
// CredentialMaterial in the data model. It returns a stop function.
func startCredentialRotation(interval time.Duration, orch *orchestrator.Orchestrator, log zerolog.Logger) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				creds := types.CredentialMaterial{
					AccessKeyID:     config.StringOrDefault("AWS_ACCESS_KEY_ID", ""),
					SecretAccessKey: config.StringOrDefault("AWS_SECRET_ACCESS_KEY", ""),
					SessionToken:    config.StringOrDefault("AWS_SESSION_TOKEN", ""),
					Region:          config.StringOrDefault("AWS_REGION", "us-east-1"),
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := orch.RotateCredentials(ctx, creds); err != nil {
					log.Warn().Err(err).Msg("credential rotation failed")
				}
				cancel()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
