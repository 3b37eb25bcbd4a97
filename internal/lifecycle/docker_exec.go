package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/workspacecore/workspacecore/internal/types"
)

// Exec and ExecBinary shell out to the `docker exec` CLI under a real PTY
// (os/exec + github.com/creack/pty) to run one-shot batched commands, used
// by the file-sync path when a sandbox has no direct mount.

// Exec runs cmd inside the sandbox under a PTY and waits for it to finish,
// returning combined stdout+stderr and the process exit code.
func (l *DockerLifecycle) Exec(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ptyFile, dockerCmd, err := startDockerExec(execCtx, info.SandboxID, cmd)
	if err != nil {
		return ExecResult{}, err
	}
	defer ptyFile.Close()

	var buf bytes.Buffer
	copyDone := make(chan struct{})
	go func() {
		io.Copy(&buf, ptyFile)
		close(copyDone)
	}()

	waitErr := dockerCmd.Wait()
	select {
	case <-copyDone:
	case <-execCtx.Done():
	}

	return ExecResult{ExitCode: exitCodeOf(waitErr), Output: buf.Bytes()}, nil
}

// ExecBinary is like Exec but hands back the PTY's read side directly
// instead of buffering it, for pulling larger payloads out of the sandbox.
// The exit code is only known once the process exits, so callers must read
// ExitCode() only after Close returns.
func (l *DockerLifecycle) ExecBinary(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (ExecStream, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)

	ptyFile, dockerCmd, err := startDockerExec(execCtx, info.SandboxID, cmd)
	if err != nil {
		cancel()
		return nil, err
	}

	exitCh := make(chan int, 1)
	go func() {
		exitCh <- exitCodeOf(dockerCmd.Wait())
	}()

	return &execBinaryReader{pty: ptyFile, exitCh: exitCh, cancel: cancel}, nil
}

// startDockerExec launches `docker exec <sandboxID> <cmd...>` attached to a
// new PTY via the `docker exec -it` + pty.Start idiom, but without the
// `-it` interactive-tty flag (there is no terminal on the other end, only a
// program reading the fd).
func startDockerExec(ctx context.Context, sandboxID string, cmd []string) (*os.File, *exec.Cmd, error) {
	if len(cmd) == 0 {
		return nil, nil, fmt.Errorf("exec: empty command")
	}
	args := append([]string{"exec", sandboxID}, cmd...)
	dockerCmd := exec.CommandContext(ctx, "docker", args...)

	ptyFile, err := pty.Start(dockerCmd)
	if err != nil {
		return nil, nil, fmt.Errorf("pty start: %w", err)
	}
	return ptyFile, dockerCmd, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// execBinaryReader adapts a PTY file descriptor plus a background Wait into
// an ExecStream: ExitCode is only valid after Close returns.
type execBinaryReader struct {
	pty      *os.File
	exitCh   chan int
	cancel   context.CancelFunc
	exitCode int
}

func (r *execBinaryReader) Read(p []byte) (int, error) { return r.pty.Read(p) }

func (r *execBinaryReader) Close() error {
	err := r.pty.Close()
	r.exitCode = <-r.exitCh
	r.cancel()
	return err
}

func (r *execBinaryReader) ExitCode() int { return r.exitCode }
