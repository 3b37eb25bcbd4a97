package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/workspacecore/workspacecore/internal/types"
)

// Exec runs a one-shot command inside the sandbox's agent container via
// client-go's remotecommand (WebSocket with SPDY fallback, the same
// transport kubectl exec uses), waits for completion, and returns combined
// output and exit code.
func (l *K8sLifecycle) Exec(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	podName, err := l.resolvePodName(execCtx, info.SandboxID)
	if err != nil {
		return ExecResult{}, err
	}

	executor, err := l.newExecutor(podName, cmd, false)
	if err != nil {
		return ExecResult{}, fmt.Errorf("build executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(execCtx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	exitCode := 0
	if err != nil {
		if codeErr, ok := err.(interface{ ExitStatus() int }); ok {
			exitCode = codeErr.ExitStatus()
		} else {
			return ExecResult{}, fmt.Errorf("exec stream: %w", err)
		}
	}
	combined := append(stdout.Bytes(), stderr.Bytes()...)
	return ExecResult{ExitCode: exitCode, Output: combined}, nil
}

// ExecBinary is like Exec but streams stdout to the caller as it arrives,
// for pulling larger files out of the sandbox during file sync. The
// returned stream's ExitCode is only valid after Close returns.
func (l *K8sLifecycle) ExecBinary(ctx context.Context, info types.SandboxInfo, cmd []string, timeout time.Duration) (ExecStream, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)

	podName, err := l.resolvePodName(execCtx, info.SandboxID)
	if err != nil {
		cancel()
		return nil, err
	}
	executor, err := l.newExecutor(podName, cmd, false)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build executor: %w", err)
	}

	pr, pw := io.Pipe()
	exitCh := make(chan int, 1)
	go func() {
		defer cancel()
		err := executor.StreamWithContext(execCtx, remotecommand.StreamOptions{Stdout: pw})
		code := 0
		if codeErr, ok := err.(interface{ ExitStatus() int }); ok {
			code = codeErr.ExitStatus()
			err = nil
		}
		exitCh <- code
		pw.CloseWithError(err)
	}()

	return &k8sExecBinaryReader{PipeReader: pr, exitCh: exitCh}, nil
}

type k8sExecBinaryReader struct {
	*io.PipeReader
	exitCh   chan int
	exitCode int
}

func (r *k8sExecBinaryReader) Close() error {
	err := r.PipeReader.Close()
	r.exitCode = <-r.exitCh
	return err
}

func (r *k8sExecBinaryReader) ExitCode() int { return r.exitCode }

func (l *K8sLifecycle) newExecutor(podName string, cmd []string, tty bool) (remotecommand.Executor, error) {
	req := l.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(l.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: k8sAgentContainer,
			Command:   cmd,
			Stdout:    true,
			Stderr:    true,
			TTY:       tty,
		}, scheme.ParameterCodec)

	wsExec, err := remotecommand.NewWebSocketExecutor(l.restCfg, http.MethodPost, req.URL().String())
	if err != nil {
		return nil, err
	}
	spdyExec, err := remotecommand.NewSPDYExecutor(l.restCfg, http.MethodPost, req.URL())
	if err != nil {
		return nil, err
	}
	return remotecommand.NewFallbackExecutor(wsExec, spdyExec, func(error) bool { return true })
}
