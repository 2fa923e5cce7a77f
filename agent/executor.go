package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
)

const reportTimeout = 30 * time.Second

// build runs one job and reports Building, Completing and Completed. The
// job is killed when the server marks it ignored or sends Cancel.
func (a *Agent) build(ctx context.Context, job domain.JobIdentifier, plan domain.JobPlan) domain.JobResult {
	log := a.log.WithFields(zap.String("job", job.String()), zap.Int64("build_id", job.BuildID))
	log.Info("build started", zap.String("command", plan.Command))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cancelled atomic.Bool
	a.startBuilding(job, func() {
		cancelled.Store(true)
		cancel()
	})
	defer a.stopBuilding()

	if err := a.remote.ReportCurrentStatus(jobCtx, a.runtimeInfo(), job, domain.JobBuilding); err != nil {
		log.Warn("failed to report building", zap.Error(err))
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if a.watchIgnored(jobCtx, job, log) {
			cancelled.Store(true)
			cancel()
		}
	}()

	console := newConsoleStream(a.remote, job.BuildID, a.cfg.ConsoleFlush, log)
	runErr := runCommand(jobCtx, a.cfg.WorkDir, plan, console, a.cfg.KillGrace)

	result := domain.ResultPassed
	switch {
	case cancelled.Load() || ctx.Err() != nil:
		result = domain.ResultCancelled
		fmt.Fprintln(console, "[forgeci] job cancelled")
	case runErr != nil:
		result = domain.ResultFailed
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			fmt.Fprintf(console, "[forgeci] command exited with code %d\n", exitErr.ExitCode())
		} else {
			fmt.Fprintf(console, "[forgeci] command failed: %v\n", runErr)
		}
	}
	cancel()
	<-watchDone

	// Final reports outlive a shutdown so the server does not wait for a
	// hang timeout.
	reportCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer stop()

	if err := console.Close(reportCtx); err != nil {
		log.Warn("failed to upload console output", zap.Error(err))
	}
	if err := a.remote.ReportCompleting(reportCtx, a.runtimeInfo(), job, result); err != nil {
		log.Warn("failed to report completing", zap.Error(err))
	}
	if err := a.remote.ReportCompleted(reportCtx, a.runtimeInfo(), job, result); err != nil {
		log.Error("failed to report completed", zap.Error(err))
	}

	log.Info("build finished", zap.String("result", string(result)))
	return result
}

// watchIgnored polls isIgnored until the job ends. It returns true when the
// server says the job was cancelled or rescheduled.
func (a *Agent) watchIgnored(ctx context.Context, job domain.JobIdentifier, log *logger.Logger) bool {
	ticker := time.NewTicker(a.cfg.IgnoredPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		ignored, err := a.remote.IsIgnored(ctx, job)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("isIgnored failed", zap.Error(err))
			}
			continue
		}
		if ignored {
			log.Info("job ignored by server, killing it")
			return true
		}
	}
}

// runCommand runs plan.Command through sh -c with plan.Args as positional
// parameters. The command gets its own process group so cancellation also
// kills anything it spawned.
func runCommand(ctx context.Context, dir string, plan domain.JobPlan, out io.Writer, grace time.Duration) error {
	if plan.Command == "" {
		return errors.New("empty command")
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
	}

	args := append([]string{"-c", plan.Command + ` "$@"`, "forgeci"}, plan.Args...)
	cmd := exec.CommandContext(ctx, "sh", args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = grace

	return cmd.Run()
}

// consoleStream buffers command output and uploads it in chunks.
type consoleStream struct {
	remote  Remote
	buildID int64
	log     *logger.Logger

	mu  sync.Mutex
	buf bytes.Buffer

	stop chan struct{}
	done chan struct{}
}

func newConsoleStream(remote Remote, buildID int64, interval time.Duration, log *logger.Logger) *consoleStream {
	s := &consoleStream{
		remote:  remote,
		buildID: buildID,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run(interval)
	return s
}

func (s *consoleStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *consoleStream) run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
			if err := s.flush(ctx); err != nil {
				s.log.Warn("console upload failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// flush sends whatever is buffered. A failed chunk is put back in front of
// newer output.
func (s *consoleStream) flush(ctx context.Context) error {
	s.mu.Lock()
	chunk := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	s.mu.Unlock()

	if len(chunk) == 0 {
		return nil
	}
	if err := s.remote.AppendConsole(ctx, s.buildID, chunk); err != nil {
		s.mu.Lock()
		rest := bytes.Clone(s.buf.Bytes())
		s.buf.Reset()
		s.buf.Write(chunk)
		s.buf.Write(rest)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the periodic upload and sends the remainder.
func (s *consoleStream) Close(ctx context.Context) error {
	close(s.stop)
	<-s.done
	return s.flush(ctx)
}
