package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/idempotency"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

// Relocator moves a job's console log into its artifact directory when the
// job completes. The move is claimed through the Guard so it happens once per
// job, even across server replicas sharing Redis.
type Relocator struct {
	store        *Store
	artifactsDir string
	guard        idempotency.Guard
	log          *logger.Logger
}

func NewRelocator(store *Store, artifactsDir string, guard idempotency.Guard, log *logger.Logger) *Relocator {
	return &Relocator{
		store:        store,
		artifactsDir: artifactsDir,
		guard:        guard,
		log:          log.WithFields(zap.String("component", "console-relocator")),
	}
}

// ArtifactPath returns where the console log of a completed job lives.
func (r *Relocator) ArtifactPath(id domain.JobIdentifier) string {
	return filepath.Join(r.artifactsDir, jobPath(id), LogFile)
}

// OnJobStatusChanged relocates on the transition into Completed.
func (r *Relocator) OnJobStatusChanged(ctx context.Context, e domain.JobStatusChanged) error {
	if !e.BecameCompleted() {
		return nil
	}
	id := e.Job.Identifier

	claimed, err := r.guard.Claim(ctx, idempotency.Key("completion", id.BuildID))
	if err != nil {
		observability.ConsoleRelocations.WithLabelValues("failed").Inc()
		return fmt.Errorf("claim completion of build %d: %w", id.BuildID, err)
	}
	if !claimed {
		observability.ConsoleRelocations.WithLabelValues("skipped").Inc()
		r.log.Debug("completion already handled", zap.Int64("build_id", id.BuildID))
		return nil
	}

	mu := r.store.lockFor(id.BuildID)
	mu.Lock()
	err = r.move(r.store.PathFor(id), r.ArtifactPath(id))
	mu.Unlock()

	switch {
	case errors.Is(err, fs.ErrNotExist):
		// The job never wrote any output.
		observability.ConsoleRelocations.WithLabelValues("skipped").Inc()
		return nil
	case err != nil:
		observability.ConsoleRelocations.WithLabelValues("failed").Inc()
		// Give the claim back so a redelivered completion can retry the move.
		if rerr := r.guard.Release(ctx, idempotency.Key("completion", id.BuildID)); rerr != nil {
			r.log.Warn("failed to release completion claim", zap.Int64("build_id", id.BuildID), zap.Error(rerr))
		}
		return fmt.Errorf("relocate console of %s: %w", id, err)
	}

	r.store.Forget(id.BuildID)
	observability.ConsoleRelocations.WithLabelValues("moved").Inc()
	r.log.Info("console relocated",
		zap.String("job", id.String()),
		zap.Int64("build_id", id.BuildID),
	)
	return nil
}

func (r *Relocator) move(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if errors.Is(err, syscall.EXDEV) {
		return copyAndRemove(src, dst)
	}
	return err
}

func copyAndRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Register subscribes the relocator on the completion topic.
func (r *Relocator) Register(topic *streaming.Topic, jobs *streaming.Bus[domain.JobStatusChanged]) func() {
	return jobs.Subscribe(topic, "console-relocator", r.OnJobStatusChanged)
}
