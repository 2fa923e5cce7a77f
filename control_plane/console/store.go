// Package console stores job console output, moves it next to the job's
// artifacts once the job completes, and cancels jobs that stop producing
// output.
package console

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
)

// LogFile is the name of a relocated console log inside a job's artifact dir.
const LogFile = "console.log"

// Store appends console output to one file per job.
type Store struct {
	dir string
	log *logger.Logger

	// Appends to the same job are serialized; different jobs write in parallel.
	locks sync.Map // buildID -> *sync.Mutex

	mu        sync.RWMutex
	listeners []func(domain.JobIdentifier)
}

func NewStore(dir string, log *logger.Logger) *Store {
	return &Store{
		dir: dir,
		log: log.WithFields(zap.String("component", "console-store")),
	}
}

// OnAppend registers fn to be called after every successful append.
func (s *Store) OnAppend(fn func(domain.JobIdentifier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// jobPath is <pipeline>/<counter>/<stage>/<counter>/<job>, the layout shared
// by the console dir and the artifacts dir.
func jobPath(id domain.JobIdentifier) string {
	return filepath.Join(
		filepath.Base(id.PipelineName),
		strconv.Itoa(id.PipelineCounter),
		filepath.Base(id.StageName),
		strconv.Itoa(id.StageCounter),
		filepath.Base(id.JobName),
	)
}

// PathFor returns the console file of a running job.
func (s *Store) PathFor(id domain.JobIdentifier) string {
	return filepath.Join(s.dir, jobPath(id)+".log")
}

func (s *Store) lockFor(buildID int64) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(buildID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append writes data at the end of the job's console log.
func (s *Store) Append(ctx context.Context, id domain.JobIdentifier, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := s.lockFor(id.BuildID)
	mu.Lock()
	err := s.appendLocked(id, data)
	mu.Unlock()
	if err != nil {
		return err
	}

	observability.ConsoleBytesWritten.Add(float64(len(data)))

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
	return nil
}

func (s *Store) appendLocked(id domain.JobIdentifier, data []byte) error {
	path := s.PathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create console dir for %s: %w", id, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open console for %s: %w", id, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append console for %s: %w", id, err)
	}
	return f.Close()
}

// Forget drops the per-job lock of a job that will not be written again.
func (s *Store) Forget(buildID int64) {
	s.locks.Delete(buildID)
}
