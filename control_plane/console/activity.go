package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/domain"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/streaming"
)

// Canceller cancels a job server-side.
type Canceller interface {
	Cancel(ctx context.Context, buildID int64) (bool, error)
}

// ActiveJobLister lists jobs currently held by agents.
type ActiveJobLister interface {
	ListActiveJobs(ctx context.Context) ([]*domain.JobInstance, error)
}

type tracked struct {
	job      domain.JobIdentifier
	timeout  time.Duration
	lastSeen time.Time
}

// ActivityMonitor cancels running jobs that have not written console output
// for longer than their timeout. A timeout of zero never cancels.
type ActivityMonitor struct {
	console        *Store
	jobs           ActiveJobLister
	canceller      Canceller
	interval       time.Duration
	defaultTimeout time.Duration
	now            func() time.Time
	log            *logger.Logger

	mu     sync.Mutex
	active map[int64]*tracked
}

func NewActivityMonitor(
	console *Store,
	jobs ActiveJobLister,
	canceller Canceller,
	interval, defaultTimeout time.Duration,
	log *logger.Logger,
) *ActivityMonitor {
	m := &ActivityMonitor{
		console:        console,
		jobs:           jobs,
		canceller:      canceller,
		interval:       interval,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
		log:            log.WithFields(zap.String("component", "console-monitor")),
		active:         make(map[int64]*tracked),
	}
	console.OnAppend(m.ConsoleUpdated)
	return m
}

// WithClock replaces the time source. Tests only.
func (m *ActivityMonitor) WithClock(now func() time.Time) *ActivityMonitor {
	m.now = now
	return m
}

func (m *ActivityMonitor) timeoutFor(plan domain.JobPlan) time.Duration {
	if plan.TimeoutMinutes != nil {
		return time.Duration(*plan.TimeoutMinutes) * time.Minute
	}
	return m.defaultTimeout
}

// Load starts tracking every job that is already running, as if it had just
// written output. Called once at startup.
func (m *ActivityMonitor) Load(ctx context.Context) error {
	jobs, err := m.jobs.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		m.active[j.BuildID()] = &tracked{job: j.Identifier, timeout: m.timeoutFor(j.Plan), lastSeen: now}
	}
	m.log.Info("console monitor loaded running jobs", zap.Int("jobs", len(jobs)))
	return nil
}

// ConsoleUpdated records output for a tracked job. Output for jobs that are
// not running is ignored.
func (m *ActivityMonitor) ConsoleUpdated(id domain.JobIdentifier) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.active[id.BuildID]; ok {
		t.lastSeen = now
	}
}

// OnJobStatusChanged starts tracking a job when an agent picks it up and stops
// once it is done or ignored.
func (m *ActivityMonitor) OnJobStatusChanged(ctx context.Context, e domain.JobStatusChanged) error {
	job := e.Job
	m.mu.Lock()
	defer m.mu.Unlock()

	if !job.IsActiveOnAgent() {
		delete(m.active, job.BuildID())
		return nil
	}
	if _, ok := m.active[job.BuildID()]; !ok {
		m.active[job.BuildID()] = &tracked{job: job.Identifier, timeout: m.timeoutFor(job.Plan), lastSeen: m.now()}
	}
	return nil
}

// Tracked returns the number of jobs being watched.
func (m *ActivityMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *ActivityMonitor) unresponsive() []*tracked {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var hung []*tracked
	for id, t := range m.active {
		if t.timeout <= 0 || now.Sub(t.lastSeen) <= t.timeout {
			continue
		}
		hung = append(hung, t)
		delete(m.active, id)
	}
	return hung
}

// CancelUnresponsiveJobs runs one check.
func (m *ActivityMonitor) CancelUnresponsiveJobs(ctx context.Context) {
	for _, t := range m.unresponsive() {
		minutes := int(t.timeout / time.Minute)
		line := fmt.Sprintf("forgeci cancelled this job as it has not generated any console output for more than %d minute(s)\n", minutes)
		if err := m.console.Append(ctx, t.job, []byte(line)); err != nil {
			m.log.Warn("failed to write cancellation notice", zap.String("job", t.job.String()), zap.Error(err))
		}

		cancelled, err := m.canceller.Cancel(ctx, t.job.BuildID)
		if err != nil {
			m.log.Error("failed to cancel unresponsive job", zap.String("job", t.job.String()), zap.Error(err))
			continue
		}
		if !cancelled {
			continue
		}
		observability.UnresponsiveJobsCancelled.Inc()
		m.log.Warn("cancelled unresponsive job",
			zap.String("job", t.job.String()),
			zap.Int64("build_id", t.job.BuildID),
			zap.Int("timeout_minutes", minutes),
		)
	}
}

// Run checks every interval until ctx is done.
func (m *ActivityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("starting console activity monitor", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CancelUnresponsiveJobs(ctx)
		}
	}
}

// Register subscribes the monitor on the console topic.
func (m *ActivityMonitor) Register(topic *streaming.Topic, jobs *streaming.Bus[domain.JobStatusChanged]) func() {
	return jobs.Subscribe(topic, "console-monitor", m.OnJobStatusChanged)
}
