package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
)

// Listener groups. Each one is served by its own Topic.
const (
	TopicDashboard  = "Dashboard"
	TopicJobStatus  = "JobStatus"
	TopicConsole    = "Console"
	TopicCompletion = "Completion"
	TopicScheduling = "Scheduling"
	TopicExport     = "Export"
)

// ErrTopicClosed is returned when work is offered to a stopped topic.
var ErrTopicClosed = errors.New("topic closed")

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Topic is a single-consumer work queue. Producers never block: the queue is
// unbounded. One worker (Run) executes tasks in FIFO order, so everything a
// topic's handlers touch is mutated by one goroutine only.
type Topic struct {
	name string
	log  *logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	closed bool
}

func NewTopic(name string, log *logger.Logger) *Topic {
	t := &Topic{
		name: name,
		log:  log.WithFields(zap.String("component", "topic"), zap.String("topic", name)),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *Topic) Name() string {
	return t.name
}

// Enqueue appends a task. It reports false once the topic has stopped.
func (t *Topic) Enqueue(name string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.log.Warn("dropping task offered to stopped topic", zap.String("task", name))
		return false
	}
	t.queue = append(t.queue, task{name: name, fn: fn})
	depth := len(t.queue)
	t.mu.Unlock()

	t.cond.Signal()
	observability.TopicQueueDepth.WithLabelValues(t.name).Set(float64(depth))
	return true
}

// Len returns the number of tasks waiting.
func (t *Topic) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Run processes tasks until ctx is cancelled, then drains what is already
// queued and returns. Handlers receive a context that is not cancelled by
// shutdown so the drain can finish.
func (t *Topic) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cond.Broadcast()
	})
	defer stop()

	handlerCtx := context.WithoutCancel(ctx)
	t.log.Info("topic worker started")

	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			t.log.Info("topic worker stopped")
			return nil
		}
		next := t.queue[0]
		t.queue[0] = task{}
		t.queue = t.queue[1:]
		depth := len(t.queue)
		t.mu.Unlock()

		observability.TopicQueueDepth.WithLabelValues(t.name).Set(float64(depth))
		t.execute(handlerCtx, next)
	}
}

// execute runs one task. A failing or panicking handler is logged and counted;
// it never stops the worker.
func (t *Topic) execute(ctx context.Context, next task) {
	defer func() {
		if r := recover(); r != nil {
			observability.TopicHandlerFailures.WithLabelValues(t.name).Inc()
			t.log.Error("topic handler panicked",
				zap.String("task", next.name),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := next.fn(ctx); err != nil {
		observability.TopicHandlerFailures.WithLabelValues(t.name).Inc()
		t.log.Error("topic handler failed", zap.String("task", next.name), zap.Error(err))
	}
}

// Flush blocks until every task enqueued before the call has run.
func (t *Topic) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !t.Enqueue("flush", func(context.Context) error {
		close(done)
		return nil
	}) {
		return ErrTopicClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Topics is the set of listener groups of one process.
type Topics struct {
	Dashboard  *Topic
	JobStatus  *Topic
	Console    *Topic
	Completion *Topic
	Scheduling *Topic
	Export     *Topic
}

func NewTopics(log *logger.Logger) *Topics {
	return &Topics{
		Dashboard:  NewTopic(TopicDashboard, log),
		JobStatus:  NewTopic(TopicJobStatus, log),
		Console:    NewTopic(TopicConsole, log),
		Completion: NewTopic(TopicCompletion, log),
		Scheduling: NewTopic(TopicScheduling, log),
		Export:     NewTopic(TopicExport, log),
	}
}

func (ts *Topics) All() []*Topic {
	return []*Topic{ts.Dashboard, ts.JobStatus, ts.Console, ts.Completion, ts.Scheduling, ts.Export}
}

// FlushAll flushes every topic in turn. Handlers on one topic may publish to
// another, so topics earlier in the list are flushed again at the end.
func (ts *Topics) FlushAll(ctx context.Context) error {
	for pass := 0; pass < 2; pass++ {
		for _, t := range ts.All() {
			if err := t.Flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
