package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// JobQueue implements heap.Interface and holds QueuedJobs.
type JobQueue []*QueuedJob

func (pq JobQueue) Len() int { return len(pq) }

func (pq JobQueue) Less(i, j int) bool {
	// Anti-starvation: EffectivePriority = BasePriority - (WaitTime / AgingFactor).
	// Pop gives the lowest effective priority value (highest urgency).
	now := time.Now()
	// Every 10 seconds of waiting reduces the priority value by 1.
	const agingFactorSeconds = 10.0

	effPriI := float64(pq[i].Priority) - (now.Sub(pq[i].SubmitTime).Seconds() / agingFactorSeconds)
	effPriJ := float64(pq[j].Priority) - (now.Sub(pq[j].SubmitTime).Seconds() / agingFactorSeconds)

	// Roughly equal: first scheduled wins.
	if int(effPriI) == int(effPriJ) {
		return pq[i].BuildID() < pq[j].BuildID()
	}
	return effPriI < effPriJ
}

func (pq JobQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *JobQueue) Push(x interface{}) {
	item := x.(*QueuedJob)
	*pq = append(*pq, item)
}

func (pq *JobQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*pq = old[0 : n-1]
	return item
}

// ThreadSafeQueue wraps JobQueue with a mutex for safe concurrent access.
// A build ID is queued at most once.
type ThreadSafeQueue struct {
	pq     JobQueue
	queued map[int64]bool
	mu     sync.Mutex
}

func NewThreadSafeQueue() *ThreadSafeQueue {
	return &ThreadSafeQueue{
		pq:     make(JobQueue, 0),
		queued: make(map[int64]bool),
	}
}

// Push reports false if the job is already queued.
func (q *ThreadSafeQueue) Push(job *QueuedJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[job.BuildID()] {
		return false
	}
	q.queued[job.BuildID()] = true
	heap.Push(&q.pq, job)
	return true
}

func (q *ThreadSafeQueue) Pop() *QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return nil
	}
	job := heap.Pop(&q.pq).(*QueuedJob)
	delete(q.queued, job.BuildID())
	return job
}

// Take removes and returns the most urgent job accepted by match, or nil.
func (q *ThreadSafeQueue) Take(match func(*QueuedJob) bool) *QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*QueuedJob
	var found *QueuedJob
	for len(q.pq) > 0 {
		job := heap.Pop(&q.pq).(*QueuedJob)
		if match(job) {
			found = job
			delete(q.queued, job.BuildID())
			break
		}
		skipped = append(skipped, job)
	}
	for _, job := range skipped {
		heap.Push(&q.pq, job)
	}
	return found
}

func (q *ThreadSafeQueue) Peek() *QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return nil
	}
	return q.pq[0]
}

func (q *ThreadSafeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// Reset empties the queue.
func (q *ThreadSafeQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pq = make(JobQueue, 0)
	q.queued = make(map[int64]bool)
}
