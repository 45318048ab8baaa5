// Package scheduler implements the single-writer, deterministic tick
// scheduler from spec §4.7 and the concurrency model in spec §5: tasks are
// ordered by scheduled time, then priority, then a content-derived sort key,
// then sequence number, so two kernels fed the same inputs always process
// them in the same order.
//
// Grounded on the teacher's deterministic scheduler (pkg/kernel/scheduler.go):
// kept its container/heap-based priority queue and four-way tie-break
// (ScheduledAt, Priority, SortKey, SequenceNum) verbatim, retargeting
// SnapshotHash from JSON+sha256 to canonical CBOR hashing and renaming
// SchedulerEvent to Task to match the spec's vocabulary.
package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// Task is one unit of scheduled work: a workflow tick, an effect dispatch, a
// timer firing.
type Task struct {
	TaskID      string
	TaskType    string
	ScheduledAt time.Time
	Priority    int // lower runs first
	SequenceNum uint64
	Payload     map[string]any

	// SortKey breaks ties when ScheduledAt and Priority are equal. Generated
	// deterministically from TaskID/TaskType if left blank.
	SortKey string
}

// ErrClosed is returned by Next once the scheduler has been closed and
// drained.
var ErrClosed = kernelerrors.New(kernelerrors.CodeTimer, "scheduler_closed", "scheduler closed")

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if h[i].SortKey != h[j].SortKey {
		return h[i].SortKey < h[j].SortKey
	}
	return h[i].SequenceNum < h[j].SequenceNum
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Scheduler is a single-writer deterministic task queue.
type Scheduler struct {
	mu      sync.Mutex
	tasks   taskHeap
	nextSeq uint64
	cond    *sync.Cond
	closed  bool
}

// New creates an empty scheduler.
func New() *Scheduler {
	s := &Scheduler{tasks: make(taskHeap, 0), nextSeq: 1}
	s.cond = sync.NewCond(&s.mu)
	heap.Init(&s.tasks)
	return s
}

// Schedule enqueues a task, assigning its sequence number and, if absent, a
// deterministic sort key.
func (s *Scheduler) Schedule(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	t.SequenceNum = s.nextSeq
	s.nextSeq++

	if t.SortKey == "" {
		key, err := canonical.HashValue(map[string]any{
			"task_id":   t.TaskID,
			"task_type": t.TaskType,
		})
		if err != nil {
			return err
		}
		t.SortKey = key.String()
	}

	heap.Push(&s.tasks, t)
	s.cond.Signal()
	return nil
}

// Next blocks until a task is available or the scheduler is closed and
// drained, then pops the earliest task by deterministic order.
func (s *Scheduler) Next(ctx context.Context) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.tasks.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.tasks.Len() == 0 {
		return nil, ErrClosed
	}
	return heap.Pop(&s.tasks).(*Task), nil
}

// Peek returns the next task without removing it, or nil if empty.
func (s *Scheduler) Peek(ctx context.Context) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks.Len() == 0 {
		return nil
	}
	return s.tasks[0]
}

// Len reports the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// SnapshotHash returns a deterministic content hash of the queue's current
// contents, independent of heap internal layout and of insertion order: the
// SequenceNum each Schedule call assigns is left out of the hashed tasks.
func (s *Scheduler) SnapshotHash() (canonical.Hash, error) {
	s.mu.Lock()
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		return taskHeap(tasks).Less(i, j)
	})
	view := make([]Task, len(tasks))
	for i, t := range tasks {
		view[i] = *t
		view[i].SequenceNum = 0
	}
	return canonical.HashValue(view)
}

// Close stops the scheduler; blocked Next calls return ErrClosed once the
// queue drains.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}
