package compute

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/layercache/layercache/pkg/cacheerr"
	"github.com/layercache/layercache/pkg/cacheevent"
	"github.com/layercache/layercache/pkg/provider"
)

// RefreshTask is a pending background revalidation for one key (C8
// internal, spec.md §3.1).
type RefreshTask struct {
	Key           string
	Fetcher       Fetcher
	Options       Options
	NextRefreshAt int64 // unix millis

	index int // heap position, maintained by container/heap
}

// taskHeap orders RefreshTasks by NextRefreshAt, earliest first.
type taskHeap []*RefreshTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].NextRefreshAt < h[j].NextRefreshAt }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any) {
	task := x.(*RefreshTask)
	task.index = len(*h)
	*h = append(*h, task)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Scheduler is the background refresh engine's ticker-driven worker loop.
// A priority heap keyed by NextRefreshAt lets Tick pop exactly the due
// tasks each pass rather than scanning the whole task set, per spec.md
// §9's "priority heap keyed by nextRefreshAt" accepted design.
type Scheduler struct {
	mu       sync.Mutex
	heap     taskHeap
	byKey    map[string]*RefreshTask
	engine   *Engine
	interval time.Duration
	now      Clock
}

// NewScheduler creates a Scheduler bound to engine, ticking at interval.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{
		byKey:    make(map[string]*RefreshTask),
		engine:   engine,
		interval: interval,
		now:      defaultClock,
	}
}

// Ensure registers task if no refresh is already pending for its key,
// returning whether it created a new entry (I5's background-refresh
// counterpart: at most one RefreshTask per key).
func (s *Scheduler) Ensure(task *RefreshTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[task.Key]; exists {
		return false
	}
	s.byKey[task.Key] = task
	heap.Push(&s.heap, task)
	return true
}

// Cancel removes any pending refresh task for key. Returns whether one
// existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byKey[key]
	if !ok {
		return false
	}
	delete(s.byKey, key)
	if task.index >= 0 && task.index < len(s.heap) {
		heap.Remove(&s.heap, task.index)
	}
	return true
}

// Pending reports whether key currently has a scheduled refresh task.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// dueTasks pops every task whose NextRefreshAt has passed.
func (s *Scheduler) dueTasks(now int64) []*RefreshTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*RefreshTask
	for s.heap.Len() > 0 && s.heap[0].NextRefreshAt <= now {
		task := heap.Pop(&s.heap).(*RefreshTask)
		delete(s.byKey, task.Key)
		due = append(due, task)
	}
	return due
}

// reschedule re-queues task at nextAt. dueTasks already removed it from
// byKey/heap before running it, so this always re-registers it; a
// concurrent Cancel racing with an in-flight run is the one case where a
// cancelled task can reappear (spec.md §4.7's cancellation is
// best-effort, not linearizable with an in-progress refresh).
func (s *Scheduler) reschedule(task *RefreshTask, nextAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task.NextRefreshAt = nextAt
	s.byKey[task.Key] = task
	heap.Push(&s.heap, task)
}

// Tick processes every task due at the scheduler's current time. Errors in
// one task never prevent the rest from running (spec.md §9: "errors do not
// halt the scheduler").
func (s *Scheduler) Tick(ctx context.Context) {
	for _, task := range s.dueTasks(s.now()) {
		nextAt := s.engine.runRefresh(ctx, task)
		s.reschedule(task, nextAt)
	}
}

// Run blocks, ticking the scheduler at its configured interval until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// runRefresh executes one refresh attempt for task through the same
// singleflight group GetOrCompute uses, so a concurrent caller blocked on
// the same key observes a single fetcher invocation. It returns the next
// NextRefreshAt the task should be rescheduled at.
func (e *Engine) runRefresh(ctx context.Context, task *RefreshTask) int64 {
	opts := task.Options

	_, err, _ := e.sf.Do(task.Key, func() (any, error) {
		v, computeErr := retryWithBackoff(ctx, opts.MaxRetries, opts.BaseDelay, func() (any, error) {
			return task.Fetcher(ctx)
		})
		if computeErr != nil {
			return nil, computeErr
		}
		if writeErr := e.manager.Write(ctx, task.Key, v, provider.WriteOptions{TTL: opts.TTL, Tags: opts.Tags}); writeErr != nil {
			return nil, writeErr
		}
		e.metaIdx.TouchRefreshed(task.Key)
		return v, nil
	})

	if err != nil {
		wrapped := cacheerr.Normalize(err, "refresh")
		e.emit(cacheevent.Event{Kind: cacheevent.KindRefreshError, Key: task.Key, Err: wrapped})
		return e.now() + opts.BaseDelay.Milliseconds()
	}

	e.emit(cacheevent.Event{Kind: cacheevent.KindRefreshSuccess, Key: task.Key})
	if opts.TTL <= 0 {
		return e.now() + opts.BaseDelay.Milliseconds()
	}
	return e.now() + int64(float64(opts.TTL.Milliseconds())*opts.RefreshThreshold)
}
