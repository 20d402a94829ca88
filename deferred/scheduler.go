// Package deferred implements a min-heap unregister scheduler: a single
// background worker driven by a min-heap of (deadline, url) entries, so
// that scheduling ten thousand upstream expirations doesn't spawn ten
// thousand goroutines each parked in time.Sleep.
package deferred

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a unit of deferred work: call Run no earlier than At.
type Task struct {
	At  time.Time
	Run func()
	// key identifies the task for cancellation (e.g. a cache URL); the
	// most recently scheduled task for a given key wins, and an explicit
	// Cancel drops any task still pending for it.
	key string
}

type item struct {
	task  Task
	index int
}

type taskHeap []*item

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].task.At.Before(h[j].task.At) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler runs at most one pending Task at a time, always the soonest.
type Scheduler struct {
	mu      sync.Mutex
	h       taskHeap
	byKey   map[string]*item
	wake    chan struct{}
	stopped chan struct{}
}

// New starts a scheduler's background worker.
func New() *Scheduler {
	s := &Scheduler{
		byKey:   make(map[string]*item),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	heap.Init(&s.h)
	go s.run()
	return s
}

// Schedule queues task, replacing any still-pending task previously
// scheduled under the same key.
func (s *Scheduler) Schedule(key string, at time.Time, run func()) {
	s.mu.Lock()
	if old, ok := s.byKey[key]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.byKey, key)
	}
	it := &item{task: Task{At: at, Run: run, key: key}}
	heap.Push(&s.h, it)
	s.byKey[key] = it
	s.mu.Unlock()
	s.nudge()
}

// Cancel drops a pending task for key, if one exists.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.byKey[key]; ok {
		heap.Remove(&s.h, it.index)
		delete(s.byKey, key)
	}
}

// Close stops the background worker. Pending tasks are dropped.
func (s *Scheduler) Close() {
	close(s.stopped)
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		d, ok := s.nextDelay()
		if !ok {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(d)
		}
		select {
		case <-s.stopped:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.runDue()
		}
	}
}

func (s *Scheduler) nextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return 0, false
	}
	d := time.Until(s.h[0].task.At)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Scheduler) runDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.h.Len() == 0 || s.h[0].task.At.After(now) {
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.h).(*item)
		delete(s.byKey, it.task.key)
		s.mu.Unlock()
		it.task.Run()
	}
}
