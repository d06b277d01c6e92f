// Package sched centralizes periodic work: every background loop in the core
// registers with one Scheduler, which fires tasks from a deadline-ordered
// heap. One timer goroutine replaces scattered per-component tickers and
// makes shutdown a single Stop call.
package sched

import (
	"container/heap"
	"log"
	"math/rand/v2"
	"sync"
	"time"
)

// Task is a periodic job. Jitter, when positive, is added uniformly at
// random to each interval so co-registered tasks spread out.
type Task struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration
	Run      func()
}

type entry struct {
	task   Task
	nextAt time.Time
	index  int
	stop   bool
}

type taskHeap []*entry

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].nextAt.Before(h[j].nextAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *taskHeap) Pop() any           { old := *h; n := len(old); e := old[n-1]; old[n-1] = nil; *h = old[:n-1]; return e }

// Scheduler runs registered tasks at their deadlines.
type Scheduler struct {
	mu      sync.Mutex
	tasks   taskHeap
	entries map[string]*entry
	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
	started bool
}

// NewScheduler creates a Scheduler. now is injectable for tests; nil means
// time.Now.
func NewScheduler(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		now:     now,
	}
}

// Register adds or replaces a task. The first fire is one full (jittered)
// interval away. Safe to call before or after Start.
func (s *Scheduler) Register(t Task) {
	if t.Interval <= 0 {
		t.Interval = time.Second
	}
	s.mu.Lock()
	if old, ok := s.entries[t.Name]; ok {
		old.stop = true
	}
	e := &entry{task: t, nextAt: s.now().Add(s.jittered(t))}
	s.entries[t.Name] = e
	heap.Push(&s.tasks, e)
	s.mu.Unlock()
	s.kick()
}

// Deregister removes a task by name. In-flight runs complete.
func (s *Scheduler) Deregister(name string) {
	s.mu.Lock()
	if e, ok := s.entries[name]; ok {
		e.stop = true
		delete(s.entries, name)
	}
	s.mu.Unlock()
	s.kick()
}

// Start launches the timer loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

// Stop halts the timer loop and waits for the current task to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) jittered(t Task) time.Duration {
	d := t.Interval
	if t.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(t.Jitter)))
	}
	return d
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var run func()
		var name string

		s.mu.Lock()
		for s.tasks.Len() > 0 && s.tasks[0].stop {
			heap.Pop(&s.tasks)
		}
		var wait time.Duration = time.Hour
		if s.tasks.Len() > 0 {
			head := s.tasks[0]
			now := s.now()
			if !head.nextAt.After(now) {
				run = head.task.Run
				name = head.task.Name
				head.nextAt = now.Add(s.jittered(head.task))
				heap.Fix(&s.tasks, 0)
			} else {
				wait = head.nextAt.Sub(now)
			}
		}
		s.mu.Unlock()

		if run != nil {
			runGuarded(name, run)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func runGuarded(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[sched] task %s panicked: %v", name, r)
		}
	}()
	fn()
}
