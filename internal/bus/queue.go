package bus

import (
	"fmt"
	"sync"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/message"
)

// bandQueue is a bounded FIFO split into the five priority bands. Past the
// high watermark the overflow policy decides what gives; a critical entry is
// never the one dropped.
type bandQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	bands     [message.NumPriorities][]T
	size      int
	capacity  int
	watermark int
	policy    config.OverflowPolicy
	closed    bool

	// onEvict observes entries removed by the overflow policy. Called
	// outside the queue lock.
	onEvict func(T)
}

func newBandQueue[T any](capacity int, highWater float64, policy config.OverflowPolicy, onEvict func(T)) *bandQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	watermark := int(highWater * float64(capacity))
	if watermark < 1 || watermark > capacity {
		watermark = capacity
	}
	q := &bandQueue[T]{
		capacity:  capacity,
		watermark: watermark,
		policy:    policy,
		onEvict:   onEvict,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues v in its band. At the watermark the overflow policy applies;
// critical entries are admitted up to hard capacity and may displace a
// lower-priority entry.
func (q *bandQueue[T]) Push(v T, pri message.Priority) error {
	var evicted []T
	defer func() {
		for _, e := range evicted {
			if q.onEvict != nil {
				q.onEvict(e)
			}
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: queue closed", comm.ErrCancelled)
	}

	admit := q.size < q.watermark
	if !admit && pri == message.PriorityCritical && q.size < q.capacity {
		admit = true
	}
	if !admit {
		switch q.policy {
		case config.OverflowDropOldest:
			if e, ok := q.evictOldestLocked(); ok {
				evicted = append(evicted, e)
				admit = true
			}
		case config.OverflowDropLowestPriority:
			if e, ok := q.evictNewestBelowLocked(pri); ok {
				evicted = append(evicted, e)
				admit = true
			}
		}
		// Critical at hard capacity still displaces something expendable.
		if !admit && pri == message.PriorityCritical {
			if e, ok := q.evictOldestLocked(); ok {
				evicted = append(evicted, e)
				admit = true
			}
		}
	}
	if !admit || q.size >= q.capacity {
		return fmt.Errorf("%w: %d/%d entries", comm.ErrFull, q.size, q.capacity)
	}

	q.bands[pri] = append(q.bands[pri], v)
	q.size++
	q.notEmpty.Signal()
	return nil
}

// evictOldestLocked drops the oldest entry of the most expendable non-empty
// band. Critical entries are never evicted.
func (q *bandQueue[T]) evictOldestLocked() (T, bool) {
	for pri := message.NumPriorities - 1; pri > int(message.PriorityCritical); pri-- {
		band := q.bands[pri]
		if len(band) == 0 {
			continue
		}
		e := band[0]
		q.bands[pri] = band[1:]
		q.size--
		return e, true
	}
	var zero T
	return zero, false
}

// evictNewestBelowLocked drops the newest entry of the lowest-priority band,
// but only if that band is less urgent than the incoming priority. Otherwise
// the incoming entry is itself the lowest and is rejected instead.
func (q *bandQueue[T]) evictNewestBelowLocked(incoming message.Priority) (T, bool) {
	for pri := message.NumPriorities - 1; pri > int(incoming); pri-- {
		band := q.bands[pri]
		if len(band) == 0 {
			continue
		}
		e := band[len(band)-1]
		q.bands[pri] = band[:len(band)-1]
		q.size--
		return e, true
	}
	var zero T
	return zero, false
}

// Pop blocks until an entry is available, returning the most urgent one.
// Returns ok=false once the queue is closed and drained.
func (q *bandQueue[T]) Pop() (T, message.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for pri := 0; pri < message.NumPriorities; pri++ {
			band := q.bands[pri]
			if len(band) == 0 {
				continue
			}
			v := band[0]
			q.bands[pri] = band[1:]
			q.size--
			return v, message.Priority(pri), true
		}
		if q.closed {
			var zero T
			return zero, 0, false
		}
		q.notEmpty.Wait()
	}
}

// Close wakes all blocked consumers. Remaining entries drain normally.
func (q *bandQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// Depth returns the current number of queued entries.
func (q *bandQueue[T]) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
