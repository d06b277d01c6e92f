package pool

import (
	"container/heap"
	"time"

	"github.com/axismesh/axis/internal/message"
)

// Lease is a bounded-lifetime grant of exclusive use of one connection. The
// connection returns to idle only via Release; expired leases are reclaimed
// by the sweeper and the connection is marked failed.
type Lease struct {
	LeaseID      string
	ConnectionID string
	PoolID       string
	RequesterID  string
	IssuedAt     time.Time
	ExpiresAt    time.Time

	conn *Conn
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Conn {
	return l.conn
}

// Usage reports what happened during a lease, folded into the connection's
// EMA metrics at release.
type Usage struct {
	ResponseTime time.Duration
	Errors       int
	BytesSent    int64
	BytesRecv    int64
}

// waiter is one blocked Acquire call. Grants are handed over the ch; a
// closed-over timeout abandons the waiter by marking it done.
type waiter struct {
	priority message.Priority
	seq      uint64 // FIFO order within a band
	req      Requirements
	ch       chan *Lease
	done     chan struct{} // closed by the waiter on timeout/cancel
	index    int
}

// waiterQueue is a priority-then-FIFO heap of blocked acquirers.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

func (q *waiterQueue) remove(w *waiter) {
	if w.index >= 0 && w.index < len(*q) && (*q)[w.index] == w {
		heap.Remove(q, w.index)
	}
}
