package bus

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/message"
)

// Event is one published notification. Events with the same correlation id
// are delivered in submission order.
type Event struct {
	ID            string
	Type          string
	Source        string
	CorrelationID string
	Priority      message.Priority
	Payload       message.Envelope
	PublishedAt   time.Time
}

// EventFilter narrows a subscription beyond its type list. nil accepts all.
type EventFilter func(evt *Event) bool

// EventHandler consumes delivered events. Calls for the same correlation id
// are serialized.
type EventHandler func(evt *Event)

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// DedupWindow overrides the bus-wide duplicate suppression window
	// (number of remembered event ids) when positive.
	DedupWindow int

	// OrderingGuaranteed backs the subscription with one serialized worker:
	// the handler never runs concurrently with itself, regardless of how
	// many dispatch workers fan events out.
	OrderingGuaranteed bool
}

// subscription is one registered event consumer. The seen cache suppresses
// redelivery of recently seen event ids. An ordering-guaranteed subscription
// funnels deliveries through its own channel and worker goroutine.
type subscription struct {
	id           string
	subscriberID string
	types        map[string]struct{}
	filter       EventFilter
	handler      EventHandler
	seen         otter.Cache[string, struct{}]

	ordered   chan *Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(id, subscriberID string, types []string, filter EventFilter, handler EventHandler, dedupWindow int, orderingGuaranteed bool) (*subscription, error) {
	if dedupWindow < 1 {
		dedupWindow = 1
	}
	seen, err := otter.MustBuilder[string, struct{}](dedupWindow).
		Cost(func(string, struct{}) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("%w: dedup cache: %v", comm.ErrValidation, err)
	}
	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	s := &subscription{
		id:           id,
		subscriberID: subscriberID,
		types:        typeSet,
		filter:       filter,
		handler:      handler,
		seen:         seen,
	}
	if orderingGuaranteed {
		s.ordered = make(chan *Event, 64)
		s.done = make(chan struct{})
		go s.run()
	}
	return s, nil
}

// run is the serialized worker of an ordering-guaranteed subscription. On
// close it drains what is already buffered, then exits.
func (s *subscription) run() {
	for {
		select {
		case evt := <-s.ordered:
			s.invoke(evt)
		case <-s.done:
			for {
				select {
				case evt := <-s.ordered:
					s.invoke(evt)
				default:
					return
				}
			}
		}
	}
}

// matches reports whether the subscription wants this event. An empty type
// list subscribes to everything.
func (s *subscription) matches(evt *Event) bool {
	if len(s.types) > 0 {
		if _, ok := s.types[evt.Type]; !ok {
			return false
		}
	}
	if s.filter != nil && !s.filter(evt) {
		return false
	}
	return true
}

// deliver hands the event to the handler unless its id was seen recently.
// Ordering-guaranteed subscriptions route it through their serialized worker
// instead of running the handler on the dispatch worker.
func (s *subscription) deliver(evt *Event) {
	if _, dup := s.seen.Get(evt.ID); dup {
		return
	}
	s.seen.Set(evt.ID, struct{}{})
	if s.ordered == nil {
		s.invoke(evt)
		return
	}
	select {
	case s.ordered <- evt:
	case <-s.done:
	}
}

// invoke runs the handler, containing panics to the one delivery.
func (s *subscription) invoke(evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] subscription %s handler panicked on event %s: %v", s.id, evt.ID, r)
		}
	}()
	s.handler(evt)
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		s.seen.Close()
		if s.done != nil {
			close(s.done)
		}
	})
}

// eventWorker returns the dispatch worker index for an event. Events
// sharing a correlation id map to the same worker, which preserves their
// submission order end to end.
func eventWorker(evt *Event, workers int) int {
	key := evt.CorrelationID
	if key == "" {
		key = evt.ID
	}
	return int(xxh3.HashString(key) % uint64(workers))
}

// dispatchLoop drains one worker's FIFO and fans each event out to the
// matching subscriptions in a stable order.
func (b *Bus) dispatchLoop(ch chan *Event) {
	defer b.evtWG.Done()
	for evt := range ch {
		for _, s := range b.matchingSubscriptions(evt) {
			s.deliver(evt)
		}
	}
}

func (b *Bus) matchingSubscriptions(evt *Event) []*subscription {
	var out []*subscription
	b.subs.Range(func(_ string, s *subscription) bool {
		if s.matches(evt) {
			out = append(out, s)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
