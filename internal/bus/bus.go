// Package bus implements the unified message bus: prioritized submission
// queues, the delivery pipeline (score, select, dispatch, retry), event
// pub/sub with duplicate suppression, and the component health registry.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/axismesh/axis/internal/alert"
	"github.com/axismesh/axis/internal/balance"
	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/efficiency"
	"github.com/axismesh/axis/internal/message"
	"github.com/axismesh/axis/internal/pool"
	"github.com/axismesh/axis/internal/protocol"
	"github.com/axismesh/axis/internal/route"
)

// Options wires the bus to its collaborators. Balancer, Alerts, and
// Efficiency are optional; the rest are required.
type Options struct {
	Config   config.BusConfig
	Router   *route.Router
	Selector *protocol.Selector
	Sampler  *protocol.Sampler
	Pools    *pool.Manager

	// Balancer targets destination-less messages: the chosen target's
	// endpoint becomes the destination before routing.
	Balancer *balance.Balancer

	Alerts     *alert.Manager
	Efficiency *efficiency.Monitor
}

// Delivery is the externally visible per-message delivery record.
type Delivery struct {
	DeliveryID  string              `json:"delivery_id"`
	MessageID   string              `json:"message_id"`
	State       route.DeliveryState `json:"state"`
	Attempts    int                 `json:"attempts"`
	Destination string              `json:"destination,omitempty"`
	ProfileID   string              `json:"profile_id,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	SubmittedAt time.Time           `json:"submitted_at"`
	CompletedAt time.Time           `json:"completed_at,omitzero"`
}

// delivery pairs the record with its message and a lock for state changes.
// exclude accumulates failed destinations across attempts; a delivery is
// owned by one pipeline stage at a time, so the set needs no lock of its own.
type delivery struct {
	mu      sync.Mutex
	rec     Delivery
	msg     *message.Message
	exclude map[string]struct{}
}

// dispatchJob carries one scored and selected attempt from the message
// workers to the delivery workers.
type dispatchJob struct {
	d            *delivery
	msg          *message.Message
	dest         string
	profileID    string
	algorithm    string
	balanceReqID string
}

// transition moves the delivery to the next state, logging illegal edges
// instead of silently applying them.
func (d *delivery) transition(to route.DeliveryState) bool {
	next, err := route.Transition(d.rec.State, to)
	if err != nil {
		log.Printf("[bus] delivery %s: %v", d.rec.DeliveryID, err)
		return false
	}
	d.rec.State = next
	return true
}

// Bus is the communication core's front door.
type Bus struct {
	opts Options

	msgQueue      *bandQueue[*message.Message]
	deliveryQueue *bandQueue[*dispatchJob]
	eventQueue    *bandQueue[*Event]

	deliveries *xsync.Map[string, *delivery]
	byMessage  *xsync.Map[string, string]
	subs       *xsync.Map[string, *subscription]

	healthMu   sync.RWMutex
	components map[string]map[string]any

	workerChans []chan *Event
	stopOnce    sync.Once
	wg          sync.WaitGroup
	delWG       sync.WaitGroup
	evtWG       sync.WaitGroup

	now func() time.Time
}

// New creates and starts the bus: message workers, delivery workers, and the
// event pump with its dispatch workers.
func New(opts Options) *Bus {
	workers := opts.Config.Workers
	if workers < 1 {
		workers = 1
	}
	b := &Bus{
		opts:        opts,
		deliveries:  xsync.NewMap[string, *delivery](),
		byMessage:   xsync.NewMap[string, string](),
		subs:        xsync.NewMap[string, *subscription](),
		components:  make(map[string]map[string]any),
		workerChans: make([]chan *Event, workers),
		now:         time.Now,
	}
	b.msgQueue = newBandQueue[*message.Message](
		opts.Config.MessageQueueSize, opts.Config.HighWatermark, opts.Config.OverflowPolicy, b.onMessageEvicted)
	b.deliveryQueue = newBandQueue[*dispatchJob](
		opts.Config.DeliveryQueueSize, opts.Config.HighWatermark, opts.Config.OverflowPolicy, b.onDeliveryEvicted)
	b.eventQueue = newBandQueue[*Event](
		opts.Config.EventQueueSize, opts.Config.HighWatermark, opts.Config.OverflowPolicy, nil)

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.messageLoop()

		b.delWG.Add(1)
		go b.deliveryLoop()

		ch := make(chan *Event, 64)
		b.workerChans[i] = ch
		b.evtWG.Add(1)
		go b.dispatchLoop(ch)
	}
	b.evtWG.Add(1)
	go b.eventPump()
	return b
}

// Send validates and enqueues a message, returning the delivery id the
// caller can poll. Message ids must be unique for the lifetime of the bus;
// a reused id is rejected. Backpressure past the watermark surfaces as
// ErrFull.
func (b *Bus) Send(msg *message.Message) (string, error) {
	now := b.now()
	if msg != nil {
		msg.SubmittedAt = now
		if msg.Deadline.IsZero() && b.opts.Config.DefaultDeadline.Std() > 0 {
			msg.Deadline = now.Add(b.opts.Config.DefaultDeadline.Std())
		}
		if msg.Retry.MaxAttempts == 0 {
			msg.Retry = message.DefaultRetryPolicy()
		}
	}
	if err := msg.Validate(now, b.opts.Config.MaxPayloadBytes); err != nil {
		return "", err
	}

	d := &delivery{
		rec: Delivery{
			DeliveryID:  uuid.NewString(),
			MessageID:   msg.ID,
			State:       route.StateSubmitted,
			SubmittedAt: now,
		},
		msg:     msg,
		exclude: make(map[string]struct{}),
	}
	if _, dup := b.byMessage.LoadOrStore(msg.ID, d.rec.DeliveryID); dup {
		return "", fmt.Errorf("%w: duplicate message id %s", comm.ErrValidation, msg.ID)
	}
	b.deliveries.Store(d.rec.DeliveryID, d)

	if err := b.msgQueue.Push(msg, msg.Priority); err != nil {
		b.fail(d, err)
		return d.rec.DeliveryID, err
	}
	d.mu.Lock()
	d.transition(route.StateQueued)
	d.mu.Unlock()
	return d.rec.DeliveryID, nil
}

// Delivery returns a snapshot of the delivery record.
func (b *Bus) Delivery(deliveryID string) (Delivery, bool) {
	d, ok := b.deliveries.Load(deliveryID)
	if !ok {
		return Delivery{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec, true
}

// DeliveryForMessage returns the delivery record tracking a message id.
func (b *Bus) DeliveryForMessage(messageID string) (Delivery, bool) {
	id, ok := b.byMessage.Load(messageID)
	if !ok {
		return Delivery{}, false
	}
	return b.Delivery(id)
}

// QueueDepths reports the current message, delivery, and event queue depths.
func (b *Bus) QueueDepths() (messages, deliveries, events int) {
	return b.msgQueue.Depth(), b.deliveryQueue.Depth(), b.eventQueue.Depth()
}

// Subscribe registers an event consumer for the given types (empty = all).
// Returns the subscription id.
func (b *Bus) Subscribe(subscriberID string, types []string, filter EventFilter, handler EventHandler, opts SubscribeOptions) (string, error) {
	if subscriberID == "" {
		return "", fmt.Errorf("%w: empty subscriber id", comm.ErrValidation)
	}
	if handler == nil {
		return "", fmt.Errorf("%w: nil handler", comm.ErrValidation)
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = b.opts.Config.DedupWindowSize
	}
	id := uuid.NewString()
	sub, err := newSubscription(id, subscriberID, types, filter, handler, window, opts.OrderingGuaranteed)
	if err != nil {
		return "", err
	}
	b.subs.Store(id, sub)
	return id, nil
}

// Unsubscribe removes a subscription. Unknown ids are not an error.
func (b *Bus) Unsubscribe(subscriptionID string) {
	if sub, ok := b.subs.LoadAndDelete(subscriptionID); ok {
		sub.close()
	}
}

// PublishEvent enqueues an event for fan-out. A zero ID and PublishedAt are
// filled in; the assigned event id is returned.
func (b *Bus) PublishEvent(evt Event) (string, error) {
	if evt.Type == "" || evt.Source == "" {
		return "", fmt.Errorf("%w: event needs type and source", comm.ErrValidation)
	}
	if !evt.Priority.Valid() {
		return "", fmt.Errorf("%w: invalid event priority %d", comm.ErrValidation, int(evt.Priority))
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.PublishedAt.IsZero() {
		evt.PublishedAt = b.now()
	}
	if err := b.eventQueue.Push(&evt, evt.Priority); err != nil {
		return "", err
	}
	return evt.ID, nil
}

// UpdateComponentHealth merges a partial status report into the component's
// entry. A numeric "score" field also feeds the efficiency monitor.
func (b *Bus) UpdateComponentHealth(componentID string, fields map[string]any) {
	if componentID == "" {
		return
	}
	b.healthMu.Lock()
	entry := b.components[componentID]
	if entry == nil {
		entry = make(map[string]any, len(fields)+1)
		b.components[componentID] = entry
	}
	for k, v := range fields {
		entry[k] = v
	}
	entry["updated_at"] = b.now()
	b.healthMu.Unlock()

	if b.opts.Efficiency != nil {
		if score, ok := fields["score"].(float64); ok {
			b.opts.Efficiency.RecordComponentScore(componentID, score)
		}
	}
}

// ComponentHealth returns a copy of the component's merged status.
func (b *Bus) ComponentHealth(componentID string) (map[string]any, bool) {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	entry, ok := b.components[componentID]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	return out, true
}

// Close drains and stops the bus. Queued messages and events are still
// processed; new submissions are rejected.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		b.msgQueue.Close()
		b.wg.Wait()
		b.deliveryQueue.Close()
		b.delWG.Wait()
		b.eventQueue.Close()
		b.evtWG.Wait()
		b.subs.Range(func(id string, sub *subscription) bool {
			sub.close()
			b.subs.Delete(id)
			return true
		})
	})
}

// eventPump moves events from the priority queue to the per-correlation
// worker FIFOs, then closes them on shutdown.
func (b *Bus) eventPump() {
	defer b.evtWG.Done()
	for {
		evt, _, ok := b.eventQueue.Pop()
		if !ok {
			break
		}
		b.workerChans[eventWorker(evt, len(b.workerChans))] <- evt
	}
	for _, ch := range b.workerChans {
		close(ch)
	}
}

// onMessageEvicted marks a delivery failed when the overflow policy drops
// its message from the queue.
func (b *Bus) onMessageEvicted(msg *message.Message) {
	if id, ok := b.byMessage.Load(msg.ID); ok {
		if d, ok := b.deliveries.Load(id); ok {
			b.fail(d, fmt.Errorf("%w: dropped by overflow policy", comm.ErrFull))
		}
	}
	log.Printf("[bus] message %s (%s) dropped under backpressure", msg.ID, msg.Priority)
}

// onDeliveryEvicted marks a delivery failed when the overflow policy drops
// its dispatch job from the delivery queue.
func (b *Bus) onDeliveryEvicted(job *dispatchJob) {
	if job.balanceReqID != "" {
		b.opts.Balancer.ReportCompletion(job.balanceReqID, false, 0, comm.ErrFull)
	}
	b.fail(job.d, fmt.Errorf("%w: dropped by overflow policy", comm.ErrFull))
	log.Printf("[bus] delivery %s (%s) dropped under backpressure", job.d.rec.DeliveryID, job.msg.Priority)
}

func (b *Bus) messageLoop() {
	defer b.wg.Done()
	for {
		msg, _, ok := b.msgQueue.Pop()
		if !ok {
			return
		}
		b.process(msg)
	}
}

// process runs one message through the scoring stage: balance when the
// message is destination-less, route, pick a protocol, and hand the selected
// attempt to the delivery queue. Dispatch failures re-enter here through the
// message queue with the failed destination excluded.
func (b *Bus) process(msg *message.Message) {
	id, ok := b.byMessage.Load(msg.ID)
	if !ok {
		return
	}
	d, ok := b.deliveries.Load(id)
	if !ok {
		return
	}

	maxAttempts := msg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for {
		if !msg.Deadline.IsZero() && !b.now().Before(msg.Deadline) {
			b.timeOut(d)
			return
		}
		d.mu.Lock()
		attempt := d.rec.Attempts + 1
		d.rec.Attempts = attempt
		if !d.transition(route.StateScored) {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		routed := msg
		balanceReqID := ""
		if len(msg.Destinations) == 0 && b.opts.Balancer != nil {
			sel, err := b.opts.Balancer.Select(&balance.Request{
				RequestID:   fmt.Sprintf("%s-%d", d.rec.DeliveryID, attempt),
				MessageType: msg.Type,
				Priority:    msg.Priority,
				Governance:  msg.Governance,
				Exclude:     d.exclude,
			})
			if err != nil {
				if attempt < maxAttempts && comm.Retryable(err) && b.waitRetry(msg, attempt) {
					d.mu.Lock()
					d.transition(route.StateFailed)
					d.mu.Unlock()
					continue
				}
				b.fail(d, err)
				return
			}
			balanceReqID = sel.RequestID
			pinned := *msg
			pinned.Destinations = []string{sel.Target.Endpoint}
			routed = &pinned
		}

		decision, err := b.opts.Router.Route(routed, d.exclude)
		if err != nil {
			if balanceReqID != "" {
				b.opts.Balancer.ReportCompletion(balanceReqID, false, 0, err)
			}
			if attempt < maxAttempts && comm.Retryable(err) && b.waitRetry(msg, attempt) {
				d.mu.Lock()
				d.transition(route.StateFailed)
				d.mu.Unlock()
				continue
			}
			b.fail(d, err)
			return
		}
		dest := decision.Selected.Destination
		profileID, _, _ := b.opts.Selector.Pick(msg, b.opts.Sampler.Current())

		d.mu.Lock()
		d.rec.Destination = dest
		d.rec.ProfileID = profileID
		ok := d.transition(route.StateSelected)
		d.mu.Unlock()
		if !ok {
			return
		}

		job := &dispatchJob{
			d:            d,
			msg:          msg,
			dest:         dest,
			profileID:    profileID,
			algorithm:    decision.Algorithm,
			balanceReqID: balanceReqID,
		}
		if err := b.deliveryQueue.Push(job, msg.Priority); err != nil {
			if balanceReqID != "" {
				b.opts.Balancer.ReportCompletion(balanceReqID, false, 0, err)
			}
			b.fail(d, err)
		}
		return
	}
}

func (b *Bus) deliveryLoop() {
	defer b.delWG.Done()
	for {
		job, _, ok := b.deliveryQueue.Pop()
		if !ok {
			return
		}
		b.deliver(job)
	}
}

// deliver runs one dispatch attempt and routes the outcome: ack, retry
// through the message queue, or terminal failure.
func (b *Bus) deliver(job *dispatchJob) {
	d, msg := job.d, job.msg
	if !msg.Deadline.IsZero() && !b.now().Before(msg.Deadline) {
		if job.balanceReqID != "" {
			b.opts.Balancer.ReportCompletion(job.balanceReqID, false, 0, comm.ErrDeadlineExceeded)
		}
		b.timeOut(d)
		return
	}

	d.mu.Lock()
	ok := d.transition(route.StateDispatched)
	d.mu.Unlock()
	if !ok {
		return
	}

	start := b.now()
	err := b.dispatch(msg, job.dest, job.profileID)
	latency := b.now().Sub(start)

	b.opts.Selector.Record(job.profileID, msg.Type, err == nil, latency)
	b.opts.Router.ReportOutcome(msg.Type, job.algorithm, err == nil, latency)
	if job.balanceReqID != "" {
		b.opts.Balancer.ReportCompletion(job.balanceReqID, err == nil, latency, err)
	}
	if b.opts.Efficiency != nil {
		b.opts.Efficiency.RecordRequest(latency, err == nil)
	}

	if err == nil {
		d.mu.Lock()
		d.transition(route.StateAcked)
		d.rec.CompletedAt = b.now()
		d.rec.LastError = ""
		d.mu.Unlock()
		return
	}

	d.exclude[job.dest] = struct{}{}
	d.mu.Lock()
	attempt := d.rec.Attempts
	d.rec.LastError = err.Error()
	d.transition(route.StateFailed)
	d.mu.Unlock()

	maxAttempts := msg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt < maxAttempts && comm.Retryable(err) && b.waitRetry(msg, attempt) {
		if pushErr := b.msgQueue.Push(msg, msg.Priority); pushErr == nil {
			return
		}
	}
	b.fail(d, err)
}

// dispatch writes one wire frame to the destination over a leased
// connection, through the endpoint's circuit breaker.
func (b *Bus) dispatch(msg *message.Message, dest, profileID string) error {
	remaining := time.Duration(0)
	ctx := context.Background()
	if !msg.Deadline.IsZero() {
		remaining = msg.Deadline.Sub(b.now())
		if remaining <= 0 {
			return fmt.Errorf("%w: deadline reached before dispatch", comm.ErrDeadlineExceeded)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, msg.Deadline)
		defer cancel()
	}

	lease, err := b.opts.Pools.Acquire(ctx, profileID, dest, pool.AcquireRequest{
		RequesterID:  msg.Source,
		Priority:     msg.Priority,
		Timeout:      remaining,
		Requirements: requirementsFor(msg),
	})
	if err != nil {
		return fmt.Errorf("acquire %s via %s: %w", dest, profileID, err)
	}

	frame, err := json.Marshal(wireFrame{
		ID:            msg.ID,
		Type:          msg.Type,
		Source:        msg.Source,
		CorrelationID: msg.CorrelationID,
		Priority:      msg.Priority.String(),
		Payload:       msg.Payload,
	})
	if err != nil {
		b.opts.Pools.Release(lease, &pool.Usage{Errors: 1})
		return fmt.Errorf("%w: encode frame: %v", comm.ErrValidation, err)
	}

	start := b.now()
	err = b.opts.Pools.Do(dest, func() error {
		return lease.Conn().Transport().Write(ctx, frame)
	})
	usage := &pool.Usage{
		ResponseTime: b.now().Sub(start),
		BytesSent:    int64(len(frame)),
	}
	if err != nil {
		usage.Errors = 1
	}
	b.opts.Pools.Release(lease, usage)
	if err != nil {
		return fmt.Errorf("%w: write to %s: %v", comm.ErrTransport, dest, err)
	}
	return nil
}

// wireFrame is the JSON frame written to transports.
type wireFrame struct {
	ID            string           `json:"id"`
	Type          string           `json:"type"`
	Source        string           `json:"source"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Priority      string           `json:"priority"`
	Payload       message.Envelope `json:"payload"`
}

// requirementsFor maps message hints and governance onto connection
// requirements for the pool.
func requirementsFor(msg *message.Message) pool.Requirements {
	req := pool.Requirements{
		Encryption: msg.Hints["encryption_required"] == "true",
	}
	if msg.Governance != nil {
		req.AuditRequired = msg.Governance.AuditRequired
		if msg.Governance.TrustScoreMinimum != nil {
			req.MinTrust = *msg.Governance.TrustScoreMinimum
		}
	}
	return req
}

// retryDelay returns the backoff before the given attempt with the policy's
// jitter applied: up to Jitter*delay of random slack spreads out retry storms.
func retryDelay(p message.RetryPolicy, attempt int) time.Duration {
	d := p.Delay(attempt)
	if d <= 0 || p.Jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*p.Jitter*float64(d))
}

// waitRetry sleeps the backoff before the next attempt, bounded by the
// message deadline. Returns false when the deadline would be crossed.
func (b *Bus) waitRetry(msg *message.Message, attempt int) bool {
	delay := retryDelay(msg.Retry, attempt+1)
	if delay <= 0 {
		return true
	}
	if !msg.Deadline.IsZero() && b.now().Add(delay).After(msg.Deadline) {
		return false
	}
	time.Sleep(delay)
	return true
}

// fail marks the delivery terminally failed and raises an operator alert for
// undeliverable critical traffic.
func (b *Bus) fail(d *delivery, cause error) {
	d.mu.Lock()
	if d.rec.State == route.StateFailed || !d.transition(route.StateFailed) {
		d.rec.State = route.StateFailed
	}
	d.rec.LastError = cause.Error()
	d.rec.CompletedAt = b.now()
	msg := d.msg
	d.mu.Unlock()

	if msg.Priority == message.PriorityCritical && b.opts.Alerts != nil {
		b.opts.Alerts.Create(alert.CreateRequest{
			AgentID:  msg.Source,
			Type:     "delivery_failure",
			Metric:   msg.Type,
			Severity: alert.SeverityCritical,
			Message:  fmt.Sprintf("critical message %s undeliverable: %v", msg.ID, cause),
		})
	}
	log.Printf("[bus] delivery %s failed: %v", d.rec.DeliveryID, cause)
}

// timeOut marks the delivery timed out.
func (b *Bus) timeOut(d *delivery) {
	d.mu.Lock()
	d.transition(route.StateTimedOut)
	d.rec.LastError = comm.ErrDeadlineExceeded.Error()
	d.rec.CompletedAt = b.now()
	d.mu.Unlock()
}
