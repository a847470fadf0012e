package watch

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// DefaultPublisherQueueSize bounds the notification queue when no size is
// configured.
const DefaultPublisherQueueSize = 256

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Root is stamped on resync directives the publisher issues.
	Root string

	// QueueSize bounds the notification queue.
	// Defaults to DefaultPublisherQueueSize.
	QueueSize int

	// Logger receives publisher diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills in zero-value configuration fields.
func (c *PublisherConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultPublisherQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PublisherStats is a snapshot of publisher counters.
type PublisherStats struct {
	// BatchesDelivered counts batches handed to subscribers.
	BatchesDelivered uint64

	// ResyncsDelivered counts resync directives handed to subscribers.
	ResyncsDelivered uint64

	// BatchesDropped counts batches discarded to queue saturation or a
	// superseding resync.
	BatchesDropped uint64
}

// =============================================================================
// Publisher
// =============================================================================

// subscriber pairs a registration id with its callback.
type subscriber struct {
	id uint64
	fn func(Notification)
}

// Publisher fans notifications out to subscribers in publish order. A single
// dispatch goroutine invokes every subscriber inline, which makes delivery
// strictly sequential: no subscriber ever observes two notifications
// concurrently or out of order.
//
// Resync directives are carried on a coalescing priority slot rather than
// the queue. Servicing one first discards every queued batch, since a full
// reload supersedes any incremental state published before it. Batches that
// cannot be enqueued are likewise converted into a resync, so saturation
// degrades to a reload instead of silent loss.
type Publisher struct {
	cfg PublisherConfig

	queue  chan Notification
	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	pendingResync atomic.Pointer[ResyncDirective]

	mu          sync.RWMutex
	subscribers []subscriber
	nextSubID   uint64

	delivered atomic.Uint64
	resyncs   atomic.Uint64
	dropped   atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewPublisher creates a publisher and starts its dispatch loop.
func NewPublisher(cfg PublisherConfig) *Publisher {
	cfg.applyDefaults()

	p := &Publisher{
		cfg:    cfg,
		queue:  make(chan Notification, cfg.QueueSize),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go p.dispatchLoop()

	return p
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe registers a callback for every notification. Callbacks run inline
// on the dispatch goroutine in registration order and must not block for
// long. The returned function removes the subscription.
func (p *Publisher) Subscribe(fn func(Notification)) func() {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers = append(p.subscribers, subscriber{id: id, fn: fn})
	p.mu.Unlock()

	return func() { p.unsubscribe(id) }
}

// unsubscribe removes a subscription by id.
func (p *Publisher) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subscribers {
		if sub.id == id {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			return
		}
	}
}

// =============================================================================
// Publishing
// =============================================================================

// PublishBatch enqueues a batch for ordered delivery. A saturated queue drops
// the batch and raises a resync in its place: losing a published batch has
// the same remedy as losing kernel events.
func (p *Publisher) PublishBatch(batch *ChangeBatch) {
	if p.closed.Load() {
		return
	}

	select {
	case p.queue <- Notification{Batch: batch}:
	default:
		total := p.dropped.Add(1)
		p.cfg.Logger.Warn("notification queue saturated, replacing batch with resync",
			"batch_id", batch.ID,
			"batch_seq", batch.Seq,
			"dropped_total", total)
		p.raiseResync("notification queue saturated")
	}
}

// PublishResync raises a resync directive. Directives coalesce: one reload
// covers any number of raised resyncs.
func (p *Publisher) PublishResync(reason string) {
	if p.closed.Load() {
		return
	}
	p.raiseResync(reason)
}

// raiseResync stores the directive in the priority slot and wakes the
// dispatch loop.
func (p *Publisher) raiseResync(reason string) {
	p.pendingResync.Store(&ResyncDirective{
		Root:     p.cfg.Root,
		Reason:   reason,
		IssuedAt: time.Now(),
	})

	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		BatchesDelivered: p.delivered.Load(),
		ResyncsDelivered: p.resyncs.Load(),
		BatchesDropped:   p.dropped.Load(),
	}
}

// =============================================================================
// Dispatch
// =============================================================================

// dispatchLoop delivers notifications until Close. The pending resync slot is
// checked before the queue on every turn, so a raised resync is always the
// next thing subscribers see.
func (p *Publisher) dispatchLoop() {
	defer close(p.doneCh)

	for {
		if directive := p.pendingResync.Swap(nil); directive != nil {
			p.discardQueued()
			p.resyncs.Add(1)
			p.deliver(Notification{Resync: directive})
			continue
		}

		select {
		case n := <-p.queue:
			p.delivered.Add(1)
			p.deliver(n)
		case <-p.wakeCh:
			// Re-check the resync slot.
		case <-p.stopCh:
			return
		}
	}
}

// discardQueued drops every queued notification. Batches published before a
// resync describe state the reload replaces.
func (p *Publisher) discardQueued() {
	discarded := 0
	for {
		select {
		case <-p.queue:
			discarded++
		default:
			if discarded > 0 {
				p.dropped.Add(uint64(discarded))
				p.cfg.Logger.Debug("discarded queued batches superseded by resync",
					"count", discarded)
			}
			return
		}
	}
}

// deliver invokes every subscriber inline, in registration order.
func (p *Publisher) deliver(n Notification) {
	p.mu.RLock()
	subs := make([]subscriber, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(n)
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// Close stops the dispatch loop and waits for it to exit. Undelivered
// notifications are discarded; tearing a session down discards its
// outstanding work. Close is idempotent.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stopCh)
		<-p.doneCh
	})
}
