package watch

import (
	"testing"
	"time"
)

// =============================================================================
// Test Helpers
// =============================================================================

// collectNotifications subscribes a channel-backed recorder to the publisher.
func collectNotifications(p *Publisher) (<-chan Notification, func()) {
	got := make(chan Notification, 32)
	unsub := p.Subscribe(func(n Notification) { got <- n })
	return got, unsub
}

// waitForNotification waits for one delivery or fails the test.
func waitForNotification(t *testing.T, got <-chan Notification) Notification {
	t.Helper()

	select {
	case n := <-got:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

// expectNoNotification asserts that nothing arrives within the window.
func expectNoNotification(t *testing.T, got <-chan Notification, window time.Duration) {
	t.Helper()

	select {
	case n := <-got:
		t.Fatalf("unexpected notification (resync=%v)", n.IsResync())
	case <-time.After(window):
	}
}

// testBatch builds a batch with the given sequence number.
func testBatch(seq uint64) *ChangeBatch {
	return &ChangeBatch{Seq: seq, ID: "batch", FlushedAt: time.Now()}
}

// =============================================================================
// Delivery Tests
// =============================================================================

func TestPublisherDeliversInOrder(t *testing.T) {
	t.Parallel()

	p := NewPublisher(PublisherConfig{Root: "/p"})
	defer p.Close()

	got, unsub := collectNotifications(p)
	defer unsub()

	for seq := uint64(1); seq <= 5; seq++ {
		p.PublishBatch(testBatch(seq))
	}

	for seq := uint64(1); seq <= 5; seq++ {
		n := waitForNotification(t, got)
		if n.Batch == nil || n.Batch.Seq != seq {
			t.Fatalf("delivery %d = %+v, want batch seq %d", seq, n, seq)
		}
	}
}

func TestPublisherDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	p := NewPublisher(PublisherConfig{Root: "/p"})
	defer p.Close()

	first, unsubFirst := collectNotifications(p)
	defer unsubFirst()
	second, unsubSecond := collectNotifications(p)
	defer unsubSecond()

	p.PublishBatch(testBatch(1))

	if n := waitForNotification(t, first); n.Batch == nil {
		t.Error("first subscriber missed the batch")
	}
	if n := waitForNotification(t, second); n.Batch == nil {
		t.Error("second subscriber missed the batch")
	}
}

func TestPublisherUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	p := NewPublisher(PublisherConfig{Root: "/p"})
	defer p.Close()

	got, unsub := collectNotifications(p)

	p.PublishBatch(testBatch(1))
	waitForNotification(t, got)

	unsub()
	p.PublishBatch(testBatch(2))
	expectNoNotification(t, got, 100*time.Millisecond)
}

// =============================================================================
// Resync Priority Tests
// =============================================================================

func TestPublisherResyncSupersedesQueuedBatches(t *testing.T) {
	t.Parallel()

	p := NewPublisher(PublisherConfig{Root: "/p"})
	defer p.Close()

	got := make(chan Notification, 32)
	gate := make(chan struct{})
	unsub := p.Subscribe(func(n Notification) {
		got <- n
		<-gate
	})
	defer unsub()

	// The first batch is picked up and delivery blocks on the gate. The
	// second sits in the queue when the resync is raised.
	p.PublishBatch(testBatch(1))
	first := waitForNotification(t, got)
	if first.Batch == nil || first.Batch.Seq != 1 {
		t.Fatalf("first delivery = %+v, want batch seq 1", first)
	}

	p.PublishBatch(testBatch(2))
	p.PublishResync("test resync")
	gate <- struct{}{}

	next := waitForNotification(t, got)
	if !next.IsResync() {
		t.Fatalf("delivery after resync = %+v, want resync directive", next)
	}
	if next.Resync.Reason != "test resync" || next.Resync.Root != "/p" {
		t.Errorf("resync = %+v, want reason and root set", next.Resync)
	}
	gate <- struct{}{}

	// The queued batch was superseded and must never arrive.
	expectNoNotification(t, got, 100*time.Millisecond)

	if dropped := p.Stats().BatchesDropped; dropped != 1 {
		t.Errorf("BatchesDropped = %d, want 1", dropped)
	}
}

func TestPublisherRapidResyncsCoalesce(t *testing.T) {
	t.Parallel()

	p := NewPublisher(PublisherConfig{Root: "/p"})
	defer p.Close()

	got := make(chan Notification, 32)
	gate := make(chan struct{})
	unsub := p.Subscribe(func(n Notification) {
		got <- n
		<-gate
	})
	defer unsub()

	p.PublishBatch(testBatch(1))
	waitForNotification(t, got)

	p.PublishResync("first")
	p.PublishResync("second")
	gate <- struct{}{}

	n := waitForNotification(t, got)
	if !n.IsResync() || n.Resync.Reason != "second" {
		t.Fatalf("delivery = %+v, want coalesced resync with latest reason", n)
	}
	gate <- struct{}{}

	expectNoNotification(t, got, 100*time.Millisecond)

	if resyncs := p.Stats().ResyncsDelivered; resyncs != 1 {
		t.Errorf("ResyncsDelivered = %d, want 1", resyncs)
	}
}

func TestPublisherSaturationDegradesToResync(t *testing.T) {
	t.Parallel()

	p := NewPublisher(PublisherConfig{Root: "/p", QueueSize: 1})
	defer p.Close()

	got := make(chan Notification, 32)
	gate := make(chan struct{})
	unsub := p.Subscribe(func(n Notification) {
		got <- n
		<-gate
	})
	defer unsub()

	// Batch 1 blocks in delivery, batch 2 fills the queue, batch 3 finds it
	// saturated and converts into a resync.
	p.PublishBatch(testBatch(1))
	waitForNotification(t, got)
	p.PublishBatch(testBatch(2))
	p.PublishBatch(testBatch(3))
	gate <- struct{}{}

	n := waitForNotification(t, got)
	if !n.IsResync() {
		t.Fatalf("delivery after saturation = %+v, want resync", n)
	}
	gate <- struct{}{}

	expectNoNotification(t, got, 100*time.Millisecond)

	stats := p.Stats()
	if stats.BatchesDelivered != 1 {
		t.Errorf("BatchesDelivered = %d, want 1", stats.BatchesDelivered)
	}
	if stats.BatchesDropped != 2 {
		t.Errorf("BatchesDropped = %d, want 2 (saturated + superseded)", stats.BatchesDropped)
	}
}

// =============================================================================
// Shutdown Tests
// =============================================================================

func TestPublisherCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := NewPublisher(PublisherConfig{Root: "/p"})
	p.Close()
	p.Close()

	// Publishing after close is a silent no-op.
	p.PublishBatch(testBatch(1))
	p.PublishResync("late")
}
