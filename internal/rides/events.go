package rides

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// defaultOutboxSize bounds how many ride events may wait for the stream.
const defaultOutboxSize = 1024

// outbox hands ride events to an EventPublisher off the request path. Events
// are published one at a time in the order they were queued; a single drain
// goroutine runs while the queue is non-empty. When the queue is full the
// event is dropped and logged.
type outbox struct {
	pub     EventPublisher
	timeout time.Duration
	max     int
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []models.RideEvent
	running bool
	wg      sync.WaitGroup
}

func newOutbox(pub EventPublisher, timeout time.Duration, max int, logger *slog.Logger) *outbox {
	if max <= 0 {
		max = defaultOutboxSize
	}
	return &outbox{pub: pub, timeout: timeout, max: max, logger: logger}
}

// enqueue reports whether ev was accepted.
func (o *outbox) enqueue(ev models.RideEvent) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) >= o.max {
		o.logger.Warn("ride_event_dropped", "ride_id", ev.RideID, "event", ev.Type, "reason", "outbox_full")
		return false
	}
	o.queue = append(o.queue, ev)
	if !o.running {
		o.running = true
		o.wg.Add(1)
		go o.drain()
	}
	return true
}

func (o *outbox) drain() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()
			return
		}
		ev := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		if err := o.pub.PublishRideEvent(ctx, ev); err != nil {
			o.logger.Warn("ride_event_publish_failed", "ride_id", ev.RideID, "event", ev.Type, "error", err)
		}
		cancel()
	}
}

// wait blocks until every queued event has been handed to the publisher.
func (o *outbox) wait() { o.wg.Wait() }
