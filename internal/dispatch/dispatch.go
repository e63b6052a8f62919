// Package dispatch pushes lifecycle events to the live connection of one actor.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/observability"
)

// Transport writes one event to the connection behind handle. It returns
// ErrNoConnection when the handle is no longer live.
type Transport interface {
	Emit(handle, event string, payload any) error
}

// Resolver maps an identity to its current connection handle.
type Resolver interface {
	Resolve(identity string) (string, bool)
}

// Dispatcher is fire-and-forget: no retry, no queue, no replay after reconnect.
type Dispatcher struct {
	registry  Resolver
	transport Transport
	logger    *slog.Logger
}

func NewDispatcher(registry Resolver, transport Transport, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, transport: transport, logger: logger}
}

// Push delivers event to identity's live connection and reports whether it
// was written. An unreachable recipient is expected and never an error; it is
// logged and counted instead.
func (d *Dispatcher) Push(ctx context.Context, identity, event string, payload any) bool {
	handle, ok := d.registry.Resolve(identity)
	if !ok {
		d.drop(ctx, identity, event, "no_presence", nil)
		return false
	}
	if err := d.transport.Emit(handle, event, payload); err != nil {
		reason := "write_failed"
		if errors.Is(err, ErrNoConnection) {
			reason = "stale_handle"
		}
		d.drop(ctx, identity, event, reason, err)
		return false
	}
	observability.NotificationsDelivered.WithLabelValues(event).Inc()
	d.logger.DebugContext(ctx, "notification_delivered", "identity", identity, "event", event, "handle", handle)
	return true
}

func (d *Dispatcher) drop(ctx context.Context, identity, event, reason string, err error) {
	observability.NotificationsDropped.WithLabelValues(event, reason).Inc()
	args := []any{"identity", identity, "event", event, "reason", reason}
	if err != nil {
		args = append(args, "error", err)
	}
	d.logger.WarnContext(ctx, "notification_dropped", args...)
}
