// ABOUTME: Event handler boundary between the device runner and its consumers.
// ABOUTME: Handlers receive every CONNECT, MESSAGE, and DISCONNECT the runner accepts.

package gateway

import (
	"context"
	"errors"

	"github.com/2389/daq-gateway/internal/envelope"
)

// ErrHandler wraps failures returned (or panics raised) by a Handler.
var ErrHandler = errors.New("event handler failed")

// Handler consumes device lifecycle events. HandleEvent is called
// synchronously from the session goroutine that produced the event, so
// calls for different devices may run concurrently. For one device the
// calls arrive in order: CONNECT, zero or more MESSAGE, DISCONNECT.
// Implementations must not block indefinitely.
type Handler interface {
	HandleEvent(ctx context.Context, env envelope.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, env envelope.Envelope) error {
	return f(ctx, env)
}

// Handlers fans an event out to every handler in order. All handlers run
// even if an earlier one fails; the failures are joined.
type Handlers []Handler

// HandleEvent delivers env to each handler.
func (hs Handlers) HandleEvent(ctx context.Context, env envelope.Envelope) error {
	var errs []error
	for _, h := range hs {
		if err := h.HandleEvent(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
