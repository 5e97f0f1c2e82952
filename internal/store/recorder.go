// ABOUTME: Recorder feeds device lifecycle events into a Store
// ABOUTME: Used as one of the gateway's event handlers

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/daq-gateway/internal/envelope"
)

// Recorder updates the device directory from gateway events.
type Recorder struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		now:    time.Now,
		logger: logger.With("component", "recorder"),
	}
}

// HandleEvent records one CONNECT, MESSAGE, or DISCONNECT.
func (r *Recorder) HandleEvent(ctx context.Context, env envelope.Envelope) error {
	at := r.now()

	var err error
	switch env.Kind {
	case envelope.KindConnect:
		err = r.store.DeviceConnected(ctx, env.DeviceName, at)
	case envelope.KindMessage:
		var event string
		if env.Payload != nil {
			event = env.Payload.EventName
		}
		err = r.store.DeviceMessage(ctx, env.DeviceName, event, at)
	case envelope.KindDisconnect:
		err = r.store.DeviceDisconnected(ctx, env.DeviceName, at)
	default:
		return fmt.Errorf("record %s: unsupported kind %s", env.DeviceName, env.Kind)
	}
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", env.Kind, env.DeviceName, err)
	}
	return nil
}
