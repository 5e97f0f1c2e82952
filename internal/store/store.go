// ABOUTME: Store interface and Device type for the gateway's device directory
// ABOUTME: Tracks which devices are online and their connect/message counters

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested device does not exist
var ErrNotFound = errors.New("not found")

// Device is one entry in the device directory
type Device struct {
	Name             string     `json:"name"`
	Online           bool       `json:"online"`
	FirstSeen        time.Time  `json:"first_seen"`
	LastConnected    time.Time  `json:"last_connected"`
	LastDisconnected *time.Time `json:"last_disconnected,omitempty"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	LastEvent        string     `json:"last_event,omitempty"`
	Connects         int64      `json:"connects"`
	Messages         int64      `json:"messages"`
}

// Store persists the device directory.
type Store interface {
	// DeviceConnected marks name online, creating the entry on first sight.
	DeviceConnected(ctx context.Context, name string, at time.Time) error

	// DeviceDisconnected marks name offline. Returns ErrNotFound for unknown devices.
	DeviceDisconnected(ctx context.Context, name string, at time.Time) error

	// DeviceMessage counts one message and remembers its event name.
	// Returns ErrNotFound for unknown devices.
	DeviceMessage(ctx context.Context, name, eventName string, at time.Time) error

	// GetDevice returns one device or ErrNotFound.
	GetDevice(ctx context.Context, name string) (*Device, error)

	// ListDevices returns all known devices ordered by name.
	ListDevices(ctx context.Context) ([]*Device, error)

	// ResetOnline marks every device offline, returning how many changed.
	// Called at startup since no session survives a restart.
	ResetOnline(ctx context.Context) (int64, error)

	Close() error
}
