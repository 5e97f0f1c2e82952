// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	devices map[string]*Device // keyed by device name

	// Err, if set, is returned by every write.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		devices: make(map[string]*Device),
	}
}

// DeviceConnected upserts the device and marks it online.
func (m *MockStore) DeviceConnected(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	d, ok := m.devices[name]
	if !ok {
		d = &Device{Name: name, FirstSeen: at.UTC()}
		m.devices[name] = d
	}
	d.Online = true
	d.LastConnected = at.UTC()
	d.Connects++
	return nil
}

// DeviceDisconnected marks the device offline.
func (m *MockStore) DeviceDisconnected(ctx context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	d, ok := m.devices[name]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	d.Online = false
	d.LastDisconnected = &t
	return nil
}

// DeviceMessage bumps the message counter.
func (m *MockStore) DeviceMessage(ctx context.Context, name, eventName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	d, ok := m.devices[name]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	d.Messages++
	d.LastEvent = eventName
	d.LastMessageAt = &t
	return nil
}

// GetDevice retrieves a device by name.
func (m *MockStore) GetDevice(ctx context.Context, name string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[name]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	c := *d
	return &c, nil
}

// ListDevices returns every device ordered by name.
func (m *MockStore) ListDevices(ctx context.Context) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ResetOnline marks every device offline.
func (m *MockStore) ResetOnline(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, d := range m.devices {
		if d.Online {
			d.Online = false
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
