// ABOUTME: Registry of active device sessions keyed by device name.
// ABOUTME: Enforces at most one active session per name with identity-checked release.

package device

import (
	"errors"
	"log/slog"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ErrDuplicateSession indicates a CONNECT for a device name that already has an active session.
var ErrDuplicateSession = errors.New("device already has an active session")

// Registry maps device names to their active session.
type Registry struct {
	sessions cmap.ConcurrentMap[string, *Session]
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: cmap.New[*Session](),
		logger:   logger,
	}
}

// Acquire registers s as the active session for name. It returns false,
// leaving the registry unchanged, if another session already holds name.
func (r *Registry) Acquire(name string, s *Session) bool {
	if !r.sessions.SetIfAbsent(name, s) {
		r.logger.Debug("device name already held",
			"device", name,
			"session_id", s.ID,
		)
		return false
	}

	r.logger.Info("=== DEVICE CONNECTED ===",
		"device", name,
		"session_id", s.ID,
		"remote_addr", s.RemoteAddr(),
		"total_devices", r.sessions.Count(),
	)
	return true
}

// Release removes the entry for name only if it refers to s. A release
// from a superseded session never evicts a newer one. It reports whether
// an entry was removed.
func (r *Registry) Release(name string, s *Session) bool {
	removed := r.sessions.RemoveCb(name, func(_ string, held *Session, exists bool) bool {
		return exists && held == s
	})
	if removed {
		r.logger.Info("=== DEVICE DISCONNECTED ===",
			"device", name,
			"session_id", s.ID,
			"messages", s.MessageCount(),
			"total_devices", r.sessions.Count(),
		)
	}
	return removed
}

// Lookup returns the active session for name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	return r.sessions.Get(name)
}

// List returns the active sessions ordered by device name.
func (r *Registry) List() []*Session {
	items := r.sessions.Items()
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Session, 0, len(names))
	for _, name := range names {
		out = append(out, items[name])
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	return r.sessions.Count()
}
