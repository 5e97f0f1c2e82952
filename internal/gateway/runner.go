// ABOUTME: Runner accepts device TCP connections and runs one session goroutine per connection.
// ABOUTME: Dispatches decoded events through the session registry to a single Handler.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/daq-gateway/internal/device"
	"github.com/2389/daq-gateway/internal/envelope"
)

// ErrRunnerStarted is returned when Start is called more than once.
var ErrRunnerStarted = errors.New("runner already started")

// DuplicatePolicy decides what happens when a device name that already has
// an active session connects again.
type DuplicatePolicy string

const (
	// DuplicateReject refuses the new connection and keeps the active session.
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateEvict closes the active session, waits for its DISCONNECT,
	// then admits the new connection.
	DuplicateEvict DuplicatePolicy = "evict"
)

// defaultEvictTimeout bounds how long an evicting CONNECT waits for the old session.
const defaultEvictTimeout = 5 * time.Second

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Addr is the TCP listen address (host:port). Ignored when Listener is set.
	Addr string
	// Listener, if set, is used instead of listening on Addr.
	Listener net.Listener

	ReadTimeout     time.Duration
	MaxFrameSize    int
	DuplicatePolicy DuplicatePolicy
	EvictTimeout    time.Duration
}

// RunnerStats are cumulative counters for the status API.
type RunnerStats struct {
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected_duplicates"`
	Messages      uint64 `json:"messages"`
	HandlerErrors uint64 `json:"handler_errors"`
	ActiveDevices int    `json:"active_devices"`
}

// Runner owns the device listener, the session registry, and every session goroutine.
type Runner struct {
	cfg      RunnerConfig
	handler  Handler
	registry *device.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	ln       net.Listener
	cancel   context.CancelFunc
	runCtx   context.Context
	wg       sync.WaitGroup
	done     chan struct{}
	stopping atomic.Bool

	accepted      atomic.Uint64
	rejected      atomic.Uint64
	messages      atomic.Uint64
	handlerErrors atomic.Uint64
}

// NewRunner creates a Runner bound to handler for its whole lifetime.
func NewRunner(cfg RunnerConfig, handler Handler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = DuplicateReject
	}
	if cfg.EvictTimeout <= 0 {
		cfg.EvictTimeout = defaultEvictTimeout
	}
	return &Runner{
		cfg:      cfg,
		handler:  handler,
		registry: device.NewRegistry(logger.With("component", "registry")),
		logger:   logger.With("component", "runner"),
		done:     make(chan struct{}),
	}
}

// Start binds the listener and begins accepting on a background goroutine.
// It returns immediately; a bind failure is returned as a fatal error.
// Cancelling ctx has the same effect as Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerStarted
	}

	ln := r.cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", r.cfg.Addr)
		if err != nil {
			return fmt.Errorf("listening on device address: %w", err)
		}
	}

	r.ln = ln
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.started = true

	// Closing the listener is what unblocks Accept.
	context.AfterFunc(r.runCtx, func() {
		r.stopping.Store(true)
		_ = ln.Close()
	})

	r.wg.Add(1)
	go r.acceptLoop()
	go func() {
		r.wg.Wait()
		close(r.done)
	}()

	r.logger.Info("device listener started",
		"addr", ln.Addr().String(),
		"duplicate_policy", string(r.cfg.DuplicatePolicy),
	)
	return nil
}

// Stop closes the listener and every active session connection. It is
// idempotent, safe to call concurrently, and does not wait; use Join.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Join blocks until the accept loop and all sessions have returned. Every
// session that became active has dispatched its DISCONNECT by then.
// Join returns immediately if the runner was never started.
func (r *Runner) Join() {
	if !r.isStarted() {
		return
	}
	<-r.done
}

// JoinContext is Join with a deadline.
func (r *Runner) JoinContext(ctx context.Context) error {
	if !r.isStarted() {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Addr returns the bound listener address, or nil before Start.
func (r *Runner) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Accepting reports whether the runner is started and not stopping.
func (r *Runner) Accepting() bool {
	return r.isStarted() && !r.stopping.Load()
}

// Registry exposes the session registry for read-only use.
func (r *Runner) Registry() *device.Registry {
	return r.registry
}

// Sessions returns a snapshot of active sessions ordered by device name.
func (r *Runner) Sessions() []device.Info {
	list := r.registry.List()
	out := make([]device.Info, len(list))
	for i, s := range list {
		out[i] = s.Info()
	}
	return out
}

// Stats returns cumulative counters.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Accepted:      r.accepted.Load(),
		Rejected:      r.rejected.Load(),
		Messages:      r.messages.Load(),
		HandlerErrors: r.handlerErrors.Load(),
		ActiveDevices: r.registry.Len(),
	}
}

// acceptLoop accepts connections until the listener is closed.
func (r *Runner) acceptLoop() {
	defer r.wg.Done()

	var delay time.Duration
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if r.stopping.Load() || errors.Is(err, net.ErrClosed) {
				r.logger.Info("device listener stopped")
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			r.logger.Warn("accept error, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-r.runCtx.Done():
			}
			continue
		}
		delay = 0

		r.accepted.Add(1)
		r.wg.Add(1)
		go r.serve(conn)
	}
}

// serve runs one device session to completion.
func (r *Runner) serve(conn net.Conn) {
	defer r.wg.Done()

	s := device.NewSession(device.SessionParams{
		Conn:         conn,
		ReadTimeout:  r.cfg.ReadTimeout,
		MaxFrameSize: r.cfg.MaxFrameSize,
		Logger:       r.logger,
	})
	s.Logger().Debug("device connection accepted")

	err := s.Run(r.runCtx, r.dispatch)
	logger := s.Logger()
	switch {
	case err == nil:
		logger.Debug("device session ended")
	case errors.Is(err, device.ErrDuplicateSession):
		logger.Warn("duplicate device session refused", "error", err)
	case errors.Is(err, envelope.ErrDecode), errors.Is(err, device.ErrProtocol):
		logger.Warn("device session terminated by protocol error", "error", err)
	case errors.Is(err, device.ErrConnection):
		logger.Info("device connection lost", "error", err)
	default:
		logger.Error("device session failed", "error", err)
	}
}

// dispatch routes one session event through the registry to the handler.
func (r *Runner) dispatch(ctx context.Context, s *device.Session, env envelope.Envelope) error {
	switch env.Kind {
	case envelope.KindConnect:
		if err := r.acquire(ctx, env.DeviceName, s); err != nil {
			return err
		}
		r.deliver(ctx, s, env)
		return nil

	case envelope.KindMessage:
		r.messages.Add(1)
		r.deliver(ctx, s, env)
		return nil

	case envelope.KindDisconnect:
		// The name stays claimed until the handler has seen DISCONNECT, so a
		// reconnect cannot deliver its CONNECT ahead of it.
		r.deliver(ctx, s, env)
		r.registry.Release(env.DeviceName, s)
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %d", device.ErrProtocol, env.Kind)
	}
}

// acquire registers s for name according to the duplicate policy.
func (r *Runner) acquire(ctx context.Context, name string, s *device.Session) error {
	for {
		if r.registry.Acquire(name, s) {
			return nil
		}
		if r.cfg.DuplicatePolicy != DuplicateEvict {
			r.rejected.Add(1)
			return fmt.Errorf("%w: %q", device.ErrDuplicateSession, name)
		}

		old, ok := r.registry.Lookup(name)
		if !ok {
			continue
		}
		s.Logger().Warn("evicting previous session for device", "previous_session_id", old.ID)
		_ = old.Close()

		timer := time.NewTimer(r.cfg.EvictTimeout)
		select {
		case <-old.Done():
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			r.rejected.Add(1)
			return fmt.Errorf("%w: %q: previous session did not close within %s",
				device.ErrDuplicateSession, name, r.cfg.EvictTimeout)
		}
	}
}

// deliver calls the handler, containing its failures to a log line.
func (r *Runner) deliver(ctx context.Context, s *device.Session, env envelope.Envelope) {
	if err := r.callHandler(ctx, env); err != nil {
		r.handlerErrors.Add(1)
		s.Logger().Error("event handler failed", "kind", env.Kind.String(), "error", err)
	}
}

func (r *Runner) callHandler(ctx context.Context, env envelope.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandler, p)
		}
	}()
	if err := r.handler.HandleEvent(ctx, env); err != nil {
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return nil
}
