// ABOUTME: A single device TCP session and its Connecting/Active/Closed state machine.
// ABOUTME: Reads framed envelopes in order and guarantees one DISCONNECT per active session.

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/daq-gateway/internal/envelope"
)

// ErrProtocol indicates a well-formed envelope that is not allowed in the current session state.
var ErrProtocol = errors.New("device protocol violation")

// ErrConnection indicates a transport failure such as a reset or an idle timeout.
var ErrConnection = errors.New("device connection error")

// errClosedLocally marks reads interrupted by Close.
var errClosedLocally = errors.New("session closed")

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DispatchFunc receives every envelope a session produces, including the
// synthesized DISCONNECT. A non-nil error ends the session.
type DispatchFunc func(ctx context.Context, s *Session, env envelope.Envelope) error

// SessionParams holds the parameters for creating a new Session.
type SessionParams struct {
	Conn         net.Conn
	ReadTimeout  time.Duration // zero disables the idle timeout
	MaxFrameSize int           // zero selects envelope.DefaultMaxFrameSize
	Logger       *slog.Logger
}

// Session is one device connection.
type Session struct {
	// ID uniquely identifies this session, distinguishing reconnects of the same device.
	ID string

	conn        net.Conn
	reader      *envelope.Reader
	readTimeout time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	deviceName  string
	connectedAt time.Time

	state     atomic.Int32
	messages  atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps conn. The session takes ownership of the connection.
func NewSession(p SessionParams) *Session {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	s := &Session{
		ID:          id,
		conn:        p.Conn,
		reader:      envelope.NewReader(p.Conn, p.MaxFrameSize),
		readTimeout: p.ReadTimeout,
		logger:      logger.With("session_id", id, "remote_addr", remoteAddr(p.Conn)),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func remoteAddr(c net.Conn) string {
	if c == nil || c.RemoteAddr() == nil {
		return ""
	}
	return c.RemoteAddr().String()
}

// DeviceName returns the name bound by CONNECT, or "" before that.
func (s *Session) DeviceName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceName
}

// ConnectedAt returns when the CONNECT envelope was received.
func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return remoteAddr(s.conn)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// MessageCount returns the number of MESSAGE envelopes received.
func (s *Session) MessageCount() uint64 {
	return s.messages.Load()
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// Close closes the connection, unblocking a pending read. It is safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

// Run reads envelopes until the session ends and returns the reason it
// ended. A nil error means the peer disconnected cleanly or the session was
// closed locally. Run must be called at most once.
func (s *Session) Run(ctx context.Context, dispatch DispatchFunc) error {
	defer close(s.done)
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	first, err := s.next()
	if err != nil {
		s.state.Store(int32(StateClosed))
		if errors.Is(err, io.EOF) || errors.Is(err, errClosedLocally) {
			return nil
		}
		return fmt.Errorf("awaiting CONNECT: %w", err)
	}
	if first.Kind != envelope.KindConnect {
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("%w: first envelope is %s", ErrProtocol, first.Kind)
	}

	s.mu.Lock()
	s.deviceName = first.DeviceName
	s.connectedAt = time.Now()
	s.logger = s.logger.With("device", first.DeviceName)
	s.mu.Unlock()

	if err := dispatch(ctx, s, first); err != nil {
		s.state.Store(int32(StateClosed))
		return err
	}
	s.state.Store(int32(StateActive))

	runErr := s.loop(ctx, dispatch)
	s.state.Store(int32(StateClosed))

	// The DISCONNECT must be delivered even when ctx is already cancelled.
	bye := envelope.Envelope{Kind: envelope.KindDisconnect, DeviceName: first.DeviceName}
	if err := dispatch(context.WithoutCancel(ctx), s, bye); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// loop dispatches MESSAGE envelopes until DISCONNECT, EOF, or an error.
func (s *Session) loop(ctx context.Context, dispatch DispatchFunc) error {
	name := s.DeviceName()
	for {
		env, err := s.next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errClosedLocally) {
				return nil
			}
			return err
		}

		if env.DeviceName != name {
			return fmt.Errorf("%w: %s for device %q on session bound to %q", ErrProtocol, env.Kind, env.DeviceName, name)
		}

		switch env.Kind {
		case envelope.KindMessage:
			s.messages.Add(1)
			if err := dispatch(ctx, s, env); err != nil {
				return err
			}
		case envelope.KindDisconnect:
			return nil
		default:
			return fmt.Errorf("%w: %s while active", ErrProtocol, env.Kind)
		}
	}
}

// next reads one envelope, classifying transport failures.
func (s *Session) next() (envelope.Envelope, error) {
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	env, err := s.reader.Read()
	if err == nil {
		return env, nil
	}
	switch {
	case errors.Is(err, envelope.ErrDecode):
		return envelope.Envelope{}, err
	case s.closed.Load():
		return envelope.Envelope{}, errClosedLocally
	case errors.Is(err, io.EOF):
		return envelope.Envelope{}, io.EOF
	default:
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"session_id"`
	DeviceName  string    `json:"device"`
	RemoteAddr  string    `json:"remote_addr"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	Messages    uint64    `json:"messages"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:          s.ID,
		DeviceName:  s.DeviceName(),
		RemoteAddr:  s.RemoteAddr(),
		State:       s.State().String(),
		ConnectedAt: s.ConnectedAt(),
		Messages:    s.MessageCount(),
	}
}
