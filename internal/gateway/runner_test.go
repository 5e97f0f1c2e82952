// ABOUTME: Tests for the device Runner over real loopback TCP connections.
// ABOUTME: Covers ordering, duplicate policies, abrupt drops, isolation, and stop/join.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/daq-gateway/internal/device"
	"github.com/2389/daq-gateway/internal/envelope"
	"github.com/2389/daq-gateway/internal/relay"
)

// eventLog is a concurrency-safe Handler that records every event.
type eventLog struct {
	mu     sync.Mutex
	events []envelope.Envelope
	fail   func(env envelope.Envelope) error
}

func (l *eventLog) HandleEvent(_ context.Context, env envelope.Envelope) error {
	l.mu.Lock()
	l.events = append(l.events, env)
	fail := l.fail
	l.mu.Unlock()
	if fail != nil {
		return fail(env)
	}
	return nil
}

func (l *eventLog) forDevice(name string) []envelope.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []envelope.Envelope
	for _, e := range l.events {
		if e.DeviceName == name {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) count(name string, kind envelope.Kind) int {
	n := 0
	for _, e := range l.forDevice(name) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func kindsOf(events []envelope.Envelope) []envelope.Kind {
	out := make([]envelope.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func startRunner(t *testing.T, cfg RunnerConfig, h Handler) *Runner {
	t.Helper()
	if cfg.Addr == "" && cfg.Listener == nil {
		cfg.Addr = "127.0.0.1:0"
	}
	r := NewRunner(cfg, h, nil)
	require.NoError(t, r.Start(t.Context()))
	t.Cleanup(func() {
		r.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, r.JoinContext(ctx))
	})
	return r
}

type testDevice struct {
	conn net.Conn
	*envelope.Writer
}

func dialDevice(t *testing.T, r *Runner) *testDevice {
	t.Helper()
	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testDevice{conn: conn, Writer: envelope.NewWriter(conn)}
}

// waitClosedByServer blocks until the gateway closes the device connection.
func (d *testDevice) waitClosedByServer(t *testing.T) {
	t.Helper()
	_ = d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := d.conn.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection was not closed by the gateway")
	}
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestRunner_RelaysEventsInOrder(t *testing.T) {
	log := &eventLog{}
	r := startRunner(t, RunnerConfig{}, log)

	d := dialDevice(t, r)
	require.NoError(t, d.Connect("A"))
	require.NoError(t, d.Message("A", "temp", 21.5))
	require.NoError(t, d.Message("A", "temp", 21.9))
	require.NoError(t, d.Disconnect("A"))

	require.Eventually(t, func() bool { return len(log.forDevice("A")) == 4 }, waitFor, tick)

	events := log.forDevice("A")
	assert.Equal(t, []envelope.Kind{
		envelope.KindConnect, envelope.KindMessage, envelope.KindMessage, envelope.KindDisconnect,
	}, kindsOf(events))
	assert.Equal(t, "temp", events[1].Payload.EventName)
	assert.Equal(t, 21.5, events[1].Payload.Value())
	assert.Equal(t, 21.9, events[2].Payload.Value())
	assert.Nil(t, events[0].Payload)
	assert.Nil(t, events[3].Payload)

	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, waitFor, tick)
}

func TestRunner_ConcurrentDuplicateConnect(t *testing.T) {
	log := &eventLog{}
	r := startRunner(t, RunnerConfig{}, log)

	d1 := dialDevice(t, r)
	d2 := dialDevice(t, r)

	var wg sync.WaitGroup
	for _, d := range []*testDevice{d1, d2} {
		wg.Add(1)
		go func(d *testDevice) {
			defer wg.Done()
			_ = d.Connect("A")
		}(d)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return r.Stats().Rejected == 1 }, waitFor, tick)
	assert.Equal(t, 1, log.count("A", envelope.KindConnect))
	assert.Equal(t, 0, log.count("A", envelope.KindDisconnect), "rejected session must not synthesize DISCONNECT")
	assert.Equal(t, 1, r.Registry().Len())

	active, ok := r.Registry().Lookup("A")
	require.True(t, ok)
	assert.Equal(t, device.StateActive, active.State())

	// The registry holds whichever connection won; the other was closed.
	survivor, loser := d1, d2
	if active.RemoteAddr() == d2.conn.LocalAddr().String() {
		survivor, loser = d2, d1
	}
	loser.waitClosedByServer(t)

	// Once the active session disconnects, the name can be reused.
	require.NoError(t, survivor.Disconnect("A"))
	require.Eventually(t, func() bool { return log.count("A", envelope.KindDisconnect) == 1 }, waitFor, tick)

	d3 := dialDevice(t, r)
	require.NoError(t, d3.Connect("A"))
	require.Eventually(t, func() bool { return log.count("A", envelope.KindConnect) == 2 }, waitFor, tick)

	assert.Equal(t, []envelope.Kind{
		envelope.KindConnect, envelope.KindDisconnect, envelope.KindConnect,
	}, kindsOf(log.forDevice("A")))
}

func TestRunner_AbruptCloseSynthesizesOneDisconnect(t *testing.T) {
	log := &eventLog{}
	r := startRunner(t, RunnerConfig{}, log)

	d := dialDevice(t, r)
	require.NoError(t, d.Connect("A"))
	require.NoError(t, d.Message("A", "temp", 20))
	require.Eventually(t, func() bool { return log.count("A", envelope.KindMessage) == 1 }, waitFor, tick)

	require.NoError(t, d.conn.Close())

	require.Eventually(t, func() bool { return log.count("A", envelope.KindDisconnect) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, waitFor, tick)

	// Give any spurious second DISCONNECT a chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, log.count("A", envelope.KindDisconnect))
	_, ok := r.Registry().Lookup("A")
	assert.False(t, ok)
}

func TestRunner_NoCrossContamination(t *testing.T) {
	log := &eventLog{}
	r := startRunner(t, RunnerConfig{}, log)

	const perDevice = 50
	names := []string{"A", "B", "C"}

	var wg sync.WaitGroup
	for _, name := range names {
		d := dialDevice(t, r)
		wg.Add(1)
		go func(name string, d *testDevice) {
			defer wg.Done()
			if err := d.Connect(name); err != nil {
				t.Errorf("connect %s: %v", name, err)
				return
			}
			for i := 0; i < perDevice; i++ {
				if err := d.Message(name, "sample", map[string]any{"src": name, "seq": float64(i)}); err != nil {
					t.Errorf("message %s: %v", name, err)
					return
				}
			}
			_ = d.Disconnect(name)
		}(name, d)
	}
	wg.Wait()

	for _, name := range names {
		require.Eventually(t, func() bool { return log.count(name, envelope.KindDisconnect) == 1 }, waitFor, tick, name)

		events := log.forDevice(name)
		require.Len(t, events, perDevice+2, name)
		assert.Equal(t, envelope.KindConnect, events[0].Kind)
		assert.Equal(t, envelope.KindDisconnect, events[len(events)-1].Kind)
		for i, e := range events[1 : len(events)-1] {
			v, ok := e.Payload.Value().(map[string]any)
			require.True(t, ok)
			assert.Equal(t, name, v["src"], "event for %s carried another device's data", name)
			assert.Equal(t, float64(i), v["seq"], "events for %s out of order", name)
		}
	}
}

func TestRunner_StopJoinsAllSessions(t *testing.T) {
	log := &eventLog{}
	r := NewRunner(RunnerConfig{Addr: "127.0.0.1:0"}, log, nil)
	require.NoError(t, r.Start(t.Context()))

	const n = 8
	for i := 0; i < n; i++ {
		d := dialDevice(t, r)
		require.NoError(t, d.Connect(fmt.Sprintf("dev-%d", i)))
	}
	require.Eventually(t, func() bool { return r.Registry().Len() == n }, waitFor, tick)
	assert.True(t, r.Accepting())

	// Concurrent, repeated Stop calls must not deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Stop()
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.JoinContext(ctx))

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("dev-%d", i)
		assert.Equal(t, 1, log.count(name, envelope.KindDisconnect), name)
	}
	assert.Equal(t, 0, r.Registry().Len())
	assert.False(t, r.Accepting())

	_, err := net.DialTimeout("tcp", r.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed after Stop")

	r.Stop()
	r.Join()
}

func TestRunner_HandlerFailureIsIsolated(t *testing.T) {
	log := &eventLog{
		fail: func(env envelope.Envelope) error {
			if env.DeviceName != "A" || env.Kind != envelope.KindMessage {
				return nil
			}
			if env.Payload.EventName == "panic" {
				panic("boom")
			}
			return errors.New("relay down")
		},
	}
	r := startRunner(t, RunnerConfig{}, log)

	a := dialDevice(t, r)
	b := dialDevice(t, r)
	require.NoError(t, a.Connect("A"))
	require.NoError(t, b.Connect("B"))

	require.NoError(t, a.Message("A", "temp", 1))
	require.NoError(t, a.Message("A", "panic", 2))
	require.NoError(t, b.Message("B", "temp", 3))
	require.NoError(t, a.Message("A", "temp", 4))

	require.Eventually(t, func() bool { return log.count("A", envelope.KindMessage) == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return log.count("B", envelope.KindMessage) == 1 }, waitFor, tick)
	assert.Equal(t, uint64(3), r.Stats().HandlerErrors)

	// The failing device's session is still active.
	s, ok := r.Registry().Lookup("A")
	require.True(t, ok)
	assert.Equal(t, device.StateActive, s.State())
}

func TestRunner_EvictPolicyReplacesSession(t *testing.T) {
	log := &eventLog{}
	r := startRunner(t, RunnerConfig{DuplicatePolicy: DuplicateEvict, EvictTimeout: time.Second}, log)

	old := dialDevice(t, r)
	require.NoError(t, old.Connect("A"))
	require.Eventually(t, func() bool { return log.count("A", envelope.KindConnect) == 1 }, waitFor, tick)
	first, ok := r.Registry().Lookup("A")
	require.True(t, ok)

	fresh := dialDevice(t, r)
	require.NoError(t, fresh.Connect("A"))

	require.Eventually(t, func() bool { return log.count("A", envelope.KindConnect) == 2 }, waitFor, tick)
	assert.Equal(t, []envelope.Kind{
		envelope.KindConnect, envelope.KindDisconnect, envelope.KindConnect,
	}, kindsOf(log.forDevice("A")))

	second, ok := r.Registry().Lookup("A")
	require.True(t, ok)
	assert.NotEqual(t, first.ID, second.ID)
	old.waitClosedByServer(t)
	assert.Equal(t, uint64(0), r.Stats().Rejected)
}

// slowDisconnect holds the first DISCONNECT for delay before passing it on.
type slowDisconnect struct {
	next    Handler
	delay   time.Duration
	once    sync.Once
	entered chan struct{}
}

func newSlowDisconnect(next Handler, delay time.Duration) *slowDisconnect {
	return &slowDisconnect{next: next, delay: delay, entered: make(chan struct{})}
}

func (h *slowDisconnect) HandleEvent(ctx context.Context, env envelope.Envelope) error {
	if env.Kind == envelope.KindDisconnect {
		first := false
		h.once.Do(func() { first = true })
		if first {
			close(h.entered)
			time.Sleep(h.delay)
		}
	}
	return h.next.HandleEvent(ctx, env)
}

func (h *slowDisconnect) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-h.entered:
	case <-time.After(waitFor):
		t.Fatal("DISCONNECT never reached the handler")
	}
}

func relayWithLog(t *testing.T) (*relay.Hub, *eventLog, Handlers) {
	t.Helper()
	hub := relay.NewHub(relay.HubConfig{}, nil)
	t.Cleanup(func() { _ = hub.Close() })
	log := &eventLog{}
	return hub, log, Handlers{log, relay.NewDeviceHandler(hub, "/daq")}
}

func TestRunner_NameHeldUntilDisconnectDelivered(t *testing.T) {
	hub, log, handlers := relayWithLog(t)
	slow := newSlowDisconnect(handlers, 300*time.Millisecond)
	r := startRunner(t, RunnerConfig{}, slow)

	first := dialDevice(t, r)
	require.NoError(t, first.Connect("A"))
	require.NoError(t, first.Disconnect("A"))
	slow.waitEntered(t)

	// The handler is still busy with DISCONNECT, so the name is taken.
	early := dialDevice(t, r)
	require.NoError(t, early.Connect("A"))
	early.waitClosedByServer(t)

	require.Eventually(t, func() bool { return r.Registry().Len() == 0 }, waitFor, tick)

	again := dialDevice(t, r)
	require.NoError(t, again.Connect("A"))
	require.NoError(t, again.Message("A", "temp", 20.5))

	require.Eventually(t, func() bool { return len(log.forDevice("A")) == 4 }, waitFor, tick)
	assert.Equal(t, []envelope.Kind{
		envelope.KindConnect, envelope.KindDisconnect, envelope.KindConnect, envelope.KindMessage,
	}, kindsOf(log.forDevice("A")))
	assert.Equal(t, []string{"/daq/A"}, hub.Channels())
	assert.Equal(t, uint64(0), r.Stats().HandlerErrors)
	assert.Equal(t, uint64(1), r.Stats().Rejected)
}

func TestRunner_EvictWaitsForSlowDisconnect(t *testing.T) {
	hub, log, handlers := relayWithLog(t)
	slow := newSlowDisconnect(handlers, 300*time.Millisecond)
	r := startRunner(t, RunnerConfig{DuplicatePolicy: DuplicateEvict, EvictTimeout: 2 * time.Second}, slow)

	first := dialDevice(t, r)
	require.NoError(t, first.Connect("A"))
	require.NoError(t, first.Disconnect("A"))
	slow.waitEntered(t)

	second := dialDevice(t, r)
	require.NoError(t, second.Connect("A"))
	require.NoError(t, second.Message("A", "temp", 20.5))

	require.Eventually(t, func() bool { return len(log.forDevice("A")) == 4 }, waitFor, tick)
	assert.Equal(t, []envelope.Kind{
		envelope.KindConnect, envelope.KindDisconnect, envelope.KindConnect, envelope.KindMessage,
	}, kindsOf(log.forDevice("A")))
	assert.Equal(t, []string{"/daq/A"}, hub.Channels())
	assert.Equal(t, uint64(0), r.Stats().HandlerErrors)

	active, ok := r.Registry().Lookup("A")
	require.True(t, ok)
	assert.Equal(t, second.conn.LocalAddr().String(), active.RemoteAddr())
}

func TestRunner_StartErrors(t *testing.T) {
	r := startRunner(t, RunnerConfig{}, &eventLog{})
	assert.ErrorIs(t, r.Start(t.Context()), ErrRunnerStarted)

	// The address is taken by the first runner.
	other := NewRunner(RunnerConfig{Addr: r.Addr().String()}, &eventLog{}, nil)
	err := other.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on device address")

	other.Stop()
	other.Join()
}

func TestRunner_ContextCancelStops(t *testing.T) {
	log := &eventLog{}
	ctx, cancel := context.WithCancel(t.Context())
	r := NewRunner(RunnerConfig{Addr: "127.0.0.1:0"}, log, nil)
	require.NoError(t, r.Start(ctx))

	d := dialDevice(t, r)
	require.NoError(t, d.Connect("A"))
	require.Eventually(t, func() bool { return r.Registry().Len() == 1 }, waitFor, tick)

	cancel()

	joinCtx, joinCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer joinCancel()
	require.NoError(t, r.JoinContext(joinCtx))
	assert.Equal(t, 1, log.count("A", envelope.KindDisconnect))

	_, err := d.conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRunner_SessionsSnapshot(t *testing.T) {
	r := startRunner(t, RunnerConfig{}, &eventLog{})

	for _, name := range []string{"zeta", "alpha"} {
		d := dialDevice(t, r)
		require.NoError(t, d.Connect(name))
		require.NoError(t, d.Message(name, "x", 1))
	}
	require.Eventually(t, func() bool { return r.Stats().Messages == 2 }, waitFor, tick)

	sessions := r.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "alpha", sessions[0].DeviceName)
	assert.Equal(t, "zeta", sessions[1].DeviceName)
	assert.Equal(t, uint64(2), r.Stats().Accepted)
	assert.Equal(t, 2, r.Stats().ActiveDevices)
}

func TestHandlers_FanOutJoinsErrors(t *testing.T) {
	var calls []string
	errA := errors.New("a failed")
	hs := Handlers{
		HandlerFunc(func(context.Context, envelope.Envelope) error { calls = append(calls, "a"); return errA }),
		HandlerFunc(func(context.Context, envelope.Envelope) error { calls = append(calls, "b"); return nil }),
	}

	err := hs.HandleEvent(t.Context(), envelope.Envelope{Kind: envelope.KindConnect, DeviceName: "A"})
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, []string{"a", "b"}, calls)
}
