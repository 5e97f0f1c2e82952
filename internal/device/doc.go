// Package device tracks DAQ device sessions connected to the gateway.
//
// # Session
//
// A Session owns one device TCP connection. Run reads length-prefixed
// envelopes in arrival order and hands each one to a dispatch callback:
//
//	err := sess.Run(ctx, func(ctx context.Context, s *device.Session, env envelope.Envelope) error {
//	    ...
//	})
//
// The session state machine is:
//
//	Connecting --(first CONNECT)--> Active --(DISCONNECT | read error | close)--> Closed
//
// The first envelope must be CONNECT; it binds the device name for the life
// of the session. If the CONNECT dispatch returns an error the connection
// is closed and nothing else is dispatched. Once Active, Run always ends by
// dispatching exactly one DISCONNECT for the bound name, whether the peer
// sent one, dropped the connection, or sent a malformed frame.
//
// Malformed frames are fatal: the stream is not self-resynchronizing.
//
// # Registry
//
// Registry maps device names to their active Session with at most one
// entry per name:
//
//   - Acquire(name, s): register s, refusing if another session holds name
//   - Release(name, s): remove the entry only if it still refers to s
//   - Lookup(name): read the active session
//
// # Thread Safety
//
// Registry is safe for concurrent use. Per-name mutations are serialized by
// the shard lock of the underlying concurrent map. Session accessors are
// safe to call from any goroutine while Run executes.
package device
