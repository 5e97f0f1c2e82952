// Package gateway orchestrates the daq-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator. It owns the device
// Runner, the relay hub, the device directory, the HTTP server, and the
// optional gRPC health server and tailscale node.
//
// # Runner
//
// Runner accepts device TCP connections and runs one device.Session per
// connection on its own goroutine. Every decoded event passes through the
// session registry and then to a single Handler:
//
//   - CONNECT claims the device name. Under the default "reject" policy a
//     second session for a name that is already active is refused and its
//     connection closed; nothing is delivered for it. Under "evict" the old
//     session is closed, its DISCONNECT delivered, and then the new one admitted.
//   - MESSAGE is delivered in arrival order.
//   - DISCONNECT, sent by the device or synthesized when its connection
//     drops, is delivered exactly once. The name is released only after
//     the handler returns from it.
//
// Handler failures and panics are logged and counted; the session keeps
// running. Stop closes the listener and every session connection; Join
// waits until each session has delivered its DISCONNECT.
//
// # Handlers
//
// Gateway wires two handlers through Handlers, in order:
//
//   - relay.DeviceHandler publishes to channel <prefix>/<device>
//   - store.Recorder keeps the device directory current
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 while the device listener accepts, else 503
//   - GET /api/devices - Device directory merged with live sessions
//   - GET /api/devices/{name} - One device, 404 if never seen
//   - GET /api/status - Uptime, counters, channels, process stats
//   - GET /ws/<channel path> - Websocket subscription to a relay channel
//
// # gRPC
//
// When server.grpc_addr is set (or tailscale is enabled) the standard
// grpc.health.v1 service reports SERVING while devices are accepted and
// NOT_SERVING once shutdown begins.
//
// # Shutdown Order
//
//  1. gRPC health flips to NOT_SERVING
//  2. Runner stops and joins; every session delivers DISCONNECT
//  3. HTTP and gRPC servers stop
//  4. Relay hub closes remaining subscribers
//  5. Tailscale node and store close
package gateway
