// Package store keeps the gateway's device directory.
//
// The directory is not an event history. It holds one row per device name
// ever seen: whether the device is online, when it was first seen and last
// connected or disconnected, how many times it connected, how many
// messages it sent, and the name of its most recent event.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, schema created on open
//   - MockStore: in-memory, for tests
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
//
// Recorder adapts a Store to the gateway's event handler contract so the
// directory follows device sessions as they come and go.
//
// # Errors
//
//   - ErrNotFound: the device has never connected
package store
