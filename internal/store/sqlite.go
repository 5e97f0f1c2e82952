// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Keeps the device directory in a single table with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == MemoryPath
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			name              TEXT PRIMARY KEY,
			online            INTEGER NOT NULL DEFAULT 0,
			first_seen        TEXT NOT NULL,
			last_connected    TEXT NOT NULL,
			last_disconnected TEXT,
			last_message_at   TEXT,
			last_event        TEXT,
			connects          INTEGER NOT NULL DEFAULT 0,
			messages          INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_devices_online ON devices(online);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// DeviceConnected upserts the device and marks it online.
func (s *SQLiteStore) DeviceConnected(ctx context.Context, name string, at time.Time) error {
	query := `
		INSERT INTO devices (name, online, first_seen, last_connected, connects, messages)
		VALUES (?, 1, ?, ?, 1, 0)
		ON CONFLICT(name) DO UPDATE SET
			online = 1,
			last_connected = excluded.last_connected,
			connects = connects + 1
	`

	ts := formatTime(at)
	if _, err := s.db.ExecContext(ctx, query, name, ts, ts); err != nil {
		return fmt.Errorf("recording connect for %s: %w", name, err)
	}

	s.logger.Debug("device marked online", "device", name)
	return nil
}

// DeviceDisconnected marks the device offline.
func (s *SQLiteStore) DeviceDisconnected(ctx context.Context, name string, at time.Time) error {
	query := `UPDATE devices SET online = 0, last_disconnected = ? WHERE name = ?`

	result, err := s.db.ExecContext(ctx, query, formatTime(at), name)
	if err != nil {
		return fmt.Errorf("recording disconnect for %s: %w", name, err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	s.logger.Debug("device marked offline", "device", name)
	return nil
}

// DeviceMessage bumps the message counter.
func (s *SQLiteStore) DeviceMessage(ctx context.Context, name, eventName string, at time.Time) error {
	query := `
		UPDATE devices
		SET messages = messages + 1, last_event = ?, last_message_at = ?
		WHERE name = ?
	`

	result, err := s.db.ExecContext(ctx, query, eventName, formatTime(at), name)
	if err != nil {
		return fmt.Errorf("recording message for %s: %w", name, err)
	}
	return requireRow(result)
}

const deviceColumns = `name, online, first_seen, last_connected, last_disconnected,
	last_message_at, last_event, connects, messages`

// GetDevice retrieves a device by name.
// Returns ErrNotFound if the device has never connected.
func (s *SQLiteStore) GetDevice(ctx context.Context, name string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE name = ?`

	d, err := scanDevice(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// ListDevices returns every known device ordered by name.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// ResetOnline marks every device offline.
func (s *SQLiteStore) ResetOnline(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE devices SET online = 0 WHERE online = 1`)
	if err != nil {
		return 0, fmt.Errorf("resetting online devices: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reset devices: %w", err)
	}
	if n > 0 {
		s.logger.Info("reset stale online devices", "count", n)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var online int
	var firstSeen, lastConnected string
	var lastDisconnected, lastMessageAt, lastEvent sql.NullString

	if err := row.Scan(
		&d.Name,
		&online,
		&firstSeen,
		&lastConnected,
		&lastDisconnected,
		&lastMessageAt,
		&lastEvent,
		&d.Connects,
		&d.Messages,
	); err != nil {
		return nil, err
	}

	d.Online = online != 0
	d.LastEvent = lastEvent.String

	var err error
	if d.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("parsing first_seen: %w", err)
	}
	if d.LastConnected, err = parseTime(lastConnected); err != nil {
		return nil, fmt.Errorf("parsing last_connected: %w", err)
	}
	if d.LastDisconnected, err = parseNullTime(lastDisconnected); err != nil {
		return nil, fmt.Errorf("parsing last_disconnected: %w", err)
	}
	if d.LastMessageAt, err = parseNullTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	return &d, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
