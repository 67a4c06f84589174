package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"visor/internal/pipeline"
)

// ErrNotFound is returned when a requested key has no stored value.
var ErrNotFound = errors.New("not found")

// streamConfigKey is the config-table key for the persisted stream config.
const streamConfigKey = "stream_config"

// Store persists emitted stream records and configuration so a restart
// can restore the last-known-good setup and emissions survive for review.
type Store struct {
	db *sql.DB
}

// EmissionRecord is a stored stream record row.
type EmissionRecord struct {
	ID          int64
	CameraID    string
	FrameNumber int64
	Timestamp   time.Time
	Record      *pipeline.StreamRecord
}

// Open opens (creating if needed) the SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent reader access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS emissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		camera_id TEXT NOT NULL,
		frame_number INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_emissions_camera ON emissions(camera_id, frame_number);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveEmission journals one emitted stream record.
func (s *Store) SaveEmission(record *pipeline.StreamRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO emissions (camera_id, frame_number, timestamp_ms, payload) VALUES (?, ?, ?, ?)",
		record.CameraID, record.FrameNumber, record.Timestamp, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert emission: %w", err)
	}
	return nil
}

// ListEmissions returns the most recent emissions for a camera, newest
// first, up to limit.
func (s *Store) ListEmissions(cameraID string, limit int) ([]EmissionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		"SELECT id, camera_id, frame_number, timestamp_ms, payload FROM emissions WHERE camera_id = ? ORDER BY frame_number DESC LIMIT ?",
		cameraID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query emissions: %w", err)
	}
	defer rows.Close()

	var records []EmissionRecord
	for rows.Next() {
		var rec EmissionRecord
		var timestampMs int64
		var payload string
		if err := rows.Scan(&rec.ID, &rec.CameraID, &rec.FrameNumber, &timestampMs, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan emission: %w", err)
		}
		rec.Timestamp = time.UnixMilli(timestampMs)

		var sr pipeline.StreamRecord
		if err := json.Unmarshal([]byte(payload), &sr); err != nil {
			return nil, fmt.Errorf("failed to decode emission payload: %w", err)
		}
		rec.Record = &sr
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneEmissions deletes emissions older than the cutoff.
func (s *Store) PruneEmissions(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM emissions WHERE timestamp_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune emissions: %w", err)
	}
	return res.RowsAffected()
}

// SaveStreamConfig persists the active stream configuration.
func (s *Store) SaveStreamConfig(cfg pipeline.StreamConfig) error {
	return s.setConfig(streamConfigKey, cfg)
}

// LoadStreamConfig restores the persisted stream configuration. Returns
// ErrNotFound when none has been saved yet.
func (s *Store) LoadStreamConfig() (pipeline.StreamConfig, error) {
	var cfg pipeline.StreamConfig
	err := s.getConfig(streamConfigKey, &cfg)
	return cfg, err
}

func (s *Store) setConfig(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func (s *Store) getConfig(key string, out any) error {
	var data string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return json.Unmarshal([]byte(data), out)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
