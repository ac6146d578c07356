// Package sensors publishes host metrics as Home Assistant MQTT sensors and
// keeps a bounded history of readings in sqlite.
package sensors

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Reading is one stored sensor sample.
type Reading struct {
	SensorID   string    `json:"sensor_id"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store persists readings so the HTTP API can serve history without
// touching the broker.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the reading database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sensor db: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id   TEXT NOT NULL,
		value       REAL NOT NULL,
		unit        TEXT,
		recorded_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_readings_sensor_time
		ON readings(sensor_id, recorded_at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sensor db: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores one reading.
func (s *Store) Insert(r Reading) error {
	_, err := s.db.Exec(
		`INSERT INTO readings (sensor_id, value, unit, recorded_at) VALUES (?, ?, ?, ?)`,
		r.SensorID, r.Value, r.Unit, r.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Recent returns the newest readings, optionally filtered by sensor ID.
func (s *Store) Recent(sensorID string, limit int) ([]Reading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if sensorID == "" {
		rows, err = s.db.Query(
			`SELECT sensor_id, value, unit, recorded_at FROM readings
			 ORDER BY recorded_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT sensor_id, value, unit, recorded_at FROM readings
			 WHERE sensor_id = ? ORDER BY recorded_at DESC LIMIT ?`, sensorID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		var unit sql.NullString
		if err := rows.Scan(&r.SensorID, &r.Value, &unit, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Unit = unit.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune drops readings older than the retention horizon.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM readings WHERE recorded_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
