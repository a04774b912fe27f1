// Package history keeps an optional local archive of everything the
// bridge emitted to the platform, backed by sqlite. Records are queued to
// a background writer so the archive never sits on the poll path.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"modbus-bridge/internal/logger"
)

// Record is one archived emission.
type Record struct {
	DeviceKey string    `json:"device_key"`
	Reference string    `json:"reference"`
	Value     string    `json:"value"`
	Kind      string    `json:"kind"` // reading | attribute | status
	Timestamp time.Time `json:"timestamp"`
}

// Archive wraps the sqlite connection and the background writer.
type Archive struct {
	db     *sql.DB
	q      chan Record
	closed chan struct{}
}

// Open creates or opens the archive database and starts the writer.
func Open(path string, queueSize int) (*Archive, error) {
	if queueSize <= 0 {
		queueSize = 1000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	a := &Archive{
		db:     db,
		q:      make(chan Record, queueSize),
		closed: make(chan struct{}),
	}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	go a.writer()
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS emissions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_key TEXT NOT NULL,
    reference TEXT NOT NULL,
    value TEXT NOT NULL,
    kind TEXT NOT NULL,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_emissions_device_key ON emissions(device_key);
CREATE INDEX IF NOT EXISTS idx_emissions_reference ON emissions(device_key, reference);
CREATE INDEX IF NOT EXISTS idx_emissions_timestamp ON emissions(timestamp);
`
	_, err := a.db.Exec(schema)
	return err
}

// Add enqueues one record. Best effort: a full queue drops the record
// with a warning rather than stalling the caller.
func (a *Archive) Add(rec Record) {
	select {
	case a.q <- rec:
	default:
		logger.Warn("history queue full, dropping record",
			zap.String("device", rec.DeviceKey),
			zap.String("reference", rec.Reference))
	}
}

func (a *Archive) writer() {
	for rec := range a.q {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, err := a.db.ExecContext(ctx,
			`INSERT INTO emissions (device_key, reference, value, kind, timestamp) VALUES (?, ?, ?, ?, ?)`,
			rec.DeviceKey, rec.Reference, rec.Value, rec.Kind, rec.Timestamp)
		cancel()
		if err != nil {
			logger.Warn("failed to archive record", zap.Error(err))
		}
	}
	close(a.closed)
}

// Close drains the queue and closes the database.
func (a *Archive) Close() error {
	close(a.q)
	<-a.closed
	return a.db.Close()
}

// Latest returns the most recent record per reference for one device.
func (a *Archive) Latest(ctx context.Context, deviceKey string) ([]Record, error) {
	const q = `
WITH latest AS (
  SELECT reference, MAX(timestamp) AS ts
  FROM emissions
  WHERE device_key = ?
  GROUP BY reference
)
SELECT e.device_key, e.reference, e.value, e.kind, e.timestamp
FROM emissions e
JOIN latest l ON l.reference = e.reference AND l.ts = e.timestamp
WHERE e.device_key = ?
ORDER BY e.reference;
`
	rows, err := a.db.QueryContext(ctx, q, deviceKey, deviceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.DeviceKey, &r.Reference, &r.Value, &r.Kind, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExportJSON writes the latest record per reference for one device as a
// JSON array.
func (a *Archive) ExportJSON(ctx context.Context, deviceKey string, w io.Writer) error {
	records, err := a.Latest(ctx, deviceKey)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
