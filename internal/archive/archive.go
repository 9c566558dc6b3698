// Package archive journals accepted progress events in a local SQLite file so
// a finished processing cycle can be inspected after its stream is gone.
package archive

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"AnalystChat/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed progress event journal
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the archive at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; the read loops of several channels may record concurrently.
	db.SetMaxOpenConns(1)

	createEventsTable := `
	CREATE TABLE IF NOT EXISTS progress_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		step TEXT NOT NULL,
		step_number INTEGER,
		total_steps INTEGER,
		message TEXT,
		event_timestamp TEXT NOT NULL,
		received_at DATETIME,
		UNIQUE(session_id, event_timestamp, step)
	);`

	createSessionIndex := `
	CREATE INDEX IF NOT EXISTS idx_progress_events_session
		ON progress_events(session_id, id);`

	if _, err := db.Exec(createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create progress_events table: %w", err)
	}

	if _, err := db.Exec(createSessionIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create progress_events index: %w", err)
	}

	logger.Info("progress archive opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Record stores one accepted event. Re-recording the same (timestamp, step)
// for a session is a no-op.
func (s *Store) Record(sessionID string, ev session.ProgressEvent) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO progress_events
			(session_id, step, step_number, total_steps, message, event_timestamp, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ev.Step, nullableInt(ev.StepNumber), nullableInt(ev.TotalSteps), ev.Message, ev.Timestamp, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record progress event: %w", err)
	}
	return nil
}

// History returns the archived events of a session in arrival order
func (s *Store) History(sessionID string) ([]session.ProgressEvent, error) {
	rows, err := s.db.Query(
		`SELECT step, step_number, total_steps, message, event_timestamp
		FROM progress_events WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress events: %w", err)
	}
	defer rows.Close()

	events := []session.ProgressEvent{}
	for rows.Next() {
		var ev session.ProgressEvent
		var stepNumber, totalSteps sql.NullInt64
		var message sql.NullString
		if err := rows.Scan(&ev.Step, &stepNumber, &totalSteps, &message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}
		ev.StepNumber = intFromNull(stepNumber)
		ev.TotalSteps = intFromNull(totalSteps)
		ev.Message = message.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read progress events: %w", err)
	}
	return events, nil
}

// Purge drops every archived event of a session
func (s *Store) Purge(sessionID string) error {
	res, err := s.db.Exec("DELETE FROM progress_events WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to purge progress events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.logger.Debug("purged archived progress, count unavailable", "session_id", sessionID, "error", err)
		return nil
	}
	s.logger.Info("purged archived progress", "session_id", sessionID, "events", n)
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
