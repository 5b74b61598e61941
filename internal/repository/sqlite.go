package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/sentinel/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	limits Limits
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string, limits Limits) (*SQLiteStore, error) {
	if limits.MaxCalls <= 0 {
		limits.MaxCalls = DefaultLimits.MaxCalls
	}
	if limits.MaxEvents <= 0 {
		limits.MaxEvents = DefaultLimits.MaxEvents
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db, limits: limits}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL UNIQUE,
			incident_id TEXT,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			params TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			elapsed_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_incident ON calls(incident_id, seq)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			agent TEXT,
			incident_id TEXT,
			ts DATETIME NOT NULL,
			data TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_incident ON events(incident_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendCall records a resolved call and trims the log to its limit.
func (s *SQLiteStore) AppendCall(ctx context.Context, call *domain.CallRecord) error {
	var completedAt sql.NullTime
	if call.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *call.CompletedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, incident_id, from_agent, to_agent, tool_name, params, status, result, error, started_at, completed_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.CallID, nullString(call.IncidentID), call.FromAgent, call.ToAgent, call.ToolName,
		nullStringBytes(call.Params), call.Status, nullStringBytes(call.Result), nullString(call.Error),
		call.StartedAt, completedAt, call.ElapsedMs)
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE seq <= (SELECT seq FROM calls ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
		s.limits.MaxCalls)
	if err != nil {
		return fmt.Errorf("failed to trim call log: %w", err)
	}
	return nil
}

const callColumns = `call_id, incident_id, from_agent, to_agent, tool_name, params, status, result, error, started_at, completed_at, elapsed_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*domain.CallRecord, error) {
	var c domain.CallRecord
	var incidentID, params, result, errText sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&c.CallID, &incidentID, &c.FromAgent, &c.ToAgent, &c.ToolName, &params,
		&c.Status, &result, &errText, &c.StartedAt, &completedAt, &c.ElapsedMs); err != nil {
		return nil, err
	}
	c.IncidentID = incidentID.String
	c.Error = errText.String
	if params.Valid {
		c.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		c.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

// GetCall retrieves a call by ID. Returns nil when the call is not in the log.
func (s *SQLiteStore) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE call_id = ?`, callID)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCalls returns calls newest first unless the filter asks for ascending order.
func (s *SQLiteStore) ListCalls(ctx context.Context, filter domain.CallFilter) ([]*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls`
	var args []any
	if filter.IncidentID != "" {
		query += ` WHERE incident_id = ?`
		args = append(args, filter.IncidentID)
	}
	if filter.Ascending {
		query += ` ORDER BY seq ASC`
	} else {
		query += ` ORDER BY seq DESC`
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	calls := []*domain.CallRecord{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CountCalls returns the number of calls in the log.
func (s *SQLiteStore) CountCalls(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&n)
	return n, err
}

// ClearCalls empties the call log and reports how many rows were removed.
func (s *SQLiteStore) ClearCalls(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calls`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AppendEvent journals an event and assigns its sequence number.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_type, agent, incident_id, ts, data) VALUES (?, ?, ?, ?, ?)`,
		event.EventType, nullString(event.Agent), nullString(event.IncidentID), event.Timestamp, nullStringBytes(event.Data))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	event.Seq = seq
	if seq > int64(s.limits.MaxEvents) {
		_, err = s.db.ExecContext(ctx, `DELETE FROM events WHERE seq <= ?`, seq-int64(s.limits.MaxEvents))
		if err != nil {
			return fmt.Errorf("failed to trim event journal: %w", err)
		}
	}
	return nil
}

// ListEvents returns journaled events in emission order. An empty incidentID
// lists every incident.
func (s *SQLiteStore) ListEvents(ctx context.Context, incidentID string, afterSeq int64, limit int) ([]domain.Event, error) {
	query := `SELECT seq, event_type, agent, incident_id, ts, data FROM events WHERE seq > ?`
	args := []any{afterSeq}
	if incidentID != "" {
		query += ` AND incident_id = ?`
		args = append(args, incidentID)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var evt domain.Event
		var agent, incident, data sql.NullString
		var ts time.Time
		if err := rows.Scan(&evt.Seq, &evt.EventType, &agent, &incident, &ts, &data); err != nil {
			return nil, err
		}
		evt.Agent = agent.String
		evt.IncidentID = incident.String
		evt.Timestamp = ts
		if data.Valid {
			evt.Data = json.RawMessage(data.String)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ClearEvents empties the journal.
func (s *SQLiteStore) ClearEvents(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events`)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
