package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps call history in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY under concurrent call completion
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call history: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
            call_id TEXT PRIMARY KEY,
            to_number TEXT,
            goal TEXT,
            customer_number TEXT,
            status TEXT,
            ended_reason TEXT,
            summary TEXT,
            transcript_json TEXT,
            abandoned INTEGER,
            cost REAL,
            started_at TIMESTAMP,
            ended_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_calls_ended ON calls(ended_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	lines, err := json.Marshal(r.Transcript)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO calls(call_id, to_number, goal, customer_number, status, ended_reason, summary, transcript_json, abandoned, cost, started_at, ended_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(call_id) DO UPDATE SET status=excluded.status, ended_reason=excluded.ended_reason, summary=excluded.summary,
            transcript_json=excluded.transcript_json, abandoned=excluded.abandoned, cost=excluded.cost, ended_at=excluded.ended_at`,
		r.CallID, r.To, r.Goal, r.CustomerNumber, r.Status, r.EndedReason, r.Summary, string(lines), r.Abandoned, r.Cost, r.StartedAt.UTC(), r.EndedAt.UTC())
	return err
}

const selectColumns = `call_id, to_number, goal, customer_number, status, ended_reason, summary, transcript_json, abandoned, cost, started_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var lines string
	if err := row.Scan(&r.CallID, &r.To, &r.Goal, &r.CustomerNumber, &r.Status, &r.EndedReason, &r.Summary,
		&lines, &r.Abandoned, &r.Cost, &r.StartedAt, &r.EndedAt); err != nil {
		return Record{}, err
	}
	if lines != "" {
		if err := json.Unmarshal([]byte(lines), &r.Transcript); err != nil {
			return Record{}, fmt.Errorf("decode transcript of %s: %w", r.CallID, err)
		}
	}
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, callID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM calls WHERE call_id=?`, callID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM calls ORDER BY ended_at DESC, call_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
