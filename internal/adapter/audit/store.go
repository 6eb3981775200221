package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"equitylens/internal/domain"
)

// Store persists completed research sessions to SQLite. Every session is
// one row; the per-iteration cycles and per-agent failures are stored as
// JSON columns so the schema survives changes to the cycle shape.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			workflow_id       TEXT NOT NULL,
			query             TEXT NOT NULL,
			mode              TEXT NOT NULL,
			started_at        TEXT NOT NULL,
			finished_at       TEXT NOT NULL,
			cycles            TEXT NOT NULL DEFAULT '[]',
			final_report      TEXT NOT NULL DEFAULT '',
			momentum_analysis TEXT NOT NULL DEFAULT '',
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			failures          TEXT NOT NULL DEFAULT '{}'
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession writes a finished session and returns the record id.
func (s *Store) SaveSession(ctx context.Context, result *domain.SessionResult) (string, error) {
	cyclesJSON, err := json.Marshal(result.Cycles)
	if err != nil {
		return "", domain.NewDomainError("audit.SaveSession", domain.ErrAuditWrite, err.Error())
	}

	failuresJSON, err := json.Marshal(result.Failures)
	if err != nil {
		return "", domain.NewDomainError("audit.SaveSession", domain.ErrAuditWrite, err.Error())
	}

	id := newRecordID(result.FinishedAt)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, workflow_id, query, mode, started_at, finished_at,
			cycles, final_report, momentum_analysis,
			prompt_tokens, completion_tokens, total_tokens, failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, result.WorkflowID, result.Query, string(result.Mode),
		result.StartedAt.UTC().Format(time.RFC3339Nano),
		result.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(cyclesJSON), result.FinalReport, result.MomentumAnalysis,
		result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens,
		string(failuresJSON),
	)
	if err != nil {
		return "", domain.NewDomainError("audit.SaveSession", domain.ErrAuditWrite, err.Error())
	}
	return id, nil
}

// SessionRecord is the stored form of a session returned by queries.
type SessionRecord struct {
	ID          string
	WorkflowID  string
	Query       string
	Mode        domain.Mode
	StartedAt   time.Time
	FinishedAt  time.Time
	Cycles      []domain.ResearchCycle
	FinalReport string
	Usage       domain.Usage
	Failures    map[string]string
}

// RecentSessions returns the most recent sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, query, mode, started_at, finished_at,
		       cycles, final_report, prompt_tokens, completion_tokens, total_tokens, failures
		FROM sessions ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var mode, startedStr, finishedStr, cyclesStr, failuresStr string
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.Query, &mode, &startedStr, &finishedStr,
			&cyclesStr, &r.FinalReport,
			&r.Usage.PromptTokens, &r.Usage.CompletionTokens, &r.Usage.TotalTokens,
			&failuresStr); err != nil {
			return nil, err
		}
		r.Mode = domain.Mode(mode)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr)
		if err := json.Unmarshal([]byte(cyclesStr), &r.Cycles); err != nil {
			return nil, fmt.Errorf("unmarshal session cycles: %w", err)
		}
		if err := json.Unmarshal([]byte(failuresStr), &r.Failures); err != nil {
			return nil, fmt.Errorf("unmarshal session failures: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func newRecordID(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
