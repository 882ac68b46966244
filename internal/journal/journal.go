// Package journal is the append-only audit trail of a session: every
// fill, exit, rejection, queue drop and lifecycle transition lands in
// sqlite, plus a per-trade rollup that feeds the end-of-session report.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"futures-session-bot-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// Event kinds recorded in the events table.
const (
	KindFill      = "fill"
	KindExit      = "exit"
	KindReject    = "reject"
	KindDrop      = "drop"
	KindLifecycle = "lifecycle"
)

// Journal wraps the sqlite connection. Safe for concurrent use; sqlite
// serializes writers internally and WAL keeps readers off their lock.
type Journal struct {
	db *sql.DB
}

// Open initializes the journal database and creates the tables.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}
	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create journal tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	// One row per session; ended_at and stop_reason are filled on close.
	createSessionsSQL := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		stop_reason TEXT
	);`
	if _, err := db.Exec(createSessionsSQL); err != nil {
		return err
	}

	// Append-only event log. detail is a JSON payload whose shape
	// depends on kind.
	createEventsSQL := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, kind);`
	if _, err := db.Exec(createEventsSQL); err != nil {
		return err
	}

	// Per-trade rollup accumulated from fills and exits. pnl is net of
	// exit fees; fees additionally counts entry fees.
	createTradesSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL DEFAULT 0,
		pnl REAL NOT NULL DEFAULT 0,
		fees REAL NOT NULL DEFAULT 0,
		opened_at INTEGER NOT NULL,
		closed_at INTEGER
	);`
	_, err := db.Exec(createTradesSQL)
	return err
}

// StartSession records the session row.
func (j *Journal) StartSession(sessionID, symbol string, startedAt time.Time) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, symbol, started_at) VALUES (?, ?, ?)`,
		sessionID, symbol, startedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sessionID, err)
	}
	return nil
}

// EndSession marks the session closed with its stop reason.
func (j *Journal) EndSession(sessionID, stopReason string, endedAt time.Time) error {
	_, err := j.db.Exec(
		`UPDATE sessions SET ended_at = ?, stop_reason = ? WHERE id = ?`,
		endedAt.UnixMilli(), stopReason, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	return nil
}

// Event appends a free-form event. detail is marshaled to JSON.
func (j *Journal) Event(sessionID, kind string, detail any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(
		`INSERT INTO events (session_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, kind, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", kind, err)
	}
	return nil
}

// RecordFill appends the fill event and accumulates the trade rollup in
// one transaction.
func (j *Journal) RecordFill(sessionID string, f *models.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin fill transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO events (session_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, KindFill, string(data), f.Time.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to append fill event: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO trades (trade_id, session_id, symbol, side, quantity, fees, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			quantity = quantity + excluded.quantity,
			fees = fees + excluded.fees`,
		f.TradeID, sessionID, f.Symbol, string(f.Side), f.Quantity, f.Fee, f.Time.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to roll up fill for trade %s: %w", f.TradeID, err)
	}
	return tx.Commit()
}

// RecordExit appends the exit event and accumulates realized PnL and
// fees into the trade rollup.
func (j *Journal) RecordExit(sessionID string, e *models.Exit) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin exit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO events (session_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, KindExit, string(data), e.Time.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to append exit event: %w", err)
	}

	// An externally observed exit may arrive for a trade restored from a
	// checkpoint in a prior session, so the upsert also covers insert.
	if _, err := tx.Exec(`
		INSERT INTO trades (trade_id, session_id, symbol, side, quantity, pnl, fees, opened_at, closed_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			pnl = pnl + excluded.pnl,
			fees = fees + excluded.fees,
			closed_at = excluded.closed_at`,
		e.TradeID, sessionID, e.Symbol, string(e.Side), e.PnL, e.Fee, e.Time.UnixMilli(), e.Time.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to roll up exit for trade %s: %w", e.TradeID, err)
	}
	return tx.Commit()
}

// Summary aggregates the trades of one session for the final report.
type Summary struct {
	Trades int     // closed trades
	Wins   int     // trades with positive net PnL
	NetPnL float64 // sum of net realized PnL
	Fees   float64 // total entry + exit fees
}

// WinRate returns wins over closed trades, 0 when no trade closed.
func (s *Summary) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// Summarize computes the rollup for one session. Open trades (no
// closed_at yet) are excluded from the count and win rate but their
// entry fees still count.
func (j *Journal) Summarize(sessionID string) (*Summary, error) {
	row := j.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN closed_at IS NOT NULL THEN 1 END),
			COUNT(CASE WHEN closed_at IS NOT NULL AND pnl > 0 THEN 1 END),
			COALESCE(SUM(pnl), 0),
			COALESCE(SUM(fees), 0)
		FROM trades WHERE session_id = ?`, sessionID)

	var s Summary
	if err := row.Scan(&s.Trades, &s.Wins, &s.NetPnL, &s.Fees); err != nil {
		return nil, fmt.Errorf("failed to summarize session %s: %w", sessionID, err)
	}
	return &s, nil
}

// Close flushes and closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
