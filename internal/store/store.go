// Package store implements the engine's append-only event log and its
// restart-time stats rebuild. The core treats the log as opaque on the
// write path and only reads it back once, at startup, to rebuild today's
// realized PnL and filled-trade count.
//
// Uses a database/sql-based store (CREATE TABLE IF NOT EXISTS, a
// *sql.DB-backed struct with narrow typed methods) over
// modernc.org/sqlite, a pure-Go sqlite driver requiring no cgo.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// EventKind enumerates the observable events the core emits.
type EventKind string

const (
	EventSetupAdmitted EventKind = "setup_admitted"
	EventEntryFilled   EventKind = "entry_filled"
	EventStopReplaced  EventKind = "stop_replaced"
	EventExit          EventKind = "exit"
	EventForceClose    EventKind = "force_close"
)

// Event is one row of the append-only log.
type Event struct {
	Timestamp     time.Time
	Symbol        string
	Side          string
	Size          float64
	Price         float64
	Fees          float64
	RealizedPnL   *float64
	Kind          EventKind
	ParentOrderID string
}

// Stats is the restart-time rollup the core reads back on startup.
type Stats struct {
	TradingDate      time.Time
	RealizedPnL      float64
	FilledTradeCount int
	Wins             int
	Losses           int
}

// EventRecorder is the narrow interface the Coordinator and Position
// Manager depend on; the core never queries the store except via Stats.
type EventRecorder interface {
	Record(e Event) error
	Stats(tradingDate time.Time) (Stats, error)
	RecentTrades(tradingDate time.Time, limit int) ([]Event, error)
	Close() error
}

// SQLiteStore is an EventRecorder backed by modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the event log at path and ensures its schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			ts             DATETIME NOT NULL,
			trading_date   DATE NOT NULL,
			symbol         TEXT NOT NULL,
			side           TEXT NOT NULL DEFAULT '',
			size           REAL NOT NULL DEFAULT 0,
			price          REAL NOT NULL DEFAULT 0,
			fees           REAL NOT NULL DEFAULT 0,
			realized_pnl   REAL,
			event_kind     TEXT NOT NULL,
			parent_order_id TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_trading_date ON events(trading_date)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_symbol ON events(symbol)`)
	return nil
}

// Record appends one event. Never mutated or deleted afterward.
func (s *SQLiteStore) Record(e Event) error {
	_, err := s.db.Exec(`
		INSERT INTO events (ts, trading_date, symbol, side, size, price, fees, realized_pnl, event_kind, parent_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Timestamp.UTC(), e.Timestamp.Format("2006-01-02"), e.Symbol, e.Side,
		e.Size, e.Price, e.Fees, e.RealizedPnL, string(e.Kind), e.ParentOrderID,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Stats rebuilds today's realized PnL, filled-trade count, and win/loss
// tally from the event log; cmd/gapbot calls it at startup.
func (s *SQLiteStore) Stats(tradingDate time.Time) (Stats, error) {
	row := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(realized_pnl), 0),
			COUNT(*) FILTER (WHERE realized_pnl IS NOT NULL),
			COUNT(*) FILTER (WHERE realized_pnl > 0),
			COUNT(*) FILTER (WHERE realized_pnl < 0)
		FROM events
		WHERE trading_date = ? AND event_kind = ?
	`, tradingDate.Format("2006-01-02"), string(EventExit))

	var st Stats
	st.TradingDate = tradingDate
	if err := row.Scan(&st.RealizedPnL, &st.FilledTradeCount, &st.Wins, &st.Losses); err != nil {
		return Stats{}, fmt.Errorf("rebuild stats: %w", err)
	}
	return st, nil
}

// RecentTrades returns the most recent exit events for tradingDate, newest
// first, capped at limit.
func (s *SQLiteStore) RecentTrades(tradingDate time.Time, limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT ts, symbol, side, size, price, fees, realized_pnl, event_kind, parent_order_id
		FROM events
		WHERE trading_date = ? AND event_kind = ?
		ORDER BY ts DESC
		LIMIT ?
	`, tradingDate.Format("2006-01-02"), string(EventExit), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&e.Timestamp, &e.Symbol, &e.Side, &e.Size, &e.Price, &e.Fees, &e.RealizedPnL, &kind, &e.ParentOrderID); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		e.Kind = EventKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ EventRecorder = (*SQLiteStore)(nil)
