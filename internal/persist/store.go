// Package persist provides SQLite-backed storage for candles, reference
// levels, signals, and trades, plus the crash-recovery queries the bot runs
// at startup.
package persist

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"symmetry-trader/internal/types"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database. Writes are idempotent so a replay after a
// crash converges to the same rows.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath and migrates the schema.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "symmetry-trader", "trader.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			instrument TEXT NOT NULL,
			start      INTEGER NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     REAL NOT NULL,
			oi         REAL NOT NULL,
			PRIMARY KEY (instrument, start)
		)`,
		`CREATE TABLE IF NOT EXISTS reference_levels (
			id           TEXT PRIMARY KEY,
			index_name   TEXT NOT NULL,
			direction    TEXT NOT NULL,
			index_price  REAL NOT NULL,
			call_price   REAL NOT NULL,
			put_price    REAL NOT NULL,
			call_key     TEXT NOT NULL,
			put_key      TEXT NOT NULL,
			confirmed_at INTEGER NOT NULL,
			epoch        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id           TEXT PRIMARY KEY,
			index_name   TEXT NOT NULL,
			direction    TEXT NOT NULL,
			triggered_at INTEGER NOT NULL,
			level_id     TEXT NOT NULL,
			index_price  REAL NOT NULL,
			option_price REAL NOT NULL,
			score        INTEGER NOT NULL,
			call_key     TEXT NOT NULL,
			put_key      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			signal_id         TEXT PRIMARY KEY,
			index_name        TEXT NOT NULL,
			direction         TEXT NOT NULL,
			option_key        TEXT NOT NULL,
			call_key          TEXT NOT NULL,
			put_key           TEXT NOT NULL,
			quantity          INTEGER NOT NULL,
			entry_price       REAL NOT NULL,
			entry_index_price REAL NOT NULL,
			stop_price        REAL NOT NULL,
			level_index_price REAL NOT NULL DEFAULT 0,
			level_option_price REAL NOT NULL DEFAULT 0,
			opened_at         INTEGER NOT NULL,
			closed_at         INTEGER,
			exit_price        REAL,
			close_reason      TEXT NOT NULL DEFAULT '',
			realized_pnl      REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_levels_confirmed ON reference_levels(index_name, confirmed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveCandle upserts one closed candle.
func (s *Store) SaveCandle(c types.Candle) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO candles (instrument, start, open, high, low, close, volume, oi)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.Instrument, c.Start.UnixNano(), c.Open, c.High, c.Low, c.Close, c.Volume, c.OI,
	)
	if err != nil {
		return fmt.Errorf("failed to save candle: %w", err)
	}
	return nil
}

// SaveLevel upserts one confirmed reference level.
func (s *Store) SaveLevel(l types.ReferenceLevel) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO reference_levels
			(id, index_name, direction, index_price, call_price, put_price,
			 call_key, put_key, confirmed_at, epoch)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.IndexName, string(l.Direction), l.IndexPrice, l.CallPrice, l.PutPrice,
		l.CallKey, l.PutKey, l.ConfirmedAt.UnixNano(), l.Epoch,
	)
	if err != nil {
		return fmt.Errorf("failed to save level: %w", err)
	}
	return nil
}

// SaveSignal upserts one accepted signal.
func (s *Store) SaveSignal(sig types.Signal) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO signals
			(id, index_name, direction, triggered_at, level_id,
			 index_price, option_price, score, call_key, put_key)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sig.ID, sig.IndexName, string(sig.Direction), sig.TriggeredAt.UnixNano(), sig.LevelID,
		sig.IndexPrice, sig.OptionPrice, sig.Score, sig.CallKey, sig.PutKey,
	)
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

// SaveTrade upserts the full position record; it is written on open, on every
// stop move, and on close, so the row always reflects the latest state.
func (s *Store) SaveTrade(p types.Position) error {
	var closedAt any
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt.UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO trades
			(signal_id, index_name, direction, option_key, call_key, put_key,
			 quantity, entry_price, entry_index_price, stop_price,
			 level_index_price, level_option_price,
			 opened_at, closed_at, exit_price, close_reason, realized_pnl)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.SignalID, p.IndexName, string(p.Direction), p.OptionKey, p.CallKey, p.PutKey,
		p.Quantity, p.EntryPrice, p.EntryIndexPrice, p.StopPrice,
		p.LevelIndexPrice, p.LevelOptionPrice,
		p.OpenedAt.UnixNano(), closedAt, p.ExitPrice, string(p.CloseReason), p.RealizedPnL,
	)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

const tradeCols = `signal_id, index_name, direction, option_key, call_key, put_key,
	quantity, entry_price, entry_index_price, stop_price,
	level_index_price, level_option_price,
	opened_at, closed_at, exit_price, close_reason, realized_pnl`

func scanTrade(scan func(...any) error) (types.Position, error) {
	var p types.Position
	var direction, reason string
	var openedAt int64
	var closedAt sql.NullInt64
	var exitPrice sql.NullFloat64
	err := scan(
		&p.SignalID, &p.IndexName, &direction, &p.OptionKey, &p.CallKey, &p.PutKey,
		&p.Quantity, &p.EntryPrice, &p.EntryIndexPrice, &p.StopPrice,
		&p.LevelIndexPrice, &p.LevelOptionPrice,
		&openedAt, &closedAt, &exitPrice, &reason, &p.RealizedPnL,
	)
	if err != nil {
		return types.Position{}, err
	}
	p.Direction = types.Direction(direction)
	p.CloseReason = types.CloseReason(reason)
	p.OpenedAt = time.Unix(0, openedAt)
	if closedAt.Valid {
		p.ClosedAt = time.Unix(0, closedAt.Int64)
	}
	if exitPrice.Valid {
		p.ExitPrice = exitPrice.Float64
	}
	return p, nil
}

// OpenPositions returns every trade that has not been closed, for recovery
// after a restart.
func (s *Store) OpenPositions() ([]types.Position, error) {
	rows, err := s.db.Query(`SELECT ` + tradeCols + ` FROM trades WHERE close_reason = ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()
	var out []types.Position
	for rows.Next() {
		p, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RealizedPnLToday sums the realized P&L of trades closed within the given
// day window, used to rehydrate the daily-loss latch.
func (s *Store) RealizedPnLToday(dayStart, dayEnd time.Time) (float64, error) {
	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(realized_pnl), 0) FROM trades
		WHERE close_reason != '' AND closed_at >= ? AND closed_at < ?`,
		dayStart.UnixNano(), dayEnd.UnixNano())
	var pnl float64
	if err := row.Scan(&pnl); err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return pnl, nil
}

// ClosedTrades returns every closed trade in close order, for reporting.
func (s *Store) ClosedTrades() ([]types.Position, error) {
	rows, err := s.db.Query(`SELECT ` + tradeCols + ` FROM trades WHERE close_reason != '' ORDER BY closed_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()
	var out []types.Position
	for rows.Next() {
		p, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Candles returns the stored candles for one instrument between start and
// end, in time order, for gap backfill after a pause.
func (s *Store) Candles(instrument string, start, end time.Time) ([]types.Candle, error) {
	rows, err := s.db.Query(`
		SELECT instrument, start, open, high, low, close, volume, oi
		FROM candles WHERE instrument = ? AND start >= ? AND start < ?
		ORDER BY start`,
		instrument, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()
	var out []types.Candle
	for rows.Next() {
		var c types.Candle
		var startNano int64
		if err := rows.Scan(&c.Instrument, &startNano, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.OI); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Start = time.Unix(0, startNano)
		out = append(out, c)
	}
	return out, rows.Err()
}
