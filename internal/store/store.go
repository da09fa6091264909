// Package store implements C14: a single-file embedded relational store
// for signals, outcomes, learner state, hourly baselines, and OI/funding
// snapshots, backed by SQLite in WAL journaling mode (§6, §13).
package store

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liquidwatch/internal/domain"
	"github.com/sawpanic/liquidwatch/internal/scoring"
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	direction TEXT NOT NULL,
	confidence REAL NOT NULL,
	entry_price REAL NOT NULL,
	stop_loss REAL NOT NULL,
	target_price REAL NOT NULL,
	exit_price REAL,
	outcome TEXT,
	pnl_pct REAL,
	metadata_json TEXT,
	created_at INTEGER NOT NULL,
	checked_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol);
CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at);
CREATE INDEX IF NOT EXISTS idx_signals_outcome ON signals(outcome);

CREATE TABLE IF NOT EXISTS confidence_state (
	signal_type TEXT PRIMARY KEY,
	win_rate REAL NOT NULL,
	history_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dashboard_coins (
	symbol TEXT PRIMARY KEY,
	active INTEGER NOT NULL,
	added_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hourly_baselines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	liq_volume REAL NOT NULL,
	trade_volume REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_baselines_symbol ON hourly_baselines(symbol);

CREATE TABLE IF NOT EXISTS oi_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	current_oi_usd REAL NOT NULL,
	previous_oi_usd REAL NOT NULL,
	oi_high_usd REAL NOT NULL,
	oi_low_usd REAL NOT NULL,
	oi_change_pct REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oi_symbol_time ON oi_snapshots(symbol, recorded_at);

CREATE TABLE IF NOT EXISTS funding_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	current_oi_usd REAL NOT NULL,
	previous_oi_usd REAL NOT NULL,
	oi_high_usd REAL NOT NULL,
	oi_low_usd REAL NOT NULL,
	oi_change_pct REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funding_symbol_time ON funding_snapshots(symbol, recorded_at);
`

// Store wraps a single SQLite connection configured for WAL journaling
// and NORMAL synchronous mode, per §6/§13.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open creates/migrates the database at path and returns a ready Store.
// A single connection is used throughout, matching the spec's single-
// writer discipline for an embedded file store.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}

	return &Store{db: db, timeout: timeout}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.timeout)
}

// PersistTracked upserts a tracked signal's current state (entry or
// terminal outcome) into the signals table.
func (s *Store) PersistTracked(ctx context.Context, t domain.TrackedSignal) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	meta, err := json.Marshal(t.Signal)
	if err != nil {
		return fmt.Errorf("store: marshal signal metadata: %w", err)
	}

	var outcome *string
	var exitPrice, pnlPct *float64
	var checkedAt *int64
	if t.Outcome != "" {
		o := string(t.Outcome)
		outcome = &o
		ep := t.ExitPrice
		exitPrice = &ep
		pnl := pnlPercent(t)
		pnlPct = &pnl
		ts := time.Now().Unix()
		checkedAt = &ts
	}

	query := `
		INSERT INTO signals
			(id, symbol, signal_type, direction, confidence, entry_price, stop_loss, target_price,
			 exit_price, outcome, pnl_pct, metadata_json, created_at, checked_at)
		VALUES (:id, :symbol, :signal_type, :direction, :confidence, :entry_price, :stop_loss, :target_price,
			 :exit_price, :outcome, :pnl_pct, :metadata_json, :created_at, :checked_at)
		ON CONFLICT(id) DO UPDATE SET
			exit_price = excluded.exit_price,
			outcome = excluded.outcome,
			pnl_pct = excluded.pnl_pct,
			checked_at = excluded.checked_at`

	_, err = s.db.NamedExecContext(ctx, query, map[string]any{
		"id":            t.ID,
		"symbol":        t.Signal.Symbol,
		"signal_type":   t.Signal.Type,
		"direction":     t.Signal.Direction,
		"confidence":    t.Signal.Confidence,
		"entry_price":   t.Entry,
		"stop_loss":     t.Stop,
		"target_price":  t.Target,
		"exit_price":    exitPrice,
		"outcome":       outcome,
		"pnl_pct":       pnlPct,
		"metadata_json": string(meta),
		"created_at":    time.Now().Unix(),
		"checked_at":    checkedAt,
	})
	if err != nil {
		return fmt.Errorf("store: persist tracked signal: %w", err)
	}
	return nil
}

func pnlPercent(t domain.TrackedSignal) float64 {
	if t.Entry == 0 {
		return 0
	}
	switch t.Signal.Direction {
	case domain.DirLong:
		return (t.ExitPrice - t.Entry) / t.Entry * 100
	case domain.DirShort:
		return (t.Entry - t.ExitPrice) / t.Entry * 100
	default:
		return 0
	}
}

// SaveLearnerState persists one signal type's confidence-learner state.
func (s *Store) SaveLearnerState(ctx context.Context, sigType domain.SignalType, state scoring.LearnerState) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	hist, err := json.Marshal(state.History)
	if err != nil {
		return fmt.Errorf("store: marshal learner history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO confidence_state (signal_type, win_rate, history_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(signal_type) DO UPDATE SET
			win_rate = excluded.win_rate,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at`,
		string(sigType), state.WinRate, string(hist), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: save learner state: %w", err)
	}
	return nil
}

// LoadLearnerStates restores every persisted confidence-learner state,
// keyed by signal type, for use on startup.
func (s *Store) LoadLearnerStates(ctx context.Context) (map[domain.SignalType]scoring.LearnerState, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `SELECT signal_type, win_rate, history_json FROM confidence_state`)
	if err != nil {
		return nil, fmt.Errorf("store: load learner states: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.SignalType]scoring.LearnerState)
	for rows.Next() {
		var sigType, histJSON string
		var winRate float64
		if err := rows.Scan(&sigType, &winRate, &histJSON); err != nil {
			return nil, fmt.Errorf("store: scan learner state: %w", err)
		}
		var hist []bool
		if err := json.Unmarshal([]byte(histJSON), &hist); err != nil {
			return nil, fmt.Errorf("store: unmarshal learner history: %w", err)
		}
		out[domain.SignalType(sigType)] = scoring.LearnerState{WinRate: winRate, History: hist}
	}
	return out, rows.Err()
}

// ReplaceDashboardCoins bulk-replaces the tracked coin list inside an
// explicit transaction, rolling back on any failure (§6/§13).
func (s *Store) ReplaceDashboardCoins(ctx context.Context, symbols []string, activeBySymbol map[string]bool) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dashboard_coins`); err != nil {
		return fmt.Errorf("store: clear dashboard_coins: %w", err)
	}

	now := time.Now().Unix()
	stmt, err := tx.PreparexContext(ctx, `INSERT INTO dashboard_coins (symbol, active, added_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare dashboard_coins insert: %w", err)
	}
	defer stmt.Close()

	for _, sym := range symbols {
		active := activeBySymbol[sym]
		if _, err := stmt.ExecContext(ctx, sym, active, now); err != nil {
			return fmt.Errorf("store: insert dashboard coin %s: %w", sym, err)
		}
	}

	return tx.Commit()
}

// ListDashboardCoins returns the persisted coin list.
func (s *Store) ListDashboardCoins(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `SELECT symbol, active FROM dashboard_coins`)
	if err != nil {
		return nil, fmt.Errorf("store: list dashboard coins: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var symbol string
		var active bool
		if err := rows.Scan(&symbol, &active); err != nil {
			return nil, fmt.Errorf("store: scan dashboard coin: %w", err)
		}
		out[symbol] = active
	}
	return out, rows.Err()
}

// SaveHourlyBaseline appends one rollup row (§3's per-symbol baseline).
func (s *Store) SaveHourlyBaseline(ctx context.Context, symbol string, liqVolume, tradeVolume float64, recordedAt time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hourly_baselines (symbol, liq_volume, trade_volume, recorded_at) VALUES (?, ?, ?, ?)`,
		symbol, liqVolume, tradeVolume, recordedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: save hourly baseline: %w", err)
	}
	return nil
}

// SaveOISnapshot appends an OI snapshot row (§4, C2/C4).
func (s *Store) SaveOISnapshot(ctx context.Context, symbol string, current, previous, high, low, changePct float64, recordedAt time.Time) error {
	return s.saveSnapshot(ctx, "oi_snapshots", symbol, current, previous, high, low, changePct, recordedAt)
}

// SaveFundingSnapshot appends a funding snapshot row (§4, C2/C4).
func (s *Store) SaveFundingSnapshot(ctx context.Context, symbol string, current, previous, high, low, changePct float64, recordedAt time.Time) error {
	return s.saveSnapshot(ctx, "funding_snapshots", symbol, current, previous, high, low, changePct, recordedAt)
}

func (s *Store) saveSnapshot(ctx context.Context, table, symbol string, current, previous, high, low, changePct float64, recordedAt time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := fmt.Sprintf(
		`INSERT INTO %s (symbol, current_oi_usd, previous_oi_usd, oi_high_usd, oi_low_usd, oi_change_pct, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, table)
	_, err := s.db.ExecContext(ctx, query, symbol, current, previous, high, low, changePct, recordedAt.Unix())
	if err != nil {
		return fmt.Errorf("store: save %s: %w", table, err)
	}
	return nil
}

// Cleanup deletes hourly baselines older than 72h and OI/funding
// snapshots older than 168h (§6/§13).
func (s *Store) Cleanup(ctx context.Context, now time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	baselineCutoff := now.Add(-72 * time.Hour).Unix()
	snapshotCutoff := now.Add(-168 * time.Hour).Unix()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM hourly_baselines WHERE recorded_at < ?`, baselineCutoff); err != nil {
		return fmt.Errorf("store: cleanup hourly_baselines: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oi_snapshots WHERE recorded_at < ?`, snapshotCutoff); err != nil {
		return fmt.Errorf("store: cleanup oi_snapshots: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM funding_snapshots WHERE recorded_at < ?`, snapshotCutoff); err != nil {
		return fmt.Errorf("store: cleanup funding_snapshots: %w", err)
	}

	log.Debug().Time("now", now).Msg("store: periodic cleanup complete")
	return nil
}

// RecentSignals returns up to limit persisted signals, most recent first.
func (s *Store) RecentSignals(ctx context.Context, limit int) ([]SignalRow, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var rows []SignalRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, symbol, signal_type, direction, confidence, entry_price, stop_loss,
		        target_price, exit_price, outcome, pnl_pct, created_at, checked_at
		 FROM signals ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent signals: %w", err)
	}
	return rows, nil
}

// SignalRow is the flat persisted representation of a signals table row.
type SignalRow struct {
	ID          string   `db:"id"`
	Symbol      string   `db:"symbol"`
	SignalType  string   `db:"signal_type"`
	Direction   string   `db:"direction"`
	Confidence  float64  `db:"confidence"`
	EntryPrice  float64  `db:"entry_price"`
	StopLoss    float64  `db:"stop_loss"`
	TargetPrice float64  `db:"target_price"`
	ExitPrice   *float64 `db:"exit_price"`
	Outcome     *string  `db:"outcome"`
	PnlPct      *float64 `db:"pnl_pct"`
	CreatedAt   int64    `db:"created_at"`
	CheckedAt   *int64   `db:"checked_at"`
}

// ExportSignalsCSV streams up to 5000 persisted signals as CSV, epoch
// timestamps converted to human UTC stamps (§6/§13).
func (s *Store) ExportSignalsCSV(ctx context.Context, w io.Writer) error {
	rows, err := s.RecentSignals(ctx, 5000)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"id", "symbol", "signal_type", "direction", "confidence",
		"entry_price", "stop_loss", "target_price", "exit_price", "outcome", "pnl_pct",
		"created_at", "checked_at"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("store: write csv header: %w", err)
	}

	for _, r := range rows {
		record := []string{
			r.ID, r.Symbol, r.SignalType, r.Direction,
			fmt.Sprintf("%.2f", r.Confidence),
			fmt.Sprintf("%.6f", r.EntryPrice),
			fmt.Sprintf("%.6f", r.StopLoss),
			fmt.Sprintf("%.6f", r.TargetPrice),
			optFloatStr(r.ExitPrice),
			optStr(r.Outcome),
			optFloatStr(r.PnlPct),
			time.Unix(r.CreatedAt, 0).UTC().Format(time.RFC3339),
			optTimeStr(r.CheckedAt),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("store: write csv row: %w", err)
		}
	}
	return nil
}

func optFloatStr(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%.6f", *f)
}

func optStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optTimeStr(ts *int64) string {
	if ts == nil {
		return ""
	}
	return time.Unix(*ts, 0).UTC().Format(time.RFC3339)
}

// ExportBaselinesCSV streams all hourly baseline rows as CSV.
func (s *Store) ExportBaselinesCSV(ctx context.Context, w io.Writer) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT symbol, liq_volume, trade_volume, recorded_at FROM hourly_baselines ORDER BY recorded_at DESC LIMIT 5000`)
	if err != nil {
		return fmt.Errorf("store: query baselines: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	defer cw.Flush()
	if err := cw.Write([]string{"symbol", "liq_volume", "trade_volume", "recorded_at"}); err != nil {
		return fmt.Errorf("store: write csv header: %w", err)
	}

	for rows.Next() {
		var symbol string
		var liqVol, tradeVol float64
		var recordedAt int64
		if err := rows.Scan(&symbol, &liqVol, &tradeVol, &recordedAt); err != nil {
			return fmt.Errorf("store: scan baseline row: %w", err)
		}
		record := []string{
			symbol,
			fmt.Sprintf("%.6f", liqVol),
			fmt.Sprintf("%.6f", tradeVol),
			time.Unix(recordedAt, 0).UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("store: write csv baseline row: %w", err)
		}
	}
	return rows.Err()
}

// SignalStats aggregates counts for the dashboard's signal stats endpoint.
type SignalStats struct {
	Total int64
	Wins  int64
	Losses int64
	Neutrals int64
}

// SignalStatsBySymbol returns aggregate outcome counts grouped by symbol.
func (s *Store) SignalStatsBySymbol(ctx context.Context) (map[string]SignalStats, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT symbol,
		       COUNT(*) as total,
		       SUM(CASE WHEN outcome = 'WIN' THEN 1 ELSE 0 END) as wins,
		       SUM(CASE WHEN outcome = 'LOSS' THEN 1 ELSE 0 END) as losses,
		       SUM(CASE WHEN outcome = 'NEUTRAL' THEN 1 ELSE 0 END) as neutrals
		FROM signals GROUP BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("store: signal stats by symbol: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SignalStats)
	for rows.Next() {
		var symbol string
		var stats SignalStats
		if err := rows.Scan(&symbol, &stats.Total, &stats.Wins, &stats.Losses, &stats.Neutrals); err != nil {
			return nil, fmt.Errorf("store: scan signal stats: %w", err)
		}
		out[symbol] = stats
	}
	return out, rows.Err()
}
