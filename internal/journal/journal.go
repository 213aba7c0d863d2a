// Package journal writes an audit trail of every order transition and
// run outcome to SQLite. The journal is write-mostly: the engine never
// reads it back at runtime, it exists for post-mortems and reporting.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/algobot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal is a SQLite-backed audit log.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and if needed creates) the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping journal database: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Migrate creates the journal schema.
func (j *Journal) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			intent_id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			venue_order_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			kind TEXT NOT NULL,
			quantity TEXT NOT NULL,
			limit_price TEXT,
			stop_price TEXT,
			status TEXT NOT NULL,
			filled_quantity TEXT NOT NULL DEFAULT '0',
			avg_fill_price TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_strategy_id ON orders(strategy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,

		`CREATE TABLE IF NOT EXISTS runs (
			strategy_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			summary TEXT,
			error TEXT,
			child_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// OrderUpdated upserts the latest view of one order. It implements the
// tracker's observer hook; failures are logged, never propagated, so a
// full disk cannot stall order flow.
func (j *Journal) OrderUpdated(intent types.OrderIntent, rec types.OrderRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	query := `INSERT INTO orders
		(intent_id, strategy_id, venue_order_id, symbol, side, kind, quantity,
		 limit_price, stop_price, status, filled_quantity, avg_fill_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(intent_id) DO UPDATE SET
			venue_order_id = excluded.venue_order_id,
			status = excluded.status,
			filled_quantity = excluded.filled_quantity,
			avg_fill_price = excluded.avg_fill_price,
			updated_at = CURRENT_TIMESTAMP`

	_, err := j.db.ExecContext(ctx, query,
		intent.ID,
		intent.StrategyID,
		rec.VenueOrderID,
		intent.Symbol,
		intent.Side.String(),
		intent.Kind.String(),
		intent.Quantity.String(),
		intent.LimitPrice.String(),
		intent.StopPrice.String(),
		rec.Status.String(),
		rec.FilledQuantity.String(),
		rec.AvgFillPrice.String(),
		intent.CreatedAt,
	)
	if err != nil {
		j.logger.Error("journal order write failed",
			"intent_id", intent.ID,
			"err", err,
		)
	}
}

// RecordRunStarted inserts a new run row.
func (j *Journal) RecordRunStarted(ctx context.Context, snap types.RunSnapshot) error {
	query := `INSERT OR REPLACE INTO runs
		(strategy_id, kind, state, summary, error, child_count, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		snap.StrategyID,
		snap.Kind.String(),
		snap.State.String(),
		snap.Summary,
		snap.Err,
		len(snap.Children),
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordRunFinished stamps a run's terminal state.
func (j *Journal) RecordRunFinished(ctx context.Context, snap types.RunSnapshot) error {
	query := `UPDATE runs SET
			state = ?,
			summary = ?,
			error = ?,
			child_count = ?,
			finished_at = ?
		WHERE strategy_id = ?`

	res, err := j.db.ExecContext(ctx, query,
		snap.State.String(),
		snap.Summary,
		snap.Err,
		len(snap.Children),
		snap.UpdatedAt,
		snap.StrategyID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update run: %w", types.ErrRunNotFound)
	}
	return nil
}

// OrderHistory returns the journaled orders for one run, oldest first.
func (j *Journal) OrderHistory(ctx context.Context, strategyID string) ([]OrderEntry, error) {
	query := `SELECT intent_id, venue_order_id, symbol, side, kind, quantity,
			status, filled_quantity, created_at
		FROM orders WHERE strategy_id = ? ORDER BY created_at, intent_id`

	rows, err := j.db.QueryContext(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query order history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OrderEntry
	for rows.Next() {
		var e OrderEntry
		var venueID sql.NullString
		if err := rows.Scan(&e.IntentID, &venueID, &e.Symbol, &e.Side, &e.Kind,
			&e.Quantity, &e.Status, &e.FilledQuantity, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		e.VenueOrderID = venueID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OrderEntry is one journaled order row.
type OrderEntry struct {
	IntentID       string
	VenueOrderID   string
	Symbol         string
	Side           string
	Kind           string
	Quantity       string
	Status         string
	FilledQuantity string
	CreatedAt      time.Time
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
