package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// Order represents an order submitted to the broker.
type Order struct {
	ID         string
	InstanceID string
	TaskID     string
	Symbol     string
	Side       string
	Type       string
	Price      float64
	Qty        float64
	FilledQty  float64
	Leverage   float64
	ReduceOnly bool
	Status     string
	CreatedAt  time.Time
}

// Trade represents a fill stored in the DB.
type Trade struct {
	ID         string
	OrderID    string
	InstanceID string
	Symbol     string
	Side       string
	Price      float64
	Qty        float64
	Fee        float64
	CreatedAt  time.Time
}

// LifecyclePosition is the persisted snapshot of an open lifecycle position.
type LifecyclePosition struct {
	Symbol        string
	Side          string
	EntryPrice    float64
	Qty           float64
	Leverage      float64
	InitialStop   float64
	CurrentStop   float64
	ActivationPct float64
	BarsHeld      int
	HighWater     float64
	LowWater      float64
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// RiskMetrics is one day of aggregated risk counters.
type RiskMetrics struct {
	Date              string
	DailyPnL          float64
	DailyTrades       int
	DailyWins         int
	DailyLosses       float64
	ConsecutiveLosses int
	TotalRealizedPnL  float64
	PeakEquity        float64
	DrawdownPct       float64
	UpdatedAt         time.Time
}

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Type == "" {
		o.Type = "MARKET"
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, instance_id, task_id, symbol, side, type, price, qty, filled_qty, leverage, reduce_only, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.InstanceID, o.TaskID, o.Symbol, o.Side, o.Type, o.Price, o.Qty, o.FilledQty, o.Leverage, boolToInt(o.ReduceOnly), o.Status, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// CreateTrade inserts a new trade row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, order_id, instance_id, symbol, side, price, qty, fee, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.OrderID, t.InstanceID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// UpdateOrderFill sets status, filled quantity and fill price.
func (d *Database) UpdateOrderFill(ctx context.Context, id, status string, filledQty, price float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, price = ?
		WHERE id = ?
	`, status, filledQty, price, id)
	return err
}

// UpdateOrderStatus sets the status of an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id, status string) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, status, id)
	return err
}

// ListOrders returns the most recent orders of an instance, newest first.
// An empty instanceID lists every instance.
func (d *Database) ListOrders(ctx context.Context, instanceID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, instance_id, task_id, symbol, side, type, price, qty,
		       COALESCE(filled_qty, 0), COALESCE(leverage, 1), COALESCE(reduce_only, 0), status, created_at
		FROM orders
		WHERE (? = '' OR instance_id = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, instanceID, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var (
			o          Order
			reduceOnly int
		)
		if err := rows.Scan(&o.ID, &o.InstanceID, &o.TaskID, &o.Symbol, &o.Side, &o.Type, &o.Price, &o.Qty,
			&o.FilledQty, &o.Leverage, &reduceOnly, &o.Status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.ReduceOnly = reduceOnly == 1
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListTrades returns the most recent fills of an instance, newest first.
func (d *Database) ListTrades(ctx context.Context, instanceID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, instance_id, symbol, side, price, qty, COALESCE(fee, 0), created_at
		FROM trades
		WHERE (? = '' OR instance_id = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, instanceID, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.InstanceID, &t.Symbol, &t.Side, &t.Price, &t.Qty, &t.Fee, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpsertLifecyclePosition stores the latest snapshot of an open position.
func (d *Database) UpsertLifecyclePosition(ctx context.Context, p LifecyclePosition) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO lifecycle_positions (
			symbol, side, entry_price, qty, leverage, initial_stop, current_stop,
			activation_pct, bars_held, high_water, low_water, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			entry_price = excluded.entry_price,
			qty = excluded.qty,
			leverage = excluded.leverage,
			initial_stop = excluded.initial_stop,
			current_stop = excluded.current_stop,
			activation_pct = excluded.activation_pct,
			bars_held = excluded.bars_held,
			high_water = excluded.high_water,
			low_water = excluded.low_water,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at
	`, p.Symbol, p.Side, p.EntryPrice, p.Qty, p.Leverage, p.InitialStop, p.CurrentStop,
		p.ActivationPct, p.BarsHeld, p.HighWater, p.LowWater, p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert lifecycle position %s: %w", p.Symbol, err)
	}
	return nil
}

// DeleteLifecyclePosition removes the snapshot of a closed position.
func (d *Database) DeleteLifecyclePosition(ctx context.Context, symbol string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM lifecycle_positions WHERE symbol = ?`, symbol)
	return err
}

// ListLifecyclePositions returns every persisted open position.
func (d *Database) ListLifecyclePositions(ctx context.Context) ([]LifecyclePosition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, side, entry_price, qty, leverage, initial_stop, current_stop,
		       activation_pct, bars_held, high_water, low_water, opened_at, updated_at
		FROM lifecycle_positions
		ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle positions: %w", err)
	}
	defer rows.Close()

	var res []LifecyclePosition
	for rows.Next() {
		var p LifecyclePosition
		if err := rows.Scan(&p.Symbol, &p.Side, &p.EntryPrice, &p.Qty, &p.Leverage, &p.InitialStop, &p.CurrentStop,
			&p.ActivationPct, &p.BarsHeld, &p.HighWater, &p.LowWater, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle position: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertRiskMetrics replaces the counters of one day.
func (d *Database) UpsertRiskMetrics(ctx context.Context, m RiskMetrics) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (
			date, daily_pnl, daily_trades, daily_wins, daily_losses, consecutive_losses,
			total_realized_pnl, peak_equity, drawdown_pct, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = excluded.daily_pnl,
			daily_trades = excluded.daily_trades,
			daily_wins = excluded.daily_wins,
			daily_losses = excluded.daily_losses,
			consecutive_losses = excluded.consecutive_losses,
			total_realized_pnl = excluded.total_realized_pnl,
			peak_equity = excluded.peak_equity,
			drawdown_pct = excluded.drawdown_pct,
			updated_at = excluded.updated_at
	`, m.Date, m.DailyPnL, m.DailyTrades, m.DailyWins, m.DailyLosses, m.ConsecutiveLosses,
		m.TotalRealizedPnL, m.PeakEquity, m.DrawdownPct, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert risk metrics %s: %w", m.Date, err)
	}
	return nil
}

// LatestRiskMetrics returns the most recent day on record, or ErrNotFound.
func (d *Database) LatestRiskMetrics(ctx context.Context) (RiskMetrics, error) {
	var m RiskMetrics
	err := d.DB.QueryRowContext(ctx, `
		SELECT date, daily_pnl, daily_trades, daily_wins, daily_losses, consecutive_losses,
		       COALESCE(total_realized_pnl, 0), peak_equity, drawdown_pct, updated_at
		FROM risk_metrics
		ORDER BY date DESC
		LIMIT 1`).Scan(&m.Date, &m.DailyPnL, &m.DailyTrades, &m.DailyWins, &m.DailyLosses, &m.ConsecutiveLosses,
		&m.TotalRealizedPnL, &m.PeakEquity, &m.DrawdownPct, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("query risk metrics: %w", err)
	}
	return m, nil
}

// InsertEngineEventSQL is used by batch writers that insert inside their own transaction.
const InsertEngineEventSQL = `INSERT INTO engine_events (type, payload, created_at) VALUES (?, ?, ?)`

// InsertEngineEvent appends an engine lifecycle event (state changes, kill switch).
func (d *Database) InsertEngineEvent(ctx context.Context, typ, payload string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, InsertEngineEventSQL, typ, payload, at)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
