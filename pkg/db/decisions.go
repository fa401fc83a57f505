package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Decision is one journaled lifecycle decision.
type Decision struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Side       string    `json:"side,omitempty"`
	State      string    `json:"state"`
	Regime     string    `json:"regime"`
	Price      float64   `json:"price"`
	StopBefore float64   `json:"stop_before,omitempty"`
	StopAfter  float64   `json:"stop_after,omitempty"`
	Reasons    []string  `json:"reasons"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertDecisionSQL is used by batch writers that insert inside their own transaction.
const InsertDecisionSQL = `
	INSERT INTO decisions (symbol, action, side, state, regime, price, stop_before, stop_after, reasons, notes, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// DecisionArgs returns the positional arguments for InsertDecisionSQL.
func DecisionArgs(d Decision) ([]any, error) {
	reasons := d.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	raw, err := json.Marshal(reasons)
	if err != nil {
		return nil, fmt.Errorf("marshal reasons: %w", err)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return []any{d.Symbol, d.Action, d.Side, d.State, d.Regime, d.Price, d.StopBefore, d.StopAfter, string(raw), d.Notes, d.CreatedAt}, nil
}

// InsertDecision writes a single decision outside any batch.
func (d *Database) InsertDecision(ctx context.Context, dec Decision) error {
	args, err := DecisionArgs(dec)
	if err != nil {
		return err
	}
	if _, err := d.DB.ExecContext(ctx, InsertDecisionSQL, args...); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns recent decisions, newest first; symbol "" matches all.
func (d *Database) ListDecisions(ctx context.Context, symbol string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, action, side, state, regime, price, stop_before, stop_after, reasons, notes, created_at
		FROM decisions
		WHERE (? = '' OR symbol = ?)
		ORDER BY id DESC
		LIMIT ?
	`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var res []Decision
	for rows.Next() {
		var (
			dec     Decision
			reasons string
		)
		if err := rows.Scan(&dec.ID, &dec.Symbol, &dec.Action, &dec.Side, &dec.State, &dec.Regime, &dec.Price,
			&dec.StopBefore, &dec.StopAfter, &reasons, &dec.Notes, &dec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &dec.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons of decision %d: %w", dec.ID, err)
		}
		res = append(res, dec)
	}
	return res, rows.Err()
}
