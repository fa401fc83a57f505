package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trading-bot/internal/lifecycle"
	"trading-bot/internal/market"
	"trading-bot/pkg/db"
)

// Manager keeps an in-memory view of open lifecycle positions and persists
// every change so a restart can restore them.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]db.LifecyclePosition
	db        *db.Database
}

func NewManager(database *db.Database) *Manager {
	return &Manager{
		db:        database,
		positions: make(map[string]db.LifecyclePosition),
	}
}

// Load seeds in-memory state from DB on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	pos, err := m.db.ListLifecyclePositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pos {
		m.positions[p.Symbol] = p
	}
	return nil
}

// Position returns the snapshot for symbol.
func (m *Manager) Position(symbol string) (db.LifecyclePosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[strings.ToUpper(symbol)]
	return p, ok
}

// Positions returns all snapshots sorted by symbol.
func (m *Manager) Positions() []db.LifecyclePosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]db.LifecyclePosition, 0, len(m.positions))
	for _, p := range m.positions {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Symbol < res[j].Symbol })
	return res
}

// Save snapshots an open position.
func (m *Manager) Save(ctx context.Context, pos lifecycle.Position) error {
	snap := FromLifecycle(pos)
	snap.UpdatedAt = time.Now().UTC()
	if m.db != nil {
		if err := m.db.UpsertLifecyclePosition(ctx, snap); err != nil {
			return fmt.Errorf("save position %s: %w", snap.Symbol, err)
		}
	}
	m.mu.Lock()
	m.positions[snap.Symbol] = snap
	m.mu.Unlock()
	return nil
}

// Remove drops the snapshot of a closed position.
func (m *Manager) Remove(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	if m.db != nil {
		if err := m.db.DeleteLifecyclePosition(ctx, symbol); err != nil {
			return fmt.Errorf("remove position %s: %w", symbol, err)
		}
	}
	m.mu.Lock()
	delete(m.positions, symbol)
	m.mu.Unlock()
	return nil
}

// FromLifecycle converts a lifecycle position into its persisted form.
func FromLifecycle(p lifecycle.Position) db.LifecyclePosition {
	return db.LifecyclePosition{
		Symbol:        strings.ToUpper(p.Symbol),
		Side:          string(p.Side),
		EntryPrice:    p.EntryPrice,
		Qty:           p.Size,
		Leverage:      p.Leverage,
		InitialStop:   p.Stop.InitialStopPrice,
		CurrentStop:   p.Stop.CurrentStopPrice,
		ActivationPct: p.Stop.ActivationPct,
		BarsHeld:      p.BarsHeld,
		HighWater:     p.HighWater,
		LowWater:      p.LowWater,
		OpenedAt:      p.OpenedAt,
	}
}

// ToLifecycle rebuilds a lifecycle position from a snapshot.
func ToLifecycle(s db.LifecyclePosition) lifecycle.Position {
	return lifecycle.Position{
		Symbol:     s.Symbol,
		Side:       market.Side(s.Side),
		EntryPrice: s.EntryPrice,
		Size:       s.Qty,
		Leverage:   s.Leverage,
		Stop: lifecycle.TrailingStop{
			InitialStopPrice: s.InitialStop,
			CurrentStopPrice: s.CurrentStop,
			ActivationPct:    s.ActivationPct,
		},
		BarsHeld:  s.BarsHeld,
		MarkPrice: s.EntryPrice,
		HighWater: s.HighWater,
		LowWater:  s.LowWater,
		OpenedAt:  s.OpenedAt,
	}
}
