package state

import (
	"context"
	"testing"
	"time"

	"trading-bot/internal/lifecycle"
	"trading-bot/internal/market"
	"trading-bot/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	opened := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	m := NewManager(database)
	pos := lifecycle.Position{
		Symbol: "btcusdt", Side: market.Short, EntryPrice: 100, Size: 2, Leverage: 10,
		Stop:     lifecycle.TrailingStop{InitialStopPrice: 104, CurrentStopPrice: 102},
		BarsHeld: 7, HighWater: 101, LowWater: 95, OpenedAt: opened,
	}
	if err := m.Save(ctx, pos); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restarted := NewManager(database)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap, ok := restarted.Position("BTCUSDT")
	if !ok {
		t.Fatalf("snapshot missing after restart")
	}
	got := ToLifecycle(snap)
	if got.Side != market.Short || got.Size != 2 || got.Stop.CurrentStopPrice != 102 || got.Stop.InitialStopPrice != 104 ||
		got.BarsHeld != 7 || !got.OpenedAt.Equal(opened) {
		t.Fatalf("unexpected restored position %+v", got)
	}

	if err := restarted.Remove(ctx, "btcusdt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(restarted.Positions()) != 0 {
		t.Fatalf("expected no positions")
	}
	rows, _ := database.ListLifecyclePositions(ctx)
	if len(rows) != 0 {
		t.Fatalf("row must be deleted")
	}
}

func TestManagerWithoutDB(t *testing.T) {
	m := NewManager(nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Save(context.Background(), lifecycle.Position{Symbol: "ETHUSDT", Side: market.Long, EntryPrice: 1, Size: 1})
	if _, ok := m.Position("ethusdt"); !ok {
		t.Fatalf("in-memory snapshot expected")
	}
}
