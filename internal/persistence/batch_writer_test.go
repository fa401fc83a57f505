package persistence

import (
	"context"
	"testing"
	"time"

	"trading-bot/internal/events"
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

func TestBatchWriterFlushesOnSize(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 2, time.Hour)
	defer bw.Close()

	bw.WriteDecision(db.Decision{Symbol: "BTCUSDT", Action: "HOLD", Reasons: []string{"warming_up"}})
	if bw.Pending() != 1 {
		t.Fatalf("pending %d", bw.Pending())
	}
	bw.WriteDecision(db.Decision{Symbol: "BTCUSDT", Action: "ENTER", Side: "LONG", Reasons: []string{"confirmed"}})
	deadline := time.Now().Add(2 * time.Second)
	for bw.GetMetrics().TotalBatches == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("size threshold must flush")
		}
		time.Sleep(time.Millisecond)
	}

	got, err := database.ListDecisions(context.Background(), "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 2 || got[0].Action != "ENTER" || got[0].Reasons[0] != "confirmed" {
		t.Fatalf("unexpected decisions %+v", got)
	}
	m := bw.GetMetrics()
	if m.TotalWrites != 2 || m.TotalBatches != 1 || m.LastBatchSize != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestBatchWriterCloseFlushes(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 100, time.Hour)
	bw.WriteDecision(db.Decision{Symbol: "ETHUSDT", Action: "HOLD"})
	bw.Close()
	bw.Close()

	got, _ := database.ListDecisions(context.Background(), "", 10)
	if len(got) != 1 {
		t.Fatalf("close must flush, got %d", len(got))
	}
}

func TestBatchWriterRollsBackBadBatch(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 100, time.Hour)
	defer bw.Close()

	bw.WriteDecision(db.Decision{Symbol: "ETHUSDT", Action: "HOLD"})
	bw.Write(WriteOp{Table: "nope", Query: "INSERT INTO missing_table VALUES (1)"})
	if err := bw.Flush(); err == nil {
		t.Fatalf("expected flush error")
	}
	got, _ := database.ListDecisions(context.Background(), "", 10)
	if len(got) != 0 || bw.GetMetrics().TotalErrors != 1 {
		t.Fatalf("batch must be rolled back")
	}
}

func TestEventJournalFiltersTopics(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 100, time.Hour)
	defer bw.Close()

	bus := events.NewBus()
	bus.AddSink(NewEventJournal(bw, events.EventKillSwitch))
	bus.Publish(events.EventKillSwitch, events.Alert{Level: "critical", Message: "halt", Critical: true})
	bus.Publish(events.EventBar, "ignored")
	if err := bw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var n int
	var typ, payload string
	row := database.DB.QueryRow(`SELECT COUNT(*), MAX(type), MAX(payload) FROM engine_events`)
	if err := row.Scan(&n, &typ, &payload); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 || typ != string(events.EventKillSwitch) || payload == "" {
		t.Fatalf("unexpected journal n=%d type=%s payload=%s", n, typ, payload)
	}
}
