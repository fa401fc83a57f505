package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type recordingSink struct {
	mu   sync.Mutex
	recs []Record
}

func (r *recordingSink) Write(rec Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventDecision, 1)
	defer unsub()

	bus.Publish(EventDecision, "a")
	bus.Publish(EventDecision, "b") // dropped, buffer full

	select {
	case v := <-ch:
		if v != "a" {
			t.Fatalf("expected a, got %v", v)
		}
	default:
		t.Fatalf("expected payload")
	}
	select {
	case v := <-ch:
		t.Fatalf("expected slow subscriber drop, got %v", v)
	default:
	}
}

func TestBusUnsubscribeTwice(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventBar, 1)
	unsub()
	unsub()
	bus.Publish(EventBar, 1)
}

func TestBusSinkSeesEveryTopic(t *testing.T) {
	bus := NewBus()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }
	sink := &recordingSink{}
	bus.AddSink(sink)

	bus.Publish(EventKillSwitch, Alert{Level: "critical", Message: "x", Critical: true})
	bus.Publish(EventOrderFilled, "fill")

	if len(sink.recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(sink.recs))
	}
	if sink.recs[0].Type != EventKillSwitch || !sink.recs[0].Timestamp.Equal(fixed) {
		t.Fatalf("unexpected record %+v", sink.recs[0])
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestKafkaSinkFlushesOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, "host-1")
	sink.interval = time.Hour

	sink.Write(Record{Type: EventDecision, Data: map[string]string{"action": "HOLD"}})
	sink.Write(Record{Type: EventOrderFilled, Data: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)
	cancel()
	sink.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		t.Fatalf("expected writer closed")
	}
	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "host-1" {
		t.Fatalf("unexpected key %q", w.msgs[0].Key)
	}
	var rec struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(w.msgs[0].Value, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Type != string(EventDecision) {
		t.Fatalf("unexpected type %s", rec.Type)
	}
}

func TestKafkaSinkDropsWhenFull(t *testing.T) {
	sink := newKafkaSink(&fakeWriter{}, "h")
	sink.buf = make(chan Record, 1)
	sink.Write(Record{Type: EventBar})
	sink.Write(Record{Type: EventBar})
	if sink.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", sink.Dropped())
	}
}

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSink(nil, "t", "h"); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
