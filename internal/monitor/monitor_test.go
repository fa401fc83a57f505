package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"trading-bot/internal/events"
	"trading-bot/internal/order"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []events.Alert
}

func (r *recordingSink) Send(a events.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestMonitorForwardsAlerts(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	m := &Monitor{Bus: bus, Sinks: []AlertSink{sink}}
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	bus.Publish(events.EventRiskAlert, "daily loss limit")
	bus.Publish(events.EventKillSwitch, events.Alert{Level: "critical", Message: "halt", Critical: true})

	deadline := time.Now().Add(time.Second)
	for sink.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	m.Wait()
	if sink.Len() != 2 {
		t.Fatalf("expected 2 alerts, got %d", sink.Len())
	}
}

func TestToAlert(t *testing.T) {
	if a := toAlert("x"); a.Message != "x" || a.Critical {
		t.Fatalf("unexpected %+v", a)
	}
	if a := toAlert(42); !strings.Contains(a.Message, "42") {
		t.Fatalf("unexpected %+v", a)
	}
}

func TestRecorderUpdatesCollectors(t *testing.T) {
	m := NewSystemMetrics()
	m.TaskFinished(order.OutcomeFilled, 20*time.Millisecond)
	m.TaskFinished(order.OutcomeFailed, 10*time.Millisecond)
	m.TaskRetried()
	m.QueueDepth(3)
	m.EngineState(order.StateKillSwitchActive)

	if v := testutil.ToFloat64(m.ordersFinished.WithLabelValues("FILLED")); v != 1 {
		t.Fatalf("filled counter %v", v)
	}
	if v := testutil.ToFloat64(m.queueDepth); v != 3 {
		t.Fatalf("queue depth %v", v)
	}
	if v := testutil.ToFloat64(m.killSwitch); v != 1 {
		t.Fatalf("kill switch gauge %v", v)
	}
	snap := m.GetSnapshot()
	if snap.OrdersProcessed != 2 || snap.ErrorsCount != 1 || snap.OrderLatency.Count != 2 || snap.OrderLatency.Max != 20 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := m.Registry().Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{100, 1, 2, 3} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Max != 3 || s.Min != 1 || s.Avg != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}
