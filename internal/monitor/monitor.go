package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"trading-bot/internal/events"
)

// Monitor forwards risk and kill-switch events to alert sinks.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink

	wg sync.WaitGroup
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || len(m.Sinks) == 0 {
		log.Warn().Str("component", "monitor").Msg("monitor not fully configured; skipping")
		return
	}
	for _, topic := range []events.Event{events.EventRiskAlert, events.EventKillSwitch} {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					m.dispatch(toAlert(msg))
				}
			}
		}()
	}
}

// Wait blocks until the forwarding goroutines exit.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) dispatch(a events.Alert) {
	for _, s := range m.Sinks {
		if err := s.Send(a); err != nil {
			log.Error().Err(err).Str("component", "monitor").Msg("alert sink failed")
		}
	}
}

func toAlert(v any) events.Alert {
	switch t := v.(type) {
	case events.Alert:
		return t
	case string:
		return events.Alert{Level: "warning", Message: t}
	case error:
		return events.Alert{Level: "error", Message: t.Error()}
	default:
		return events.Alert{Level: "warning", Message: fmt.Sprintf("alert triggered: %v", v)}
	}
}
