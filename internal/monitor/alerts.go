package monitor

import (
	"github.com/rs/zerolog/log"

	"trading-bot/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(alert events.Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) Send(a events.Alert) error {
	ev := log.Warn()
	if a.Critical {
		ev = log.Error()
	}
	ev.Str("component", "alerts").Str("level", a.Level).Str("symbol", a.Symbol).
		Bool("critical", a.Critical).Msg(a.Message)
	return nil
}
