package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"trading-bot/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsBuffer     = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// parseTopics resolves the ?topics= filter; empty means every topic.
func parseTopics(raw string) []events.Event {
	if strings.TrimSpace(raw) == "" {
		return events.Topics
	}
	known := make(map[events.Event]bool, len(events.Topics))
	for _, t := range events.Topics {
		known[t] = true
	}
	var out []events.Event
	for _, part := range strings.Split(raw, ",") {
		e := events.Event(strings.TrimSpace(part))
		if known[e] {
			out = append(out, e)
		}
	}
	return out
}

func (s *Server) websocket(c *gin.Context) {
	topics := parseTopics(c.Query("topics"))
	if len(topics) == 0 {
		abortWithError(c, http.StatusBadRequest, "UNKNOWN_TOPICS", "no known topics requested")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Msg("upgrade failed")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	out := make(chan events.Record, wsBuffer)
	done := make(chan struct{})
	var wg sync.WaitGroup
	var unsubs []func()
	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, wsBuffer)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func(topic events.Event, stream <-chan any) {
			defer wg.Done()
			for payload := range stream {
				rec := events.Record{Type: topic, Timestamp: time.Now().UTC(), Data: payload}
				select {
				case out <- rec:
				case <-done:
					return
				default:
					// slow client, drop
				}
			}
		}(topic, stream)
	}
	defer func() {
		close(done)
		for _, unsub := range unsubs {
			unsub()
		}
		wg.Wait()
	}()

	// Read pump: handles pongs and detects client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case rec := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				log.Debug().Err(err).Str("component", "ws").Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
