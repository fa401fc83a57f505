package market

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trading-bot/internal/events"
)

// MockFeed generates synthetic random-walk bars for dry runs and local development.
type MockFeed struct {
	Bus        *events.Bus
	Symbols    []string
	StartPrice float64
	// Step is the per-bar volatility as a fraction of price.
	Step     float64
	Interval time.Duration
	Seed     int64

	once   sync.Once
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	clock  map[string]time.Time
}

func (m *MockFeed) init() {
	m.once.Do(func() {
		if len(m.Symbols) == 0 {
			m.Symbols = []string{"BTCUSDT"}
		}
		if m.StartPrice <= 0 {
			m.StartPrice = 100.0
		}
		if m.Step <= 0 {
			m.Step = 0.005
		}
		if m.Interval <= 0 {
			m.Interval = time.Second
		}
		seed := m.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		m.rng = rand.New(rand.NewSource(seed))
		m.prices = make(map[string]float64)
		m.clock = make(map[string]time.Time)
	})
}

// Next produces the next bar for symbol without publishing it.
func (m *MockFeed) Next(symbol string) Bar {
	m.init()
	symbol = strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()

	open, ok := m.prices[symbol]
	if !ok {
		open = m.StartPrice
	}
	openTime, ok := m.clock[symbol]
	if !ok {
		openTime = time.Now().UTC().Truncate(m.Interval)
	}

	// simple random walk with wicks on both sides
	closePrice := open * (1 + (m.rng.Float64()*2-1)*m.Step)
	if closePrice <= 0 {
		closePrice = open
	}
	high := math.Max(open, closePrice) * (1 + m.rng.Float64()*m.Step/2)
	low := math.Min(open, closePrice) * (1 - m.rng.Float64()*m.Step/2)

	m.prices[symbol] = closePrice
	m.clock[symbol] = openTime.Add(m.Interval)

	return Bar{
		Symbol:   symbol,
		OpenTime: openTime,
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   10 + m.rng.Float64()*90,
	}
}

// Start publishes one bar per symbol every Interval until ctx is done.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Warn().Str("component", "mock-feed").Msg("bus not set; feed disabled")
		return
	}
	m.init()

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, sym := range m.Symbols {
					m.Bus.Publish(events.EventBar, m.Next(sym))
				}
			}
		}
	}()
}
