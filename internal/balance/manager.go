package balance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is the account state reported by a Source.
type Snapshot struct {
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Exposure  float64   `json:"exposure"`
	SyncedAt  time.Time `json:"synced_at"`
}

// Source reports the account balance, usually the broker.
type Source interface {
	GetBalance(ctx context.Context) (Snapshot, error)
}

// Account is implemented by brokers that track cash and open notional in-process.
type Account interface {
	Balance() float64
	Exposure() float64
}

type accountSource struct{ acct Account }

// FromAccount adapts an in-process account (the paper broker) to a Source.
func FromAccount(a Account) Source { return accountSource{acct: a} }

func (s accountSource) GetBalance(context.Context) (Snapshot, error) {
	total := s.acct.Balance()
	exposure := s.acct.Exposure()
	return Snapshot{Total: total, Available: total, Exposure: exposure}, nil
}

// Manager caches the account balance and tracks notional reserved by entries
// that are queued but not yet filled.
type Manager struct {
	source       Source
	syncInterval time.Duration

	mu       sync.RWMutex
	cache    Snapshot
	reserved map[string]float64
}

// NewManager creates a manager seeded with initial until the first sync.
func NewManager(source Source, initial float64, syncInterval time.Duration) *Manager {
	if syncInterval <= 0 {
		syncInterval = 5 * time.Second
	}
	return &Manager{
		source:       source,
		syncInterval: syncInterval,
		cache:        Snapshot{Total: initial, Available: initial},
		reserved:     make(map[string]float64),
	}
}

// Start begins periodic balance sync.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		log.Warn().Str("component", "balance").Err(err).Msg("initial balance sync failed")
	}
	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					log.Warn().Str("component", "balance").Err(err).Msg("balance sync failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest balance from the source.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	snap, err := m.source.GetBalance(ctx)
	if err != nil {
		return err
	}
	if snap.SyncedAt.IsZero() {
		snap.SyncedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.cache = snap
	m.mu.Unlock()
	log.Debug().Str("component", "balance").
		Float64("total", snap.Total).
		Float64("exposure", snap.Exposure).
		Msg("balance synced")
	return nil
}

// Balance returns the last synced account equity.
func (m *Manager) Balance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.Total
}

// Exposure returns open notional plus notional reserved by pending entries.
func (m *Manager) Exposure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := m.cache.Exposure
	for _, v := range m.reserved {
		total += v
	}
	return total
}

// Reserve records notional for a pending entry on symbol, replacing any
// earlier reservation for the same symbol.
func (m *Manager) Reserve(symbol string, notional float64) {
	if notional <= 0 {
		return
	}
	m.mu.Lock()
	m.reserved[strings.ToUpper(symbol)] = notional
	m.mu.Unlock()
}

// Release drops the reservation for symbol. Releasing twice is harmless.
func (m *Manager) Release(symbol string) {
	m.mu.Lock()
	delete(m.reserved, strings.ToUpper(symbol))
	m.mu.Unlock()
}

// Snapshot returns the cached state with reservations folded into Exposure.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	snap := m.cache
	for _, v := range m.reserved {
		snap.Exposure += v
	}
	m.mu.RUnlock()
	return snap
}
