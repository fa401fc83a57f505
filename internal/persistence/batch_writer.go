package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"trading-bot/internal/events"
	"trading-bot/pkg/db"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// BatchWriter batches database writes into transactions.
type BatchWriter struct {
	db          *sql.DB
	buffer      []WriteOp
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	kick        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes every interval or at maxSize ops.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:          db,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		kick:        make(chan struct{}, 1),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write adds a write operation to the batch. It never blocks on the
// database: a full buffer wakes the background loop instead.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// WriteDecision journals one lifecycle decision.
func (bw *BatchWriter) WriteDecision(d db.Decision) {
	args, err := db.DecisionArgs(d)
	if err != nil {
		log.Error().Err(err).Str("component", "batch_writer").Str("symbol", d.Symbol).Msg("encode decision")
		return
	}
	bw.Write(WriteOp{Table: "decisions", Query: db.InsertDecisionSQL, Args: args})
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

// executeBatch runs a batch of operations in a transaction. Callers hold flushMu.
func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.metrics.LastBatchSize = len(ops)
	bw.metrics.LastFlushTime = time.Now()

	logger := log.With().Str("component", "batch_writer").Logger()
	ctx := context.Background()
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		logger.Error().Err(err).Msg("begin transaction")
		return err
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			tx.Rollback()
			atomic.AddUint64(&bw.metrics.TotalErrors, 1)
			logger.Error().Err(err).Str("table", op.Table).Msg("query failed, rolling back")
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		logger.Error().Err(err).Msg("commit failed")
		return err
	}
	logger.Debug().Int("ops", len(ops)).Msg("flushed")
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				log.Warn().Err(err).Str("component", "batch_writer").Msg("background flush")
			}
		case <-bw.kick:
			if err := bw.Flush(); err != nil {
				log.Warn().Err(err).Str("component", "batch_writer").Msg("size flush")
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Warn().Err(err).Str("component", "batch_writer").Msg("final flush")
			}
			return
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer. It waits for
// an in-flight flush so the counters describe committed batches.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: bw.metrics.LastBatchSize,
		LastFlushTime: bw.metrics.LastFlushTime,
	}
}

// Close flushes what is buffered and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}

// EventJournal is an events.Sink that appends selected topics to engine_events.
type EventJournal struct {
	bw     *BatchWriter
	topics map[events.Event]bool
}

// NewEventJournal journals the given topics; none means every topic.
func NewEventJournal(bw *BatchWriter, topics ...events.Event) *EventJournal {
	j := &EventJournal{bw: bw}
	if len(topics) > 0 {
		j.topics = make(map[events.Event]bool, len(topics))
		for _, t := range topics {
			j.topics[t] = true
		}
	}
	return j
}

func (j *EventJournal) Write(rec events.Record) {
	if j.topics != nil && !j.topics[rec.Type] {
		return
	}
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		payload = []byte(`{"error":"unencodable payload"}`)
	}
	j.bw.Write(WriteOp{Table: "engine_events", Query: db.InsertEngineEventSQL, Args: []any{string(rec.Type), string(payload), rec.Timestamp.UTC()}})
}
