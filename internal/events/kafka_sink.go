package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of kafka.Writer used by the sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink ships bus records to a Kafka topic as JSON, keyed by instance id.
// Records are buffered and flushed in batches by a background goroutine.
type KafkaSink struct {
	writer   messageWriter
	key      []byte
	buf      chan Record
	batch    int
	interval time.Duration

	mu      sync.Mutex
	dropped uint64
	done    chan struct{}
}

// NewKafkaSink builds a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic, instanceID string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: time.Second,
	}
	return newKafkaSink(w, instanceID), nil
}

func newKafkaSink(w messageWriter, instanceID string) *KafkaSink {
	return &KafkaSink{
		writer:   w,
		key:      []byte(instanceID),
		buf:      make(chan Record, 1024),
		batch:    100,
		interval: time.Second,
		done:     make(chan struct{}),
	}
}

// Write enqueues a record; it drops the record when the buffer is full.
func (s *KafkaSink) Write(rec Record) {
	select {
	case s.buf <- rec:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns how many records were discarded because the buffer was full.
func (s *KafkaSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run flushes buffered records until ctx is cancelled, then flushes the rest and closes the writer.
func (s *KafkaSink) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pending := make([]kafka.Message, 0, s.batch)
	flush := func(fctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := s.writer.WriteMessages(fctx, pending...); err != nil {
			log.Warn().Err(err).Str("component", "kafka_sink").Int("count", len(pending)).Msg("write failed")
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case rec := <-s.buf:
					pending = s.appendRecord(pending, rec)
				default:
					break drain
				}
			}
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(fctx)
			cancel()
			if err := s.writer.Close(); err != nil {
				log.Warn().Err(err).Str("component", "kafka_sink").Msg("close writer")
			}
			return
		case rec := <-s.buf:
			pending = s.appendRecord(pending, rec)
			if len(pending) >= s.batch {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (s *KafkaSink) Wait() {
	<-s.done
}

func (s *KafkaSink) appendRecord(pending []kafka.Message, rec Record) []kafka.Message {
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Warn().Err(err).Str("component", "kafka_sink").Str("type", string(rec.Type)).Msg("marshal record")
		return pending
	}
	return append(pending, kafka.Message{Key: s.key, Value: payload, Time: rec.Timestamp})
}
