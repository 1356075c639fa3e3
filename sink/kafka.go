package sink

import (
	"context"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"s7200drv/config"
	"s7200drv/dispatch"
	"s7200drv/logging"
)

// KafkaSink publishes DispatchItem envelopes to a per-driver-instance
// Kafka topic for durable, replayable telemetry export, grounded on the
// pack's Kafka Producer writer construction.
type KafkaSink struct {
	cfg    config.KafkaSink
	writer *kafkago.Writer

	mu      sync.RWMutex
	running bool
}

// NewKafkaSink creates a sink bound to cfg.
func NewKafkaSink(cfg config.KafkaSink) *KafkaSink {
	return &KafkaSink{cfg: cfg}
}

// Start builds the Kafka writer for the configured topic.
func (s *KafkaSink) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(s.cfg.Brokers...),
		Topic:        s.cfg.Topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequiredAcks(s.cfg.RequiredAcks),
		MaxAttempts:  maxInt(s.cfg.MaxRetries, 1),
	}

	logging.DebugConnect("kafka", s.cfg.Topic)
	s.mu.Lock()
	s.writer = writer
	s.running = true
	s.mu.Unlock()
	logging.DebugConnectSuccess("kafka", s.cfg.Topic, "writer ready")
	return nil
}

// Stop closes the writer.
func (s *KafkaSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.writer == nil {
		return
	}
	s.writer.Close()
	s.writer = nil
	s.running = false
}

// Publish writes item's envelope as a Kafka message keyed on the
// dispatch key.
func (s *KafkaSink) Publish(item dispatch.Item) {
	s.mu.RLock()
	writer, running := s.writer, s.running
	s.mu.RUnlock()
	if !running {
		return
	}

	env := BuildEnvelope(item, time.Now())
	payload, err := marshalEnvelope(env)
	if err != nil {
		logging.DebugError("kafka", "marshal envelope", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := kafkago.Message{Key: []byte(item.Key), Value: payload}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		logging.DebugError("kafka", "produce", err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
