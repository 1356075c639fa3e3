package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"s7200drv/config"
	"s7200drv/dispatch"
	"s7200drv/logging"
)

// ValkeySink writes the latest value of every dispatched key into
// Valkey/Redis (SET) and optionally PUBLISHes it for live tailing,
// grounded on the pack's Valkey Publisher.
type ValkeySink struct {
	cfg    config.ValkeySink
	client *redis.Client

	mu      sync.RWMutex
	running bool
}

// NewValkeySink creates a sink bound to cfg.
func NewValkeySink(cfg config.ValkeySink) *ValkeySink {
	return &ValkeySink{cfg: cfg}
}

// Start connects to the configured Valkey/Redis server.
func (s *ValkeySink) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	opts := &redis.Options{
		Addr:         s.cfg.Address,
		Password:     s.cfg.Password,
		DB:           s.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if s.cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugConnect("valkey", s.cfg.Address)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logging.DebugConnectError("valkey", s.cfg.Address, err)
		return fmt.Errorf("sink: valkey connect: %w", err)
	}
	logging.DebugConnectSuccess("valkey", s.cfg.Address, "connected")

	s.mu.Lock()
	s.client = client
	s.running = true
	s.mu.Unlock()
	return nil
}

// Stop closes the client connection.
func (s *ValkeySink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.client == nil {
		return
	}
	s.client.Close()
	s.client = nil
	s.running = false
}

// Publish writes item's envelope as a key and, if configured, publishes
// it on a change channel.
func (s *ValkeySink) Publish(item dispatch.Item) {
	s.mu.RLock()
	client, running := s.client, s.running
	s.mu.RUnlock()
	if !running {
		return
	}

	env := BuildEnvelope(item, time.Now())
	payload, err := marshalEnvelope(env)
	if err != nil {
		logging.DebugError("valkey", "marshal envelope", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := "s7200:" + item.Key
	if err := client.Set(ctx, key, payload, s.cfg.KeyTTL).Err(); err != nil {
		logging.DebugError("valkey", "set", err)
		return
	}
	if s.cfg.PublishChanges {
		if err := client.Publish(ctx, key, payload).Err(); err != nil {
			logging.DebugError("valkey", "publish", err)
		}
	}
}
