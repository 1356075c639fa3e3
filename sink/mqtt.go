package sink

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"s7200drv/config"
	"s7200drv/dispatch"
	"s7200drv/logging"
)

// MQTTSink publishes DispatchItems as JSON envelopes to an MQTT broker,
// one topic per dispatch key, grounded on the pack's Publisher
// connect/reconnect settings.
type MQTTSink struct {
	cfg    config.MQTTSink
	client pahomqtt.Client

	mu      sync.RWMutex
	running bool
}

// NewMQTTSink creates a sink bound to cfg. cfg.Enabled=false makes
// Start a no-op.
func NewMQTTSink(cfg config.MQTTSink) *MQTTSink {
	return &MQTTSink{cfg: cfg}
}

// Start connects to the configured broker.
func (s *MQTTSink) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	opts := pahomqtt.NewClientOptions()
	if s.cfg.UseTLS {
		opts.AddBroker(fmt.Sprintf("ssl://%s:%d", s.cfg.Broker, s.cfg.Port))
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		opts.AddBroker(fmt.Sprintf("tcp://%s:%d", s.cfg.Broker, s.cfg.Port))
	}
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugConnect("mqtt", s.cfg.Broker)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("sink: mqtt connect timeout to %s", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		logging.DebugConnectError("mqtt", s.cfg.Broker, err)
		return fmt.Errorf("sink: mqtt connect: %w", err)
	}
	logging.DebugConnectSuccess("mqtt", s.cfg.Broker, "connected")

	s.mu.Lock()
	s.client = client
	s.running = true
	s.mu.Unlock()
	return nil
}

// Stop disconnects from the broker.
func (s *MQTTSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.client == nil {
		return
	}
	s.client.Disconnect(500)
	s.client = nil
	s.running = false
}

// Publish republishes item to a topic derived from its dispatch key.
func (s *MQTTSink) Publish(item dispatch.Item) {
	s.mu.RLock()
	client, running := s.client, s.running
	s.mu.RUnlock()
	if !running {
		return
	}

	env := BuildEnvelope(item, time.Now())
	payload, err := marshalEnvelope(env)
	if err != nil {
		logging.DebugError("mqtt", "marshal envelope", err)
		return
	}

	topic := s.cfg.Topic + "/" + item.Key
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		logging.DebugError("mqtt", "publish", fmt.Errorf("timeout publishing to %s", topic))
	}
}
