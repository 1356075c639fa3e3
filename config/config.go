// Package config handles configuration persistence for the S7-200 driver.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DriverVersion is announced as a "_VERSION" DispatchItem on start.
const DriverVersion = "1.1"

// defaultPollingInterval is the floor applied when POLLING_INTERVAL is
// unset or non-positive, matching the source's fallback.
const defaultPollingInterval = 2

// MQTTSink holds MQTT telemetry republish configuration.
type MQTTSink struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeySink holds Valkey/Redis telemetry republish configuration.
type ValkeySink struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`
	PublishChanges bool          `yaml:"publish_changes,omitempty"`
}

// KafkaSink holds Kafka telemetry republish configuration.
type KafkaSink struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"`
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
}

// Config holds the S7-200 driver's configuration, loaded from YAML on
// disk and overlaid with the environment variables spec.md §6 names as
// "loaded before start". Guarded by dataMu since configure/unconfigure
// calls can race workProc.
type Config struct {
	TSAPPortLocal   uint32 `yaml:"tsap_port_local"`
	TSAPPortRemote  uint32 `yaml:"tsap_port_remote"`
	PollingInterval int    `yaml:"polling_interval"`

	UserFilePath    string `yaml:"userfile_path"`
	MeasurementPath string `yaml:"measurement_path"`
	EventPath       string `yaml:"event_path"`

	DebugLevel int `yaml:"debug_level"`

	MQTT   []MQTTSink   `yaml:"mqtt,omitempty"`
	Valkey []ValkeySink `yaml:"valkey,omitempty"`
	Kafka  []KafkaSink  `yaml:"kafka,omitempty"`

	dataMu sync.RWMutex `yaml:"-"`
}

// DefaultConfig returns a Config with the source's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		TSAPPortLocal:   0x0100,
		TSAPPortRemote:  0x0200,
		PollingInterval: defaultPollingInterval,
	}
}

// Load reads path (if present, else falls back to defaults) and then
// overlays environment variables, matching the source's env-var-driven
// startup configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverlay()

	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = defaultPollingInterval
	}

	return cfg, nil
}

func (c *Config) applyEnvOverlay() {
	if v, ok := envUint32("TSAP_PORT_LOCAL"); ok {
		c.TSAPPortLocal = v
	}
	if v, ok := envUint32("TSAP_PORT_REMOTE"); ok {
		c.TSAPPortRemote = v
	}
	if v, ok := envInt("POLLING_INTERVAL"); ok {
		c.PollingInterval = v
	}
	if v := os.Getenv("USERFILE_PATH"); v != "" {
		c.UserFilePath = v
	}
	if v := os.Getenv("MEASUREMENT_PATH"); v != "" {
		c.MeasurementPath = v
	}
	if v := os.Getenv("EVENT_PATH"); v != "" {
		c.EventPath = v
	}
}

func envUint32(name string) (uint32, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Lock acquires the config mutex for exclusive access (e.g. a control
// write updating DebugLevel).
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config mutex.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// RLock acquires the config mutex for read access.
func (c *Config) RLock() { c.dataMu.RLock() }

// RUnlock releases a read lock.
func (c *Config) RUnlock() { c.dataMu.RUnlock() }

// Save marshals the config and writes it to path.
func (c *Config) Save(path string) error {
	c.dataMu.RLock()
	data, err := yaml.Marshal(c)
	c.dataMu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}
