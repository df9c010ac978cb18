package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/session"
	"github.com/srg/gattkit/internal/watchdog"
	"github.com/srg/gattkit/scanner"
	"gopkg.in/yaml.v3"
)

// Timeouts bounds every asynchronous step. A zero or negative value disables
// the watchdog for that step; connect and disconnect fall back to the session
// defaults instead.
type Timeouts struct {
	Connect                 time.Duration `yaml:"connect" toml:"connect" default:"60s"`
	Disconnect              time.Duration `yaml:"disconnect" toml:"disconnect" default:"10s"`
	DiscoverServices        time.Duration `yaml:"discover_services" toml:"discover_services" default:"60s"`
	DiscoverCharacteristics time.Duration `yaml:"discover_characteristics" toml:"discover_characteristics" default:"60s"`
	Read                    time.Duration `yaml:"read" toml:"read" default:"60s"`
	Write                   time.Duration `yaml:"write" toml:"write" default:"60s"`
	Notify                  time.Duration `yaml:"notify" toml:"notify" default:"60s"`
	RSSI                    time.Duration `yaml:"rssi" toml:"rssi" default:"60s"`
	MTU                     time.Duration `yaml:"mtu" toml:"mtu" default:"60s"`
}

// Scan tunes the scanner.
type Scan struct {
	StaleThreshold time.Duration `yaml:"stale_threshold" toml:"stale_threshold" default:"10s"`
	SweepInterval  time.Duration `yaml:"sweep_interval" toml:"sweep_interval" default:"1s"`
	RingSize       uint32        `yaml:"ring_size" toml:"ring_size" default:"256"`
}

// Config holds application configuration
type Config struct {
	LogLevel         string        `yaml:"log_level" toml:"log_level" default:"info"`
	Timeouts         Timeouts      `yaml:"timeouts" toml:"timeouts"`
	Scan             Scan          `yaml:"scan" toml:"scan"`
	RSSIPollInterval time.Duration `yaml:"rssi_poll_interval" toml:"rssi_poll_interval" default:"2s"`
	AutoReconnect    bool          `yaml:"auto_reconnect" toml:"auto_reconnect"`

	// DisconnectOnTimeout overrides, per operation kind (e.g. "read_rssi"),
	// whether a timeout also drops the connection.
	DisconnectOnTimeout map[string]bool `yaml:"disconnect_on_timeout" toml:"disconnect_on_timeout"`
	// StrictRequests rejects overlapping requests on one attribute instead of
	// superseding the earlier one.
	StrictRequests bool `yaml:"strict_requests" toml:"strict_requests"`
}

var buckets = map[watchdog.Bucket]struct{}{
	watchdog.BucketConnect:                 {},
	watchdog.BucketDisconnect:              {},
	watchdog.BucketDiscoverServices:        {},
	watchdog.BucketDiscoverCharacteristics: {},
	watchdog.BucketReadCharacteristic:      {},
	watchdog.BucketWriteCharacteristic:     {},
	watchdog.BucketNotifyState:             {},
	watchdog.BucketReadDescriptor:          {},
	watchdog.BucketWriteDescriptor:         {},
	watchdog.BucketReadRSSI:                {},
	watchdog.BucketPollRSSI:                {},
	watchdog.BucketRequestMTU:              {},
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be expressed by the struct types.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	var unknown []string
	for k := range c.DisconnectOnTimeout {
		if _, ok := buckets[watchdog.Bucket(k)]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown operation kind(s) in disconnect_on_timeout: %s", strings.Join(unknown, ", "))
	}
	if c.Scan.SweepInterval <= 0 {
		return fmt.Errorf("scan.sweep_interval must be positive")
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// SessionPolicy converts the timeout policy for a session registry.
func (c *Config) SessionPolicy() session.Policy {
	policy := session.DefaultPolicy()
	policy.Strict = c.StrictRequests
	for k, v := range c.DisconnectOnTimeout {
		policy.DisconnectOnTimeout[watchdog.Bucket(k)] = v
	}
	return policy
}

// ConnectOptions returns the connect cycle settings.
func (c *Config) ConnectOptions() session.ConnectOptions {
	return session.ConnectOptions{
		AutoReconnect:     c.AutoReconnect,
		ConnectTimeout:    c.Timeouts.Connect,
		DisconnectTimeout: c.Timeouts.Disconnect,
	}
}

// ScannerOptions returns the scanner settings.
func (c *Config) ScannerOptions() *scanner.Options {
	return &scanner.Options{
		StaleThreshold: c.Scan.StaleThreshold,
		SweepInterval:  c.Scan.SweepInterval,
		RingSize:       c.Scan.RingSize,
	}
}
