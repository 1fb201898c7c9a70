// Package config handles daemon configuration for rosrelayd.
//
// Config is read from a single YAML file (default
// /etc/rosrelay/config.yaml). A missing file yields the defaults;
// a present but malformed file is an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"rosrelay/internal/bus/membus"
)

// DefaultPath is where the daemon looks when no --config flag is given.
const DefaultPath = "/etc/rosrelay/config.yaml"

// Duration wraps time.Duration so the YAML file can use forms like
// "5s" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MessageType declares one local message schema: field name to kind
// (string, int, double, bool, object, array).
type MessageType struct {
	Name   string            `yaml:"name"`
	Fields map[string]string `yaml:"fields"`
}

// Config holds everything rosrelayd needs to run.
type Config struct {
	// ConnectionString is the IoT Hub device connection string. It may
	// also come from the ROSRELAY_CONNECTION_STRING environment
	// variable or the --connection-string flag; the flag wins.
	ConnectionString string `yaml:"connection_string,omitempty"`

	// StatePath is the sqlite database holding the relay sequence.
	StatePath string `yaml:"state_path,omitempty"`

	// QueueSize bounds both per-relay local subscriptions and the
	// outbound cloud queue.
	QueueSize int `yaml:"queue_size,omitempty"`

	// MethodTimeout bounds direct method execution. Zero means wait
	// forever for the local service to answer.
	MethodTimeout Duration `yaml:"method_timeout,omitempty"`

	// SuccessStatus and FailureStatus are reported for method results.
	SuccessStatus int `yaml:"success_status,omitempty"`
	FailureStatus int `yaml:"failure_status,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`

	// TextEncoding selects the string payload policy: utf8 or ascii.
	TextEncoding string `yaml:"text_encoding,omitempty"`

	// Types are the message schemas registered on the local bus.
	Types []MessageType `yaml:"types,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		StatePath:     "/var/lib/rosrelay/relays.db",
		QueueSize:     10,
		SuccessStatus: 200,
		FailureStatus: 500,
		LogLevel:      "info",
		TextEncoding:  "utf8",
	}
}

// Load reads the config file at path. A missing file returns the
// defaults; a present file is parsed and then filled in with defaults
// for anything it leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first problem that would prevent the daemon
// from starting.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("connection_string is required")
	}
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	if c.MethodTimeout < 0 {
		return fmt.Errorf("method_timeout must not be negative")
	}
	if c.TextEncoding != "utf8" && c.TextEncoding != "ascii" {
		return fmt.Errorf("text_encoding must be utf8 or ascii, got %q", c.TextEncoding)
	}
	for _, mt := range c.Types {
		if mt.Name == "" {
			return fmt.Errorf("message type with empty name")
		}
		for field, kind := range mt.Fields {
			if _, err := membus.ParseKind(kind); err != nil {
				return fmt.Errorf("type %s field %s: %w", mt.Name, field, err)
			}
		}
	}
	return nil
}

// Codec returns the payload text codec selected by TextEncoding.
func (c *Config) Codec() membus.TextCodec {
	if c.TextEncoding == "ascii" {
		return membus.ASCIICodec{}
	}
	return membus.UTF8Codec{}
}
