// Package config loads the YAML configuration shared by the thingsync
// binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway   Gateway   `yaml:"gateway"`
	Protocol  Protocol  `yaml:"protocol"`
	Cache     Cache     `yaml:"cache"`
	Redis     Redis     `yaml:"redis"`
	NATS      NATS      `yaml:"nats"`
	Kafka     Kafka     `yaml:"kafka"`
	Metrics   Metrics   `yaml:"metrics"`
	Log       Log       `yaml:"log"`
	Simulator Simulator `yaml:"simulator"`
}

// Gateway locates the gateway a client talks to.
type Gateway struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type Protocol struct {
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	PhaseTimeout time.Duration `yaml:"phase_timeout"`
}

// Cache sizes the thing description cache. Descriptions are kept in Redis
// when Redis is configured, in process otherwise.
type Cache struct {
	MaxEntries int64         `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// Redis is optional; an empty address disables it.
type Redis struct {
	Addr string `yaml:"address"`
	DB   int    `yaml:"db"`
}

type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Metrics enables the /metrics endpoint, and on the client the local event
// streams, when Addr is set.
type Metrics struct {
	Addr string `yaml:"address"`
}

type Log struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"development"`
}

// Simulator configures the gateway simulator.
type Simulator struct {
	Listen   string        `yaml:"listen"`
	Token    string        `yaml:"token"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	LockWait time.Duration `yaml:"lock_wait"`
	Devices  []Device      `yaml:"devices"`
}

type Device struct {
	ID         string              `yaml:"id"`
	Title      string              `yaml:"title"`
	Properties map[string]Property `yaml:"properties"`
	Events     map[string]string   `yaml:"events"`
}

// Property describes one simulated property and its initial value.
type Property struct {
	Type     string   `yaml:"type"`
	Unit     string   `yaml:"unit"`
	ReadOnly bool     `yaml:"read_only"`
	Minimum  *float64 `yaml:"minimum"`
	Maximum  *float64 `yaml:"maximum"`
	Value    any      `yaml:"value"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Gateway: Gateway{URL: "http://localhost:8080"},
		Protocol: Protocol{
			LockTimeout:  10 * time.Second,
			PhaseTimeout: 10 * time.Second,
		},
		Cache:     Cache{MaxEntries: 1000, TTL: 5 * time.Minute},
		NATS:      NATS{SubjectPrefix: "thingsync"},
		Kafka:     Kafka{Topic: "thingsync-events"},
		Log:       Log{Level: "info"},
		Simulator: Simulator{Listen: ":8080", LockTTL: 30 * time.Second, LockWait: 10 * time.Second},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	if c.Protocol.LockTimeout <= 0 || c.Protocol.PhaseTimeout <= 0 {
		return fmt.Errorf("protocol timeouts must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka brokers set without a topic")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	seen := make(map[string]bool, len(c.Simulator.Devices))
	for _, d := range c.Simulator.Devices {
		if d.ID == "" {
			return fmt.Errorf("simulator device without id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate simulator device %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// BuildLogger returns a console logger at the configured level.
func (l Log) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	logConfig := zap.NewProductionConfig()
	if l.Dev {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.TimeKey = ""
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logConfig.DisableStacktrace = true
		logConfig.DisableCaller = true
	}
	logConfig.Level.SetLevel(level)
	return logConfig.Build()
}
