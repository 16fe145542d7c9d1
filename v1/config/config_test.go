package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thingsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := write(t, `
gateway:
  url: http://gw:9000
  token: abc
protocol:
  phase_timeout: 2s
redis:
  address: localhost:6379
kafka:
  brokers: [k1:9092, k2:9092]
log:
  level: debug
  development: true
simulator:
  listen: :9000
  lock_ttl: 1m
  devices:
    - id: lamp
      title: Lamp
      properties:
        on: {type: boolean, value: false}
        level: {type: integer, minimum: 0, maximum: 100, value: 10}
      events:
        overheated: number
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://gw:9000", cfg.Gateway.URL)
	assert.Equal(t, "abc", cfg.Gateway.Token)
	assert.Equal(t, 10*time.Second, cfg.Protocol.LockTimeout)
	assert.Equal(t, 2*time.Second, cfg.Protocol.PhaseTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "thingsync-events", cfg.Kafka.Topic)
	assert.Equal(t, time.Minute, cfg.Simulator.LockTTL)
	assert.Equal(t, 10*time.Second, cfg.Simulator.LockWait)

	require.Len(t, cfg.Simulator.Devices, 1)
	lamp := cfg.Simulator.Devices[0]
	assert.Equal(t, "integer", lamp.Properties["level"].Type)
	require.NotNil(t, lamp.Properties["level"].Maximum)
	assert.Equal(t, 100.0, *lamp.Properties["level"].Maximum)
	assert.Equal(t, false, lamp.Properties["on"].Value)
	assert.Equal(t, "number", lamp.Events["overheated"])

	log, err := cfg.Log.BuildLogger()
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "gateway: [",
		"zero timeout":  "protocol: {lock_timeout: 0s}",
		"kafka topic":   "kafka: {brokers: [k:9092], topic: \"\"}",
		"log level":     "log: {level: loud}",
		"duplicate":     "simulator: {devices: [{id: a}, {id: a}]}",
		"anonymous dev": "simulator: {devices: [{title: x}]}",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}
