package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
app:
  name: outbound-messaging
  env: test
queue:
  driver: kafka
kafka:
  brokers: ["localhost:9092"]
breaker:
  threshold: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 200*time.Millisecond, cfg.Dispatch.SendInterval)
	assert.Equal(t, "Europe/Paris", cfg.Compliance.TimeZone)
	assert.Len(t, cfg.Compliance.Windows, 2)
	assert.Equal(t, "14:00", cfg.Compliance.Windows[1].Start)
	assert.Equal(t, "mock", cfg.Providers.SMS.Kind)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OUTBOUND_DISPATCH_CONCURRENCY", "9")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Dispatch.Concurrency)
}

func TestValidateQueueDriver(t *testing.T) {
	_, err := Load(writeConfig(t, "queue:\n  driver: carrier-pigeon\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "queue:\n  driver: amqp\n"))
	assert.ErrorContains(t, err, "amqp.url")
}
