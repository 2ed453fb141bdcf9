package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, OrchestrationInProcess, cfg.Orchestration)
	assert.Equal(t, 20, cfg.Retry.MaxRetriesBeforePoison)
	assert.Equal(t, "-poison", cfg.Retry.PoisonSuffix)
	assert.Equal(t, 300, cfg.Retry.FetchLockSecs)
	assert.Equal(t, 3, cfg.Retry.FetchBatchSize)
}

func TestValidateRejectsIncompleteDrivers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"redis without addr", func(c *Config) { c.Queue = QueueConfig{Driver: QueueDriverManagedQueue} }},
		{"kafka without brokers", func(c *Config) { c.Queue = QueueConfig{Driver: QueueDriverBroker} }},
		{"s3 without bucket", func(c *Config) { c.Blob = BlobConfig{Driver: BlobDriverObjectStore} }},
		{"qdrant without host", func(c *Config) { c.Vector = VectorConfig{ID: "q", Driver: VectorDriverStandalone} }},
		{"pgvector without dsn", func(c *Config) { c.Vector = VectorConfig{ID: "pg", Driver: VectorDriverPostgres} }},
		{"vector without id", func(c *Config) { c.Vector.ID = "" }},
		{"postgres store without dsn", func(c *Config) { c.Store = StoreConfig{Driver: StoreDriverPostgres} }},
		{"unknown orchestration", func(c *Config) { c.Orchestration = "serverless" }},
		{"unknown queue driver", func(c *Config) { c.Queue.Driver = "rabbitmq" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memoir.yaml")
	data := `
data_dir: /tmp/memoir-test
orchestration: distributed
queue:
  driver: managed_queue
  redis_addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/memoir-test", cfg.DataDir)
	assert.Equal(t, OrchestrationDistributed, cfg.Orchestration)
	assert.Equal(t, "localhost:6379", cfg.Queue.RedisAddr)
	// Untouched sections keep defaults
	assert.Equal(t, BlobDriverLocalFile, cfg.Blob.Driver)
	assert.Equal(t, 3600, cfg.Retry.MessageTTLSecs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv("MEMOIR_TEST_KEY", "sk-test")
	assert.Equal(t, "sk-test", AIConfig{APIKeyEnv: "MEMOIR_TEST_KEY"}.APIKey())
	assert.Equal(t, "", AIConfig{}.APIKey())
}
