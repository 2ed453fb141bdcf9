package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OrchestrationType selects how pipelines execute
type OrchestrationType string

const (
	OrchestrationInProcess   OrchestrationType = "in_process"
	OrchestrationDistributed OrchestrationType = "distributed"
)

// QueueDriver selects the message queue backend
type QueueDriver string

const (
	QueueDriverBroker       QueueDriver = "broker"        // Kafka
	QueueDriverManagedQueue QueueDriver = "managed_queue" // Redis Streams
	QueueDriverLocalFile    QueueDriver = "local_file"
)

// BlobDriver selects the artifact storage backend
type BlobDriver string

const (
	BlobDriverObjectStore BlobDriver = "object_store" // S3
	BlobDriverLocalFile   BlobDriver = "local_file"
)

// VectorDriver selects the vector index backend
type VectorDriver string

const (
	VectorDriverStandalone VectorDriver = "standalone_vector_db" // Qdrant
	VectorDriverPostgres   VectorDriver = "postgres_with_vector" // pgvector
	VectorDriverLocalFile  VectorDriver = "local_file"
)

// StoreDriver selects the content/operation and manifest store backend
type StoreDriver string

const (
	StoreDriverBolt     StoreDriver = "bolt"
	StoreDriverPostgres StoreDriver = "postgres"
)

// AIProvider selects an embedding or text generation provider
type AIProvider string

const (
	AIProviderOpenAI    AIProvider = "openai"
	AIProviderAnthropic AIProvider = "anthropic"
)

// Config is the root Memoir configuration
type Config struct {
	DataDir       string            `yaml:"data_dir"`
	Orchestration OrchestrationType `yaml:"orchestration"`
	Queue         QueueConfig       `yaml:"queue"`
	Blob          BlobConfig        `yaml:"blob"`
	Vector        VectorConfig      `yaml:"vector"`
	Store         StoreConfig       `yaml:"store"`
	Embedding     AIConfig          `yaml:"embedding"`
	TextGen       AIConfig          `yaml:"text_generation"`
	Retry         RetryConfig       `yaml:"retry"`
	Log           LogConfig         `yaml:"log"`
}

// QueueConfig configures the message queue driver
type QueueConfig struct {
	Driver    QueueDriver `yaml:"driver"`
	Dir       string      `yaml:"dir,omitempty"`       // local_file
	RedisAddr string      `yaml:"redis_addr,omitempty"`
	Brokers   []string    `yaml:"brokers,omitempty"` // kafka
}

// BlobConfig configures artifact storage
type BlobConfig struct {
	Driver   BlobDriver `yaml:"driver"`
	Dir      string     `yaml:"dir,omitempty"`
	Bucket   string     `yaml:"bucket,omitempty"`
	Region   string     `yaml:"region,omitempty"`
	Endpoint string     `yaml:"endpoint,omitempty"`
}

// VectorConfig configures the vector index driver
type VectorConfig struct {
	ID      string       `yaml:"id"` // configured index id used by write-engine fan-out steps
	Driver  VectorDriver `yaml:"driver"`
	Dir     string       `yaml:"dir,omitempty"`
	Host    string       `yaml:"host,omitempty"` // qdrant
	Port    int          `yaml:"port,omitempty"`
	DSN     string       `yaml:"dsn,omitempty"` // postgres
	VectorD int          `yaml:"vector_dim,omitempty"`
}

// StoreConfig configures the content/operation and manifest store
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`
	DSN    string      `yaml:"dsn,omitempty"`
}

// AIConfig configures an embedding or text generation provider
type AIConfig struct {
	Provider  AIProvider `yaml:"provider"`
	Model     string     `yaml:"model"`
	Endpoint  string     `yaml:"endpoint,omitempty"`
	APIKeyEnv string     `yaml:"api_key_env,omitempty"` // credential mode: env var name
	MaxTokens int        `yaml:"max_tokens,omitempty"`
}

// APIKey resolves the credential from the environment
func (c AIConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// RetryConfig tunes queue delivery and poison behavior
type RetryConfig struct {
	MaxRetriesBeforePoison int    `yaml:"max_retries_before_poison"`
	MessageTTLSecs         int    `yaml:"message_ttl_secs"`
	PoisonSuffix           string `yaml:"poison_suffix"`
	FetchLockSecs          int    `yaml:"fetch_lock_secs"`
	PollDelayMsecs         int    `yaml:"poll_delay_msecs"`
	FetchBatchSize         int    `yaml:"fetch_batch_size"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration suitable for a single-node serverless
// deployment: everything on the local filesystem, in-process orchestration.
func Default() *Config {
	return &Config{
		DataDir:       "/var/lib/memoir",
		Orchestration: OrchestrationInProcess,
		Queue:         QueueConfig{Driver: QueueDriverLocalFile},
		Blob:          BlobConfig{Driver: BlobDriverLocalFile},
		Vector:        VectorConfig{ID: "local-1", Driver: VectorDriverLocalFile},
		Store:         StoreConfig{Driver: StoreDriverBolt},
		Embedding:     AIConfig{Provider: AIProviderOpenAI, Model: "text-embedding-3-small", APIKeyEnv: "OPENAI_API_KEY"},
		TextGen:       AIConfig{Provider: AIProviderOpenAI, Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY"},
		Retry:         DefaultRetry(),
		Log:           LogConfig{Level: "info", JSON: true},
	}
}

// DefaultRetry returns the documented retry defaults
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxRetriesBeforePoison: 20,
		MessageTTLSecs:         3600,
		PoisonSuffix:           "-poison",
		FetchLockSecs:          300,
		PollDelayMsecs:         100,
		FetchBatchSize:         3,
	}
}

// Load reads a YAML config file, applying defaults for missing fields
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver selections and their required fields. Invalid
// wiring must fail here or in the builder, never at runtime.
func (c *Config) Validate() error {
	switch c.Orchestration {
	case OrchestrationInProcess, OrchestrationDistributed:
	default:
		return fmt.Errorf("unknown orchestration type %q", c.Orchestration)
	}

	switch c.Queue.Driver {
	case QueueDriverLocalFile:
	case QueueDriverManagedQueue:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue driver %q requires redis_addr", c.Queue.Driver)
		}
	case QueueDriverBroker:
		if len(c.Queue.Brokers) == 0 {
			return fmt.Errorf("queue driver %q requires brokers", c.Queue.Driver)
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	switch c.Blob.Driver {
	case BlobDriverLocalFile:
	case BlobDriverObjectStore:
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob driver %q requires bucket", c.Blob.Driver)
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}

	switch c.Vector.Driver {
	case VectorDriverLocalFile:
	case VectorDriverStandalone:
		if c.Vector.Host == "" {
			return fmt.Errorf("vector driver %q requires host", c.Vector.Driver)
		}
	case VectorDriverPostgres:
		if c.Vector.DSN == "" {
			return fmt.Errorf("vector driver %q requires dsn", c.Vector.Driver)
		}
	default:
		return fmt.Errorf("unknown vector driver %q", c.Vector.Driver)
	}
	if c.Vector.ID == "" {
		return fmt.Errorf("vector index id is required")
	}

	switch c.Store.Driver {
	case StoreDriverBolt:
	case StoreDriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Retry.MaxRetriesBeforePoison <= 0 {
		return fmt.Errorf("max_retries_before_poison must be positive")
	}
	return nil
}
