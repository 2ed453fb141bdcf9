package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/memoir/pkg/ai"
	"github.com/cuemby/memoir/pkg/blob"
	"github.com/cuemby/memoir/pkg/chunker"
	"github.com/cuemby/memoir/pkg/config"
	"github.com/cuemby/memoir/pkg/contentops"
	"github.com/cuemby/memoir/pkg/events"
	"github.com/cuemby/memoir/pkg/extract"
	"github.com/cuemby/memoir/pkg/handlers"
	"github.com/cuemby/memoir/pkg/log"
	"github.com/cuemby/memoir/pkg/memory"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/queue"
	"github.com/cuemby/memoir/pkg/search"
	"github.com/cuemby/memoir/pkg/service"
	"github.com/cuemby/memoir/pkg/storage"
)

// defaultVectorDim matches text-embedding-3-small
const defaultVectorDim = 1536

// Services holds every wired component of a Memoir node. Build constructs
// the whole graph from configuration; callers own the lifecycle.
type Services struct {
	Config *config.Config
	Log    zerolog.Logger

	Store  storage.Store
	Blobs  blob.Store
	Db     memory.Db
	Broker *events.Broker

	Engine  *contentops.Engine
	Janitor *contentops.Janitor

	Registry     *pipeline.Registry
	Orchestrator pipeline.Orchestrator
	// Worker is non-nil when orchestration is distributed; callers start it
	// to consume step queues on this node.
	Worker *pipeline.DistributedOrchestrator

	Embedder  ai.Embedder
	Generator ai.Generator
	Searcher  *search.Client
	Memory    service.Memory
}

// Build wires a Memoir node from configuration. Driver selection failures
// surface here, before anything is served.
func Build(ctx context.Context, cfg *config.Config) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.New(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	blobs, err := buildBlobs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	db, err := buildVectorDb(ctx, cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := buildEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	generator, err := buildGenerator(cfg.TextGen)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	engine := contentops.NewEngine(store, broker, logger, contentops.NewVectorIndexer(cfg.Vector.ID, db))

	registry := pipeline.NewRegistry()
	for _, h := range []pipeline.Handler{
		handlers.NewExtractHandler(blobs, extract.NewRegistry(), logger),
		handlers.NewPartitionHandler(blobs, embedder, chunker.DefaultOptions(), logger),
		handlers.NewSummarizeHandler(blobs, generator, logger),
		handlers.NewGenEmbeddingsHandler(blobs, []ai.Embedder{embedder}, logger),
		handlers.NewSaveEmbeddingsHandler(blobs, engine, logger),
		handlers.NewDeleteDocumentHandler(db, engine, blobs, broker, logger),
		handlers.NewDeleteIndexHandler(db, engine, blobs, broker, logger),
	} {
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}

	svcs := &Services{
		Config:    cfg,
		Log:       logger,
		Store:     store,
		Blobs:     blobs,
		Db:        db,
		Broker:    broker,
		Engine:    engine,
		Janitor:   contentops.NewJanitor(store, engine, logger),
		Registry:  registry,
		Embedder:  embedder,
		Generator: generator,
	}

	switch cfg.Orchestration {
	case config.OrchestrationInProcess:
		svcs.Orchestrator = pipeline.NewInProcessOrchestrator(store, registry, broker, logger)
	case config.OrchestrationDistributed:
		provider, err := buildQueueProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
		worker := pipeline.NewDistributedOrchestrator(store, registry, provider, broker, workerID(), logger)
		svcs.Worker = worker
		svcs.Orchestrator = worker
	default:
		return nil, fmt.Errorf("unknown orchestration type %q", cfg.Orchestration)
	}

	svcs.Searcher = search.NewClient(db, embedder, generator, logger)
	svcs.Memory = service.New(store, blobs, svcs.Orchestrator, svcs.Searcher, db, logger)
	return svcs, nil
}

// Close releases the durable store. Other components hold no resources
// that outlive their contexts.
func (s *Services) Close() error {
	return s.Store.Close()
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverBolt:
		return storage.NewBoltStore(filepath.Join(cfg.DataDir, "store"))
	case config.StoreDriverPostgres:
		return storage.NewPostgresStore(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case config.BlobDriverLocalFile:
		dir := cfg.Blob.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "blobs")
		}
		return blob.NewLocalStore(dir)
	case config.BlobDriverObjectStore:
		return blob.NewS3Store(ctx, cfg.Blob.Bucket, cfg.Blob.Region, cfg.Blob.Endpoint)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Blob.Driver)
	}
}

func buildVectorDb(ctx context.Context, cfg *config.Config) (memory.Db, error) {
	dim := cfg.Vector.VectorD
	if dim <= 0 {
		dim = defaultVectorDim
	}
	switch cfg.Vector.Driver {
	case config.VectorDriverLocalFile:
		dir := cfg.Vector.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "vectors")
		}
		return memory.NewLocalDb(dir)
	case config.VectorDriverStandalone:
		return memory.NewQdrantDb(cfg.Vector.Host, cfg.Vector.Port, dim)
	case config.VectorDriverPostgres:
		return memory.NewPgVectorDb(ctx, cfg.Vector.DSN, dim)
	default:
		return nil, fmt.Errorf("unknown vector driver %q", cfg.Vector.Driver)
	}
}

func buildEmbedder(cfg config.AIConfig) (ai.Embedder, error) {
	switch cfg.Provider {
	case config.AIProviderOpenAI:
		return ai.NewOpenAIClient(cfg), nil
	case config.AIProviderAnthropic:
		return nil, fmt.Errorf("provider %q does not serve embeddings", cfg.Provider)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func buildGenerator(cfg config.AIConfig) (ai.Generator, error) {
	switch cfg.Provider {
	case config.AIProviderOpenAI:
		return ai.NewOpenAIClient(cfg), nil
	case config.AIProviderAnthropic:
		return ai.NewAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown text generation provider %q", cfg.Provider)
	}
}

func buildQueueProvider(cfg *config.Config, logger zerolog.Logger) (queue.Provider, error) {
	switch cfg.Queue.Driver {
	case config.QueueDriverLocalFile:
		dir := cfg.Queue.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "queues")
		}
		return queue.NewFileProvider(dir, cfg.Retry, logger), nil
	case config.QueueDriverManagedQueue:
		return queue.NewRedisProvider(cfg.Queue.RedisAddr, workerID(), cfg.Retry, logger), nil
	case config.QueueDriverBroker:
		return queue.NewKafkaProvider(cfg.Queue.Brokers, cfg.Retry, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// workerID identifies this node in leases and consumer groups
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "memoir"
	}
	return host + "-" + uuid.NewString()[:8]
}
