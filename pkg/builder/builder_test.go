package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/memoir/pkg/config"
	"github.com/cuemby/memoir/pkg/pipeline"
	"github.com/cuemby/memoir/pkg/types"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestBuildInProcessNode(t *testing.T) {
	cfg := localConfig(t)

	svcs, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svcs.Close() })

	assert.NotNil(t, svcs.Memory)
	assert.NotNil(t, svcs.Engine)
	assert.NotNil(t, svcs.Janitor)
	assert.Nil(t, svcs.Worker)
	assert.IsType(t, &pipeline.InProcessOrchestrator{}, svcs.Orchestrator)

	// Every default ingestion step has a handler registered
	for _, step := range types.DefaultSteps() {
		_, ok := svcs.Registry.Get(step)
		assert.True(t, ok, "missing handler for %s", step)
	}
	for _, step := range []string{types.StepSummarize, types.StepDeleteDocument, types.StepDeleteIndex} {
		_, ok := svcs.Registry.Get(step)
		assert.True(t, ok, "missing handler for %s", step)
	}
}

func TestBuildDistributedNode(t *testing.T) {
	cfg := localConfig(t)
	cfg.Orchestration = config.OrchestrationDistributed
	cfg.Queue = config.QueueConfig{Driver: config.QueueDriverLocalFile}

	svcs, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svcs.Close() })

	require.NotNil(t, svcs.Worker)
	assert.Equal(t, pipeline.Orchestrator(svcs.Worker), svcs.Orchestrator)
}

func TestBuildRejectsAnthropicEmbeddings(t *testing.T) {
	cfg := localConfig(t)
	cfg.Embedding = config.AIConfig{Provider: config.AIProviderAnthropic, Model: "claude-3-5-haiku-latest"}

	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not serve embeddings")
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := localConfig(t)
	cfg.Queue.Driver = "carrier-pigeon"

	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestWorkerIDIsUniquePerCall(t *testing.T) {
	assert.NotEqual(t, workerID(), workerID())
}
