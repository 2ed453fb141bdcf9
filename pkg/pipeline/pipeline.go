package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/memoir/pkg/types"
)

// Outcome categorizes a handler result. The orchestrator decides retry
// versus poison from the category, never from inspecting the error.
type Outcome int

const (
	// OutcomeSuccess advances the pipeline to the next step
	OutcomeSuccess Outcome = iota

	// OutcomeTransient retries the step with back-off
	OutcomeTransient

	// OutcomePermanent poisons the pipeline; retrying cannot help
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Handler executes one named pipeline step. Handlers receive a copy of the
// manifest, mutate it, and return it; the orchestrator persists the result.
// Handlers must be idempotent: at-least-once delivery means a step can run
// again after a crash that lost the checkpoint.
type Handler interface {
	Step() string
	Handle(ctx context.Context, p *types.Pipeline) (*types.Pipeline, Outcome, error)
}

// Orchestrator runs pipelines to completion
type Orchestrator interface {
	// RunPipeline persists the manifest and schedules its first step
	RunPipeline(ctx context.Context, p *types.Pipeline) error
}

// Registry maps step names to their handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to its step name. Rebinding a step is an error.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Step()]; ok {
		return fmt.Errorf("step %q already has a handler", h.Step())
	}
	r.handlers[h.Step()] = h
	return nil
}

// Get resolves the handler for a step
func (r *Registry) Get(step string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[step]
	return h, ok
}

// Steps returns the registered step names
func (r *Registry) Steps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		steps = append(steps, s)
	}
	return steps
}
