package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ResourceProfile declares a processor's runtime footprint so hosts can
// place work sensibly.
type ResourceProfile struct {
	CPUIntensive    bool    `json:"cpu_intensive"`
	MemoryIntensive bool    `json:"memory_intensive"`
	GPURequired     bool    `json:"gpu_required"`
	EstRAMGB        float64 `json:"est_ram_gb"`
	EstGPUGB        float64 `json:"est_gpu_gb"`
	ParallelSafe    bool    `json:"parallel_safe"`
}

// ProcessingResult is what a stage processor hands back. A non-success
// result and a returned error are treated identically by the scheduler.
type ProcessingResult struct {
	Success       bool                   `json:"success"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorID       string                 `json:"error_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// StageProcessor is the contract every stage implements. Processors must
// not modify shared state outside the context; a processor cancelled
// during shutdown must return promptly.
type StageProcessor interface {
	Name() string
	RequiredInputs() []string
	Outputs() []string
	ResourceProfile() ResourceProfile
	Process(ctx context.Context, pctx *ProcessingContext) (ProcessingResult, error)
}

// Registry holds stage processors by value-typed lookup on the stage name.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]StageProcessor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]StageProcessor)}
}

// Register adds a processor for its stage. Registering a duplicate or an
// unknown stage name is a programming error surfaced at wiring time.
func (r *Registry) Register(p StageProcessor) error {
	name := p.Name()
	if !IsKnownStage(name) {
		return fmt.Errorf("unknown stage %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[name]; exists {
		return fmt.Errorf("stage %q already registered", name)
	}
	r.processors[name] = p
	return nil
}

// Get returns the processor for a stage.
func (r *Registry) Get(name string) (StageProcessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	return p, ok
}

// Names returns the registered stage names in canonical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := StageIndex(names[i])
		b, _ := StageIndex(names[j])
		return a < b
	})
	return names
}
