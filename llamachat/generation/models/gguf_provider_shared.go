package models

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// GGUFModelConfig holds configuration for GGUF model loading
type GGUFModelConfig struct {
	ModelPath   string
	ContextSize int
	GPULayers   int
	Threads     int
	F16Memory   bool
	MMap        bool
	BatchSize   int
	PoolSize    int // loaded instances; each completion borrows one
}

// DefaultGGUFConfig returns default configuration for a GGUF model
func DefaultGGUFConfig(modelPath string) *GGUFModelConfig {
	return &GGUFModelConfig{
		ModelPath:   modelPath,
		ContextSize: 4096,
		GPULayers:   0, // CPU-only by default
		Threads:     8,
		F16Memory:   true,
		MMap:        true,
		BatchSize:   512,
		PoolSize:    1,
	}
}

// ValidateConfig validates the GGUF model configuration
func ValidateConfig(config *GGUFModelConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if config.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}

	if config.ContextSize <= 0 {
		return fmt.Errorf("context size must be positive, got %d", config.ContextSize)
	}

	if config.GPULayers < 0 {
		return fmt.Errorf("GPU layers cannot be negative, got %d", config.GPULayers)
	}

	if config.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", config.Threads)
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	if config.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", config.PoolSize)
	}

	return nil
}

// ModelHealth tracks the health status of a model
type ModelHealth struct {
	IsHealthy      bool
	SuccessRate    float64
	AverageLatency time.Duration
	TotalCalls     int64
	SuccessCalls   int64
	FailureCalls   int64
	LastUsed       time.Time
	ErrorMessages  []string // most recent last
}

const maxHealthErrors = 10

// healthTracker records call outcomes. Latency is an exponential moving average.
type healthTracker struct {
	mu     sync.Mutex
	health ModelHealth
}

func newHealthTracker() *healthTracker {
	return &healthTracker{health: ModelHealth{IsHealthy: true, SuccessRate: 1.0}}
}

func (h *healthTracker) recordSuccess(duration time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.TotalCalls++
	h.health.SuccessCalls++
	h.health.LastUsed = time.Now()

	if h.health.AverageLatency == 0 {
		h.health.AverageLatency = duration
	} else {
		alpha := 0.1
		h.health.AverageLatency = time.Duration(float64(h.health.AverageLatency)*(1-alpha) + float64(duration)*alpha)
	}

	h.health.SuccessRate = float64(h.health.SuccessCalls) / float64(h.health.TotalCalls)
	h.health.IsHealthy = true
}

func (h *healthTracker) recordFailure(errorMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.TotalCalls++
	h.health.FailureCalls++
	h.health.LastUsed = time.Now()
	h.health.IsHealthy = false

	if len(h.health.ErrorMessages) >= maxHealthErrors {
		h.health.ErrorMessages = h.health.ErrorMessages[1:]
	}
	h.health.ErrorMessages = append(h.health.ErrorMessages, errorMsg)

	h.health.SuccessRate = float64(h.health.SuccessCalls) / float64(h.health.TotalCalls)
}

func (h *healthTracker) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.IsHealthy = false
}

func (h *healthTracker) snapshot() ModelHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	health := h.health
	health.ErrorMessages = slices.Clone(h.health.ErrorMessages)
	return health
}

// threadsFor prefers the per-request thread count when one is set.
func threadsFor(requested, configured int) int {
	if requested > 0 {
		return requested
	}
	return configured
}
