//go:build llama && !no_llama

package models

import (
	"context"
	"fmt"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"
)

// GGUFProvider wraps llama.cpp models with Go-friendly interface
type GGUFProvider struct {
	config *GGUFModelConfig
	health *healthTracker

	// Pooling
	pool   chan *llama.LLama
	poolMu sync.Mutex
	closed bool
	done   chan struct{} // closed by Close to release waiting borrowers

	logger zerolog.Logger
}

// NewGGUFProvider loads config.PoolSize instances of the model.
func NewGGUFProvider(config *GGUFModelConfig, logger zerolog.Logger) (*GGUFProvider, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider := &GGUFProvider{
		config: config,
		health: newHealthTracker(),
		pool:   make(chan *llama.LLama, config.PoolSize),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "GGUFProvider").Str("model_path", config.ModelPath).Logger(),
	}

	if err := provider.initializePool(); err != nil {
		provider.drain()
		return nil, fmt.Errorf("failed to initialize model pool: %w", err)
	}

	provider.logger.Info().
		Int("pool_size", config.PoolSize).
		Int("context_size", config.ContextSize).
		Int("threads", config.Threads).
		Msg("GGUFProvider initialized")
	return provider, nil
}

func (p *GGUFProvider) loadModel() (*llama.LLama, error) {
	options := []llama.ModelOption{
		llama.SetContext(p.config.ContextSize),
		llama.SetGPULayers(p.config.GPULayers),
		llama.SetNBatch(p.config.BatchSize),
		llama.SetMMap(p.config.MMap),
	}
	if p.config.F16Memory {
		options = append(options, llama.EnableF16Memory)
	}

	model, err := llama.New(p.config.ModelPath, options...)
	if err != nil {
		return nil, fmt.Errorf("llama.New failed: %w", err)
	}
	return model, nil
}

func (p *GGUFProvider) initializePool() error {
	for i := 0; i < p.config.PoolSize; i++ {
		model, err := p.loadModel()
		if err != nil {
			p.logger.Error().Err(err).Int("instance", i).Msg("Failed to load model instance")
			return fmt.Errorf("failed to load model instance %d: %w", i, err)
		}
		p.pool <- model
		p.logger.Debug().Int("instance", i).Int("pool_size", len(p.pool)).Msg("Loaded model instance")
	}
	return nil
}

// borrow waits for a free instance. The wait is bounded only by ctx.
func (p *GGUFProvider) borrow(ctx context.Context) (*llama.LLama, error) {
	select {
	case model := <-p.pool:
		return model, nil
	case <-p.done:
		return nil, fmt.Errorf("provider closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *GGUFProvider) giveBack(model *llama.LLama) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	if p.closed {
		model.Free()
		return
	}
	select {
	case p.pool <- model:
	default:
		p.logger.Warn().Msg("Pool channel full, freeing model")
		model.Free()
	}
}

// Complete runs one prediction on a pooled instance. There is no internal
// timeout; a started prediction runs until llama.cpp returns.
func (p *GGUFProvider) Complete(ctx context.Context, prompt string, params ports.SamplingParameters) (ports.Completion, error) {
	if prompt == "" {
		return ports.Completion{}, fmt.Errorf("prompt cannot be empty")
	}

	model, err := p.borrow(ctx)
	if err != nil {
		p.health.recordFailure(fmt.Sprintf("borrow failed: %v", err))
		return ports.Completion{}, fmt.Errorf("failed to borrow model: %w", err)
	}
	defer p.giveBack(model)

	start := time.Now()
	p.logger.Debug().Int("prompt_length", len(prompt)).Msg("Starting text generation")

	options := []llama.PredictOption{
		llama.SetTokens(params.MaxTokens),
		llama.SetTemperature(params.Temperature),
		llama.SetTopP(params.TopP),
		llama.SetTopK(params.TopK),
		llama.SetPenalty(params.RepeatPenalty),
		llama.SetSeed(params.Seed),
		llama.SetThreads(threadsFor(params.Threads, p.config.Threads)),
	}
	if len(params.StopSequences) > 0 {
		options = append(options, llama.SetStopWords(params.StopSequences...))
	}

	result, err := model.Predict(prompt, options...)
	if err != nil {
		p.health.recordFailure(fmt.Sprintf("prediction failed: %v", err))
		return ports.Completion{}, fmt.Errorf("prediction failed: %w", err)
	}

	duration := time.Since(start)
	p.health.recordSuccess(duration)
	p.logger.Debug().Int64("duration_ms", duration.Milliseconds()).Int("output_length", len(result)).Msg("Text generation completed")

	return ports.Completion{Text: result}, nil
}

// Health returns a snapshot of the provider's health.
func (p *GGUFProvider) Health() ModelHealth { return p.health.snapshot() }

// Config returns the configuration the pool was loaded with.
func (p *GGUFProvider) Config() GGUFModelConfig { return *p.config }

// Close frees every pooled instance. Instances still borrowed are freed when
// they are given back.
func (p *GGUFProvider) Close() error {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	p.drain()
	p.health.markClosed()
	p.logger.Info().Msg("GGUFProvider closed")
	return nil
}

func (p *GGUFProvider) drain() {
	for {
		select {
		case model := <-p.pool:
			model.Free()
		default:
			return
		}
	}
}

var _ Engine = (*GGUFProvider)(nil)
