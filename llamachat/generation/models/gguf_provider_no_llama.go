//go:build !llama || no_llama

package models

import (
	"context"
	"fmt"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/rs/zerolog"
)

// GGUFProvider is a stand-in for builds without llama.cpp. It can never be
// constructed, so a load always ends in degraded mode.
type GGUFProvider struct {
	config *GGUFModelConfig
	health *healthTracker
}

// NewGGUFProvider validates config and reports ErrLlamaUnavailable.
func NewGGUFProvider(config *GGUFModelConfig, logger zerolog.Logger) (*GGUFProvider, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Debug().Str("model_path", config.ModelPath).Msg("Built without the llama tag, skipping model load")
	return nil, ErrLlamaUnavailable
}

func (p *GGUFProvider) Complete(ctx context.Context, prompt string, params ports.SamplingParameters) (ports.Completion, error) {
	return ports.Completion{}, ErrLlamaUnavailable
}

func (p *GGUFProvider) Health() ModelHealth { return ModelHealth{} }

func (p *GGUFProvider) Config() GGUFModelConfig { return *p.config }

func (p *GGUFProvider) Close() error { return nil }

var _ Engine = (*GGUFProvider)(nil)
