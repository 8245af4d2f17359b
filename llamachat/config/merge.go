package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

var (
	// ErrUnknownConfigKey is wrapped by UnknownConfigKeyError.
	ErrUnknownConfigKey = errors.New("unknown config key")
	// ErrInvalidSampling is returned when merged sampling values are out of range.
	ErrInvalidSampling = errors.New("invalid sampling parameters")
)

// UnknownConfigKeyError names the keys a merge refused to apply.
type UnknownConfigKeyError struct {
	Keys []string
}

func (e *UnknownConfigKeyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownConfigKey, strings.Join(e.Keys, ", "))
}

func (e *UnknownConfigKeyError) Unwrap() error { return ErrUnknownConfigKey }

// SamplingConfig holds decoding defaults. Per-request values are layered on top
// with MergeSampling.
type SamplingConfig struct {
	MaxTokens     int      `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature   float32  `mapstructure:"temperature" json:"temperature"`
	TopP          float32  `mapstructure:"top_p" json:"top_p"`
	TopK          int      `mapstructure:"top_k" json:"top_k"`
	RepeatPenalty float32  `mapstructure:"repeat_penalty" json:"repeat_penalty"`
	StopSequences []string `mapstructure:"stop_sequences" json:"stop_sequences"`
	Seed          int      `mapstructure:"seed" json:"seed"`
	Threads       int      `mapstructure:"threads" json:"threads"`
}

// Validate checks every field against its allowed range.
func (s SamplingConfig) Validate() error {
	switch {
	case s.MaxTokens <= 0:
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidSampling, s.MaxTokens)
	case s.Temperature < 0 || s.Temperature > 2:
		return fmt.Errorf("%w: temperature must be between 0 and 2, got %g", ErrInvalidSampling, s.Temperature)
	case s.TopP <= 0 || s.TopP > 1:
		return fmt.Errorf("%w: top_p must be in (0, 1], got %g", ErrInvalidSampling, s.TopP)
	case s.TopK < 0:
		return fmt.Errorf("%w: top_k must not be negative, got %d", ErrInvalidSampling, s.TopK)
	case s.RepeatPenalty < 0:
		return fmt.Errorf("%w: repeat_penalty must not be negative, got %g", ErrInvalidSampling, s.RepeatPenalty)
	case s.Threads < 0:
		return fmt.Errorf("%w: threads must not be negative, got %d", ErrInvalidSampling, s.Threads)
	}
	return nil
}

// Parameters converts the config into engine sampling parameters.
func (s SamplingConfig) Parameters() ports.SamplingParameters {
	return ports.SamplingParameters{
		MaxTokens:     s.MaxTokens,
		Temperature:   s.Temperature,
		TopP:          s.TopP,
		TopK:          s.TopK,
		RepeatPenalty: s.RepeatPenalty,
		StopSequences: slices.Clone(s.StopSequences),
		Seed:          s.Seed,
		Threads:       s.Threads,
	}
}

// MergeSampling applies overrides to base. Only recognized keys are accepted;
// anything else fails with *UnknownConfigKeyError and base is left untouched.
func MergeSampling(base SamplingConfig, overrides map[string]any) (SamplingConfig, error) {
	merged := base
	merged.StopSequences = slices.Clone(base.StopSequences)
	if len(overrides) == 0 {
		return merged, merged.Validate()
	}

	// mapstructure writes into an existing slice element by element
	if _, ok := overrides["stop_sequences"]; ok {
		merged.StopSequences = nil
	}

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         &md,
		Result:           &merged,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return base, fmt.Errorf("failed to build sampling decoder: %w", err)
	}
	if err := decoder.Decode(overrides); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidSampling, err)
	}
	if len(md.Unused) > 0 {
		slices.Sort(md.Unused)
		return base, &UnknownConfigKeyError{Keys: md.Unused}
	}
	if err := merged.Validate(); err != nil {
		return base, err
	}
	return merged, nil
}
