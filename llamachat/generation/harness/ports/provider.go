package harnessports

import (
	"context"
)

// SamplingParameters controls decoding for a single completion call.
type SamplingParameters struct {
	MaxTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	StopSequences []string // output is cut at the first of these
	Seed          int      // -1 lets the engine pick
	Threads       int      // 0 keeps the engine default
}

// Usage captures token accounting for telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the engine's non-streaming response.
type Completion struct {
	Text  string
	Usage *Usage // optional usage information
}

// Engine is the abstraction over the native inference library (inference hidden behind this port).
// Complete blocks until the engine finishes or fails; it is never cancelled mid-flight.
type Engine interface {
	Complete(ctx context.Context, prompt string, params SamplingParameters) (Completion, error)
}
