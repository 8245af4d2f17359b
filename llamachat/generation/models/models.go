package models

import (
	"errors"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

var (
	ErrLoadFailure      = errors.New("model load failed")
	ErrLlamaUnavailable = errors.New("llama.cpp not available in this build")
	ErrNotFound         = errors.New("model not found")
	ErrAmbiguousModel   = errors.New("ambiguous model name")
	ErrDownloadFailure  = errors.New("model download failed")
)

// Engine is a loaded completion engine with health accounting.
type Engine interface {
	ports.Engine
	Health() ModelHealth
	Close() error
}
