package harness

import (
	"errors"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

// Mode is the orchestrator's steady state.
type Mode string

const (
	ModeReady    Mode = "ready"
	ModeDegraded Mode = "degraded"
)

var errNoEngine = errors.New("no engine loaded")

// EngineHandle is either Ready(engine) or Unavailable(err). It is built once
// per load attempt and never mutated afterwards.
type EngineHandle struct {
	engine     ports.Engine
	descriptor string
	loadErr    error
}

// ReadyHandle wraps a loaded engine. descriptor names the model for status output.
func ReadyHandle(engine ports.Engine, descriptor string) *EngineHandle {
	if engine == nil {
		return UnavailableHandle(errNoEngine)
	}
	return &EngineHandle{engine: engine, descriptor: descriptor}
}

// UnavailableHandle records why no engine is available.
func UnavailableHandle(err error) *EngineHandle {
	if err == nil {
		err = errNoEngine
	}
	return &EngineHandle{loadErr: err}
}

func (h *EngineHandle) Ready() bool { return h != nil && h.engine != nil }

func (h *EngineHandle) Engine() ports.Engine {
	if h == nil {
		return nil
	}
	return h.engine
}

// Err is the load failure for an unavailable handle, nil otherwise.
func (h *EngineHandle) Err() error {
	if h == nil {
		return errNoEngine
	}
	return h.loadErr
}

func (h *EngineHandle) Descriptor() string {
	if h == nil {
		return ""
	}
	return h.descriptor
}

func (h *EngineHandle) Mode() Mode {
	if h.Ready() {
		return ModeReady
	}
	return ModeDegraded
}
