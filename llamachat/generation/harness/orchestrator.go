package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/rs/zerolog"
)

var (
	// ErrEmptyInput is returned when the user input is blank after trimming.
	ErrEmptyInput = errors.New("empty input")
	// ErrCompletionFailure wraps any error raised by the engine call.
	ErrCompletionFailure = errors.New("completion failed")
)

// CompletionErrorFormat renders the reply stored when the engine call fails.
const CompletionErrorFormat = "Sorry, an error occurred while generating a reply: %v"

// Policy controls prompt construction. It can be swapped at runtime when the
// config file changes.
type Policy struct {
	SystemPrompt            string
	HistoryWindow           int
	ExcludeFailedFromPrompt bool
}

// Result is the outcome of one handled request.
type Result struct {
	Response string
	History  []ports.Turn // full exported history after the exchange
	Mode     Mode
	Failed   bool // Response is a synthesized completion error
}

// Orchestrator routes one request at a time per session through the engine,
// or through the degraded responder when no engine is loaded.
type Orchestrator struct {
	handle    atomic.Pointer[EngineHandle]
	policy    atomic.Pointer[Policy]
	assembler *PromptAssembler
	parser    *OutputParser
	responder *Responder
	store     ports.ConversationStore
	gate      ports.Gate
	tracer    ports.Tracer
	locks     *sessionLocks
	logger    zerolog.Logger
}

// NewOrchestrator creates a new orchestrator with dependencies.
func NewOrchestrator(
	handle *EngineHandle,
	assembler *PromptAssembler,
	responder *Responder,
	store ports.ConversationStore,
	gate ports.Gate,
	tracer ports.Tracer,
	policy Policy,
	logger zerolog.Logger,
) *Orchestrator {
	if gate == nil {
		gate = &noOpGate{}
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	if responder == nil {
		responder = NewResponder(nil)
	}
	o := &Orchestrator{
		assembler: assembler,
		parser:    NewOutputParser(),
		responder: responder,
		store:     store,
		gate:      gate,
		tracer:    tracer,
		locks:     newSessionLocks(),
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
	o.SetEngine(handle)
	o.SetPolicy(policy)
	return o
}

// SetEngine swaps the engine handle. Requests already past their mode check
// finish on the handle they started with.
func (o *Orchestrator) SetEngine(h *EngineHandle) {
	if h == nil {
		h = UnavailableHandle(nil)
	}
	o.handle.Store(h)
}

// Engine returns the current handle.
func (o *Orchestrator) Engine() *EngineHandle { return o.handle.Load() }

// Mode reports Ready or Degraded for the current handle.
func (o *Orchestrator) Mode() Mode { return o.handle.Load().Mode() }

func (o *Orchestrator) SetPolicy(p Policy) { o.policy.Store(&p) }

func (o *Orchestrator) Policy() Policy { return *o.policy.Load() }

// HandleRequest answers input for sessionID and records the exchange.
//
// Only validation (ErrEmptyInput) and store faults are returned as errors.
// Engine failures become a conversation-visible reply with Result.Failed set.
func (o *Orchestrator) HandleRequest(ctx context.Context, sessionID, input string, params ports.SamplingParameters) (*Result, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	unlock := o.locks.lock(sessionID)
	defer unlock()

	handle := o.handle.Load()
	policy := o.Policy()

	ctx, finish := o.tracer.StartSpan(ctx, "handle_request", map[string]any{
		"session_id": sessionID,
		"mode":       string(handle.Mode()),
	})

	result, err := o.respond(ctx, handle, policy, sessionID, input, params)
	finish(err)
	return result, err
}

func (o *Orchestrator) respond(ctx context.Context, handle *EngineHandle, policy Policy, sessionID, input string, params ports.SamplingParameters) (*Result, error) {
	if _, err := o.store.Ensure(ctx, sessionID, handle.Descriptor()); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	result := &Result{Mode: handle.Mode()}

	if !handle.Ready() {
		result.Response = o.responder.Pick()
		o.tracer.Event(ctx, "degraded_response", map[string]any{"session_id": sessionID})
	} else {
		history, err := o.store.Window(ctx, sessionID, policy.HistoryWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to load history window: %w", err)
		}

		text, err := o.complete(ctx, handle, policy, history, input, params)
		if err != nil {
			var gateErr *gateError
			if errors.As(err, &gateErr) {
				return nil, err
			}
			o.logger.Warn().Err(fmt.Errorf("%w: %w", ErrCompletionFailure, err)).Str("session_id", sessionID).Msg("Completion failed, recording error reply")
			o.tracer.Event(ctx, "completion_failure", map[string]any{"error": err.Error()})
			result.Response = fmt.Sprintf(CompletionErrorFormat, err)
			result.Failed = true
		} else {
			result.Response = text
		}
	}

	now := time.Now()
	if err := o.store.Append(ctx, sessionID,
		ports.Turn{Role: ports.RoleUser, Content: input, CreatedAt: now},
		ports.Turn{Role: ports.RoleAssistant, Content: result.Response, CreatedAt: now, Error: result.Failed},
	); err != nil {
		return nil, fmt.Errorf("failed to record exchange: %w", err)
	}

	history, err := o.store.Export(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to export history: %w", err)
	}
	result.History = history

	return result, nil
}

// complete builds the prompt and runs the engine. A *gateError means the
// engine was never called; any other error is a completion failure.
func (o *Orchestrator) complete(ctx context.Context, handle *EngineHandle, policy Policy, history []ports.Turn, input string, params ports.SamplingParameters) (string, error) {
	if policy.ExcludeFailedFromPrompt {
		history = withoutFailedExchanges(history)
	}

	prompt, err := o.assembler.Assemble(policy.SystemPrompt, history, input)
	if err != nil {
		return "", err
	}

	params.StopSequences = o.assembler.StopSequences(params.StopSequences)

	release, err := o.gate.Acquire(ctx)
	if err != nil {
		return "", &gateError{err: err}
	}
	defer release()

	start := time.Now()
	// Once started the call runs to completion even if the caller goes away.
	completion, err := handle.Engine().Complete(context.WithoutCancel(ctx), prompt, params)
	if err != nil {
		return "", err
	}

	text := o.parser.Extract(completion.Text, params.StopSequences)
	o.tracer.Event(ctx, "completion_success", map[string]any{
		"latency_ms":    time.Since(start).Milliseconds(),
		"prompt_chars":  len(prompt),
		"history_turns": len(history),
		"output_chars":  len(text),
	})
	return text, nil
}

// withoutFailedExchanges drops error replies and the user turn that caused each.
func withoutFailedExchanges(turns []ports.Turn) []ports.Turn {
	out := make([]ports.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Error {
			if n := len(out); n > 0 && out[n-1].Role == ports.RoleUser {
				out = out[:n-1]
			}
			continue
		}
		out = append(out, t)
	}
	return out
}

type gateError struct{ err error }

func (e *gateError) Error() string { return "waiting for completion slot: " + e.err.Error() }
func (e *gateError) Unwrap() error { return e.err }
