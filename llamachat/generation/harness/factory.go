package harness

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ZanzyTHEbar/llamachat/llamachat/config"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg     *config.Config
	db      *sql.DB // required for the libsql backend
	tracers []ports.Tracer
	logger  zerolog.Logger
}

// NewFactory creates a new harness factory. Extra tracers are fanned out
// alongside the zerolog tracer.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger, tracers ...ports.Tracer) *Factory {
	return &Factory{
		cfg:     cfg,
		db:      db,
		tracers: tracers,
		logger:  logger,
	}
}

// CreateOrchestrator creates a fully wired Orchestrator from config.
func (f *Factory) CreateOrchestrator(handle *EngineHandle, store ports.ConversationStore) (*Orchestrator, error) {
	assembler, err := f.CreateAssembler()
	if err != nil {
		return nil, err
	}

	return NewOrchestrator(
		handle,
		assembler,
		f.CreateResponder(),
		store,
		f.createGate(),
		f.createTracer(),
		f.CreatePolicy(),
		f.logger,
	), nil
}

// CreateStore creates the conversation store selected by storage.backend.
func (f *Factory) CreateStore() (ports.ConversationStore, error) {
	retention := ports.Retention{
		Window:     f.cfg.Conversation.HistoryWindow,
		RetainFull: f.cfg.Conversation.RetainFullHistory,
	}

	switch f.cfg.Storage.Backend {
	case "", "memory":
		return adapters.NewMemoryConversationStore(retention), nil
	case "libsql":
		if f.db == nil {
			return nil, fmt.Errorf("storage backend libsql requires a database connection")
		}
		return adapters.NewLibSQLConversationStore(f.db, retention), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", f.cfg.Storage.Backend)
	}
}

// CreateAssembler resolves role markers and the prompt budget.
func (f *Factory) CreateAssembler() (*PromptAssembler, error) {
	p := f.cfg.Prompt
	markers, err := generation.ResolveMarkers(p.MarkerPreset, p.SystemMarker, p.UserMarker, p.AssistantMarker)
	if err != nil {
		return nil, err
	}

	budget := NewBudgetChecker(Budget{MaxChars: p.MaxChars, MaxTokens: p.MaxTokens}, nil)
	return NewPromptAssembler(markers, p.SystemSeparator, budget), nil
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() Policy {
	policy := Policy{
		SystemPrompt:            generation.ResolveSystemPrompt(f.cfg.Prompt.SystemPrompt, f.cfg.Prompt.SystemPreset),
		HistoryWindow:           f.cfg.Conversation.HistoryWindow,
		ExcludeFailedFromPrompt: f.cfg.Conversation.ExcludeFailedFromPrompt,
	}

	if policy.HistoryWindow < 0 {
		policy.HistoryWindow = 0
		f.logger.Warn().Int("history_window", f.cfg.Conversation.HistoryWindow).Msg("HistoryWindow clamped to minimum of 0")
	}

	return policy
}

// CreateResponder creates the degraded-mode responder.
func (f *Factory) CreateResponder() *Responder {
	return NewResponder(NewRandomSelector(f.cfg.Degraded.Responses, nil))
}

// createGate bounds concurrent completions. Zero leaves them unbounded.
func (f *Factory) createGate() ports.Gate {
	if f.cfg.Engine.ConcurrentCompletions == 0 {
		return &noOpGate{}
	}

	return adapters.NewSemaphoreGate(f.cfg.Engine.ConcurrentCompletions)
}

func (f *Factory) createTracer() ports.Tracer {
	tracers := append([]ports.Tracer{adapters.NewZerologTracer(f.logger)}, f.tracers...)
	return adapters.NewMultiTracer(tracers...)
}

// noOpGate implements Gate interface with no-op behavior.
type noOpGate struct{}

func (g *noOpGate) Acquire(ctx context.Context) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Gate   = (*noOpGate)(nil)
	_ ports.Tracer = (*noOpTracer)(nil)
)
