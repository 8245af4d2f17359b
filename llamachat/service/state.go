// Package service holds the application state shared by the CLI and the
// HTTP server.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/llamachat/llamachat/config"
	"github.com/ZanzyTHEbar/llamachat/llamachat/db"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness"
	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/models"
	"github.com/ZanzyTHEbar/llamachat/llamachat/telemetry"
	"github.com/ZanzyTHEbar/llamachat/llamachat/transcript"
)

var errNotLoaded = errors.New("model not loaded yet")

// Status is the owner-facing summary of the running application.
type Status struct {
	Status           string       `json:"status"`
	AgentInitialized bool         `json:"agent_initialized"`
	ModelLoaded      bool         `json:"model_loaded"`
	Mode             harness.Mode `json:"mode"`
	Model            string       `json:"model,omitempty"`
	LoadError        string       `json:"load_error,omitempty"`
}

// ConfigView is the read-only subset of the configuration exposed to clients.
type ConfigView struct {
	Sampling      config.SamplingConfig  `json:"sampling"`
	HistoryWindow int                    `json:"history_window"`
	RetainFull    bool                   `json:"retain_full_history"`
	Markers       generation.RoleMarkers `json:"markers"`
	SystemPreset  string                 `json:"system_preset"`
	Model         string                 `json:"model,omitempty"`
	Storage       string                 `json:"storage_backend"`
}

// Option customizes an ApplicationState.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	opener   models.OpenFunc
	fetcher  models.Fetcher
	db       *sql.DB
	skipLoad bool
}

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithOpener replaces the engine constructor used by the loader.
func WithOpener(open models.OpenFunc) Option { return func(o *options) { o.opener = open } }

// WithFetcher replaces the Hugging Face downloader.
func WithFetcher(f models.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithDB supplies an already migrated database for the libsql backend. The
// caller keeps ownership.
func WithDB(conn *sql.DB) Option { return func(o *options) { o.db = conn } }

// WithoutInitialLoad starts in degraded mode until Reload is called.
func WithoutInitialLoad() Option { return func(o *options) { o.skipLoad = true } }

// ApplicationState is built once at startup and passed to every front-end.
type ApplicationState struct {
	cfg      atomic.Pointer[config.Config]
	orch     *harness.Orchestrator
	store    ports.ConversationStore
	registry *models.Registry
	loader   *models.Loader
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	reloadMu sync.Mutex
	engine   models.Engine // guarded by reloadMu

	db     *sql.DB
	ownsDB bool
}

// New wires the application from cfg and attempts the initial model load. A
// failed load leaves the application in degraded mode; only store setup
// errors are returned.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*ApplicationState, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewMetrics()
	}
	logger := o.logger.With().Str("component", "app").Logger()

	s := &ApplicationState{
		metrics: o.metrics,
		logger:  logger,
		db:      o.db,
	}
	s.cfg.Store(cfg)

	if cfg.Storage.Backend == "libsql" && s.db == nil {
		conn, err := db.Open(ctx, cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open conversation database: %w", err)
		}
		s.db, s.ownsDB = conn, true
	}

	factory := harness.NewFactory(cfg, s.db, o.logger, o.metrics.Tracer())

	store, err := factory.CreateStore()
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.store = store

	s.orch, err = factory.CreateOrchestrator(harness.UnavailableHandle(errNotLoaded), store)
	if err != nil {
		s.closeDB()
		return nil, err
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = models.NewHubFetcher(cfg.Registry.HuggingFaceToken, filepath.Join(cfg.Registry.ModelsDir, ".hf-cache"), o.logger)
	}
	registry, err := models.NewRegistry(cfg.Registry.ModelsDir, nil, fetcher, cfg.Registry.ChecksumCacheSize, o.logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Model registry unavailable, only explicit model paths can be loaded")
	} else {
		s.registry = registry
	}
	s.loader = models.NewLoader(s.registry, o.opener, o.logger)

	o.metrics.SetEngineReady(false)
	if !o.skipLoad {
		if err := s.Reload(ctx); err != nil {
			logger.Warn().Err(err).Msg("No model loaded, running in degraded mode")
		}
	}
	return s, nil
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string { return uuid.NewString() }

// Chat answers message in sessionID. overrides holds per-request sampling
// keys layered on the configured defaults.
func (s *ApplicationState) Chat(ctx context.Context, sessionID, message string, overrides map[string]any) (*harness.Result, error) {
	sampling, err := config.MergeSampling(s.Config().Sampling, overrides)
	if err != nil {
		return nil, err
	}
	return s.orch.HandleRequest(ctx, sessionID, message, sampling.Parameters())
}

func (s *ApplicationState) Clear(ctx context.Context, sessionID string) error {
	return s.store.Clear(ctx, sessionID)
}

// History returns the full stored history of sessionID.
func (s *ApplicationState) History(ctx context.Context, sessionID string) ([]ports.Turn, error) {
	return s.store.Export(ctx, sessionID)
}

func (s *ApplicationState) Sessions(ctx context.Context) ([]ports.SessionInfo, error) {
	return s.store.Sessions(ctx)
}

func (s *ApplicationState) Status() Status {
	handle := s.orch.Engine()
	st := Status{
		Status:           "running",
		AgentInitialized: s.orch != nil,
		ModelLoaded:      handle.Ready(),
		Mode:             handle.Mode(),
		Model:            handle.Descriptor(),
	}
	if !handle.Ready() && handle.Err() != nil {
		st.LoadError = handle.Err().Error()
	}
	return st
}

// Config returns the configuration currently in force.
func (s *ApplicationState) Config() *config.Config { return s.cfg.Load() }

// ConfigView returns the client-visible configuration.
func (s *ApplicationState) ConfigView() ConfigView {
	cfg := s.Config()
	markers, err := generation.ResolveMarkers(cfg.Prompt.MarkerPreset, cfg.Prompt.SystemMarker, cfg.Prompt.UserMarker, cfg.Prompt.AssistantMarker)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Marker preset no longer resolves")
	}
	return ConfigView{
		Sampling:      cfg.Sampling,
		HistoryWindow: cfg.Conversation.HistoryWindow,
		RetainFull:    cfg.Conversation.RetainFullHistory,
		Markers:       markers,
		SystemPreset:  cfg.Prompt.SystemPreset,
		Model:         s.orch.Engine().Descriptor(),
		Storage:       cfg.Storage.Backend,
	}
}

// Export renders the session history as a transcript document.
func (s *ApplicationState) Export(ctx context.Context, sessionID string) ([]byte, error) {
	turns, err := s.store.Export(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return transcript.Marshal(turns)
}

// Import replaces the session history with a validated transcript document.
func (s *ApplicationState) Import(ctx context.Context, sessionID string, data []byte) error {
	turns, err := transcript.Unmarshal(data)
	if err != nil {
		return err
	}
	if _, err := s.store.Ensure(ctx, sessionID, s.orch.Engine().Descriptor()); err != nil {
		return err
	}
	return s.store.Replace(ctx, sessionID, turns)
}

// SaveTranscript writes the session history to path.
func (s *ApplicationState) SaveTranscript(ctx context.Context, sessionID, path string) error {
	turns, err := s.store.Export(ctx, sessionID)
	if err != nil {
		return err
	}
	return transcript.Save(path, turns)
}

// LoadTranscript replaces the session history with the transcript at path.
func (s *ApplicationState) LoadTranscript(ctx context.Context, sessionID, path string) error {
	turns, err := transcript.Load(path)
	if err != nil {
		return err
	}
	if _, err := s.store.Ensure(ctx, sessionID, s.orch.Engine().Descriptor()); err != nil {
		return err
	}
	return s.store.Replace(ctx, sessionID, turns)
}

// Reload attempts to load a model from the current configuration. On success
// the new engine replaces the old one, which is then closed. On failure a
// ready engine is kept and a degraded one records the new error.
func (s *ApplicationState) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	loaded, err := s.loader.Load(ctx, loadRequest(s.Config()))
	s.metrics.RecordLoad(err == nil)
	if err != nil {
		if s.engine != nil {
			s.metrics.SetEngineReady(true)
			return err
		}
		s.orch.SetEngine(harness.UnavailableHandle(err))
		return err
	}

	previous := s.engine
	s.engine = loaded.Engine
	s.orch.SetEngine(harness.ReadyHandle(loaded.Engine, loaded.Descriptor))
	if previous != nil {
		if err := previous.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close previous engine")
		}
	}
	return nil
}

// ApplyConfig swaps in a new configuration. Sampling defaults and prompt
// policy take effect on the next request; model and storage settings need a
// Reload or a restart.
func (s *ApplicationState) ApplyConfig(cfg *config.Config) {
	factory := harness.NewFactory(cfg, s.db, s.logger, s.metrics.Tracer())
	s.cfg.Store(cfg)
	s.orch.SetPolicy(factory.CreatePolicy())
	s.logger.Info().Msg("Configuration reloaded")
}

func (s *ApplicationState) Registry() *models.Registry { return s.registry }

func (s *ApplicationState) Metrics() *telemetry.Metrics { return s.metrics }

func (s *ApplicationState) Orchestrator() *harness.Orchestrator { return s.orch }

// Close releases the engine and any database the state opened itself.
func (s *ApplicationState) Close() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	var errs []error
	if s.engine != nil {
		s.orch.SetEngine(harness.UnavailableHandle(errors.New("application closed")))
		errs = append(errs, s.engine.Close())
		s.engine = nil
	}
	errs = append(errs, s.closeDB())
	return errors.Join(errs...)
}

func (s *ApplicationState) closeDB() error {
	if !s.ownsDB || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func loadRequest(cfg *config.Config) models.LoadRequest {
	return models.LoadRequest{
		Path:         cfg.Model.Path,
		Repo:         cfg.Model.Repo,
		Filename:     cfg.Model.Filename,
		Name:         cfg.Model.Name,
		Candidates:   cfg.Model.FallbackCandidates,
		AutoDownload: cfg.Model.AutoDownload,
		Engine: models.GGUFModelConfig{
			ContextSize: cfg.Engine.ContextSize,
			Threads:     cfg.Engine.Threads,
			GPULayers:   cfg.Engine.GPULayers,
			F16Memory:   cfg.Engine.F16Memory,
			MMap:        cfg.Engine.MMap,
			BatchSize:   cfg.Engine.BatchSize,
			PoolSize:    cfg.Engine.PoolSize,
		},
		Fallbacks: cfg.Engine.LoadFallbacks,
	}
}
