package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Tier is one context/threads combination tried when loading.
type Tier struct {
	ContextSize int
	Threads     int
}

// FallbackTiers are tried in order after the configured tier fails.
var FallbackTiers = []Tier{
	{ContextSize: 2048, Threads: 2},
	{ContextSize: 512, Threads: 1},
}

// LoadRequest says which model to load and how.
type LoadRequest struct {
	Path         string // explicit local file, tried first
	Repo         string // Hugging Face repo, used with Filename
	Filename     string
	Name         string   // catalogue name
	Candidates   []string // catalogue names tried after everything else
	AutoDownload bool

	Engine    GGUFModelConfig // ModelPath is ignored
	Fallbacks bool            // try FallbackTiers after the configured tier
}

// Loaded is a successfully opened engine.
type Loaded struct {
	Engine     Engine
	Path       string
	Descriptor string // shown in status output
	Tier       Tier
}

// OpenFunc opens one engine for a fully resolved config.
type OpenFunc func(cfg *GGUFModelConfig, logger zerolog.Logger) (Engine, error)

// OpenGGUF opens a GGUFProvider.
func OpenGGUF(cfg *GGUFModelConfig, logger zerolog.Logger) (Engine, error) {
	p, err := NewGGUFProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Loader resolves model candidates and opens the first one that loads.
type Loader struct {
	registry *Registry
	open     OpenFunc
	logger   zerolog.Logger
}

// NewLoader creates a loader. registry may be nil when only explicit paths
// are used; a nil open uses OpenGGUF.
func NewLoader(registry *Registry, open OpenFunc, logger zerolog.Logger) *Loader {
	if open == nil {
		open = OpenGGUF
	}
	return &Loader{
		registry: registry,
		open:     open,
		logger:   logger.With().Str("component", "loader").Logger(),
	}
}

type candidate struct {
	descriptor string
	resolve    func(ctx context.Context) (string, error)
}

func (l *Loader) candidates(req LoadRequest) []candidate {
	var out []candidate

	if req.Path != "" {
		path := req.Path
		out = append(out, candidate{
			descriptor: filepath.Base(path),
			resolve: func(context.Context) (string, error) {
				if _, err := os.Stat(path); err != nil {
					return "", fmt.Errorf("%w: %s", ErrNotFound, path)
				}
				return path, nil
			},
		})
	}

	if req.Repo != "" && req.Filename != "" {
		repo, filename := req.Repo, req.Filename
		out = append(out, candidate{
			descriptor: repo + "/" + filename,
			resolve: func(ctx context.Context) (string, error) {
				if l.registry == nil {
					return "", fmt.Errorf("%w: no registry for %s", ErrNotFound, filename)
				}
				if path, ok := l.registry.ResolveArtifact(filename); ok {
					return path, nil
				}
				if !req.AutoDownload {
					return "", fmt.Errorf("%w: %s is not downloaded", ErrNotFound, filename)
				}
				return l.registry.DownloadArtifact(ctx, repo+"/"+filename, repo, filename, false)
			},
		})
	}

	names := req.Candidates
	if req.Name != "" {
		names = append([]string{req.Name}, names...)
	}
	for _, name := range names {
		out = append(out, candidate{
			descriptor: name,
			resolve: func(ctx context.Context) (string, error) {
				if l.registry == nil {
					return "", fmt.Errorf("%w: no registry for %s", ErrNotFound, name)
				}
				path, err := l.registry.Resolve(name)
				if err == nil || !req.AutoDownload || !errors.Is(err, ErrNotFound) {
					return path, err
				}
				return l.registry.Download(ctx, name, false)
			},
		})
	}

	return out
}

func tiers(req LoadRequest) []Tier {
	out := []Tier{{ContextSize: req.Engine.ContextSize, Threads: req.Engine.Threads}}
	if !req.Fallbacks {
		return out
	}
	for _, t := range FallbackTiers {
		if t.ContextSize < req.Engine.ContextSize || t.Threads < req.Engine.Threads {
			out = append(out, t)
		}
	}
	return out
}

// Load tries every candidate at every tier and returns the first engine that
// opens. All failures are reported together, wrapped in ErrLoadFailure.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (*Loaded, error) {
	cands := l.candidates(req)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: no model configured", ErrLoadFailure)
	}

	var errs []error
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadFailure, err)
		}

		path, err := c.resolve(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Str("candidate", c.descriptor).Msg("Skipping model candidate")
			errs = append(errs, fmt.Errorf("%s: %w", c.descriptor, err))
			continue
		}

		for _, t := range tiers(req) {
			cfg := req.Engine
			cfg.ModelPath = path
			cfg.ContextSize = t.ContextSize
			cfg.Threads = t.Threads

			engine, err := l.open(&cfg, l.logger)
			if err == nil {
				l.logger.Info().
					Str("model", c.descriptor).
					Str("path", path).
					Int("context_size", t.ContextSize).
					Int("threads", t.Threads).
					Msg("Model loaded")
				return &Loaded{Engine: engine, Path: path, Descriptor: c.descriptor, Tier: t}, nil
			}

			errs = append(errs, fmt.Errorf("%s (ctx=%d threads=%d): %w", c.descriptor, t.ContextSize, t.Threads, err))
			if errors.Is(err, ErrLlamaUnavailable) {
				return nil, fmt.Errorf("%w: %w", ErrLoadFailure, errors.Join(errs...))
			}
			l.logger.Warn().Err(err).Str("model", c.descriptor).Int("context_size", t.ContextSize).Msg("Model load attempt failed")
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrLoadFailure, errors.Join(errs...))
}
