package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	internal "github.com/ZanzyTHEbar/llamachat/llamachat"
)

// MinModelSize is the smallest file Verify accepts as a complete model.
const MinModelSize = 1 << 20

// RegistryEntry records one downloaded model in model_registry.json.
type RegistryEntry struct {
	RepoID       string `json:"repo_id"`
	Filename     string `json:"filename"`
	LocalPath    string `json:"local_path"`
	Checksum     string `json:"checksum"`
	DownloadTime string `json:"download_time"`
}

// ModelInfo is a catalogue entry joined with its local state.
type ModelInfo struct {
	CatalogueEntry
	LocalPath  string `json:"local_path,omitempty"`
	Downloaded bool   `json:"downloaded"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

// StorageInfo summarizes the models directory.
type StorageInfo struct {
	Dir        string `json:"models_directory"`
	Models     int    `json:"total_models"`
	TotalBytes int64  `json:"total_size_bytes"`
	TotalSize  string `json:"total_size"`
}

// Registry manages model files under one directory.
type Registry struct {
	dir       string
	file      string
	catalogue *Catalogue
	fetcher   Fetcher
	checksums *ChecksumCache
	logger    zerolog.Logger

	mu      sync.Mutex
	entries map[string]RegistryEntry
}

// NewRegistry opens the registry in dir. A missing or unreadable registry
// file starts empty.
func NewRegistry(dir string, catalogue *Catalogue, fetcher Fetcher, checksumCacheSize int, logger zerolog.Logger) (*Registry, error) {
	if catalogue == nil {
		catalogue = NewCatalogue(DefaultCatalogue)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create models directory %s: %w", dir, err)
	}

	r := &Registry{
		dir:       dir,
		file:      filepath.Join(dir, internal.DefaultRegistryFile),
		catalogue: catalogue,
		fetcher:   fetcher,
		checksums: NewChecksumCache(checksumCacheSize),
		logger:    logger.With().Str("component", "registry").Logger(),
		entries:   make(map[string]RegistryEntry),
	}
	r.load()
	return r, nil
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) Catalogue() *Catalogue { return r.catalogue }

func (r *Registry) load() {
	data, err := os.ReadFile(r.file)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn().Err(err).Str("path", r.file).Msg("Failed to read model registry")
		}
		return
	}
	if err := json.Unmarshal(data, &r.entries); err != nil {
		r.logger.Warn().Err(err).Str("path", r.file).Msg("Model registry is corrupt, starting empty")
		r.entries = make(map[string]RegistryEntry)
	}
}

// save must be called with r.mu held.
func (r *Registry) save() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.entries); err != nil {
		return fmt.Errorf("failed to encode model registry: %w", err)
	}
	if err := os.WriteFile(r.file, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write model registry: %w", err)
	}
	return nil
}

// Entry returns the registry record for a catalogue name.
func (r *Registry) Entry(name string) (RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) localPath(filename string) string {
	return filepath.Join(r.dir, filepath.Base(filename))
}

// List reports every catalogue model with its download state. Checksums of
// downloaded files are computed concurrently.
func (r *Registry) List(ctx context.Context) ([]ModelInfo, error) {
	entries := r.catalogue.Entries()
	mapper := iter.Mapper[CatalogueEntry, ModelInfo]{MaxGoroutines: 4}

	infos := mapper.Map(entries, func(e *CatalogueEntry) ModelInfo {
		info := ModelInfo{CatalogueEntry: *e}
		if ctx.Err() != nil {
			return info
		}
		path := r.localPath(e.Filename)
		st, err := os.Stat(path)
		if err != nil || st.IsDir() {
			return info
		}
		info.LocalPath = path
		info.Downloaded = true
		info.SizeBytes = st.Size()
		sum, err := r.checksums.Checksum(path)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Failed to checksum model")
		}
		info.Checksum = sum
		return info
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return infos, nil
}

// Resolve returns the local path of a downloaded catalogue model.
func (r *Registry) Resolve(name string) (string, error) {
	entry, err := r.catalogue.Lookup(name)
	if err != nil {
		return "", err
	}
	path := r.localPath(entry.Filename)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s is not downloaded", ErrNotFound, entry.Name)
	}
	return path, nil
}

// ResolveArtifact returns the local path of filename if it is present.
func (r *Registry) ResolveArtifact(filename string) (string, bool) {
	path := r.localPath(filename)
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return "", false
	}
	return path, true
}

// Download fetches a catalogue model. An existing file is kept unless force is set.
func (r *Registry) Download(ctx context.Context, name string, force bool) (string, error) {
	entry, err := r.catalogue.Lookup(name)
	if err != nil {
		return "", err
	}
	return r.DownloadArtifact(ctx, entry.Name, entry.Repo, entry.Filename, force)
}

// DownloadArtifact fetches repo/filename and records it under key.
func (r *Registry) DownloadArtifact(ctx context.Context, key, repo, filename string, force bool) (string, error) {
	if path, ok := r.ResolveArtifact(filename); ok && !force {
		r.logger.Info().Str("model", key).Str("path", path).Msg("Model already present")
		return path, nil
	}
	if r.fetcher == nil {
		return "", fmt.Errorf("%w: no fetcher configured", ErrDownloadFailure)
	}

	start := time.Now()
	path, err := r.fetcher.Fetch(ctx, repo, filename, r.dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s: %w", ErrDownloadFailure, repo, filename, err)
	}

	sum, err := r.checksums.Checksum(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailure, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailure, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = RegistryEntry{
		RepoID:       repo,
		Filename:     filename,
		LocalPath:    path,
		Checksum:     sum,
		DownloadTime: strconv.FormatInt(st.ModTime().Unix(), 10),
	}
	if err := r.save(); err != nil {
		return "", err
	}

	r.logger.Info().
		Str("model", key).
		Str("path", path).
		Str("size", humanize.IBytes(uint64(st.Size()))).
		Dur("elapsed", time.Since(start)).
		Msg("Model downloaded")
	return path, nil
}

// Delete removes a catalogue model. Deleting a model that is not present succeeds.
func (r *Registry) Delete(name string) error {
	entry, err := r.catalogue.Lookup(name)
	if err != nil {
		return err
	}

	path := r.localPath(entry.Filename)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.Name]; ok {
		delete(r.entries, entry.Name)
		return r.save()
	}
	return nil
}

// Verify reports whether a downloaded model looks complete.
func (r *Registry) Verify(name string) (bool, error) {
	path, err := r.Resolve(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if _, lookupErr := r.catalogue.Lookup(name); lookupErr == nil {
				return false, nil
			}
		}
		return false, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	return st.Size() >= MinModelSize, nil
}

// StorageInfo totals the model files in the directory.
func (r *Registry) StorageInfo() (StorageInfo, error) {
	dirEntries, err := os.ReadDir(r.dir)
	if err != nil {
		return StorageInfo{}, fmt.Errorf("failed to read models directory: %w", err)
	}

	info := StorageInfo{Dir: r.dir}
	for _, de := range dirEntries {
		if de.IsDir() || !isModelFile(de.Name()) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		info.Models++
		info.TotalBytes += fi.Size()
	}
	info.TotalSize = humanize.IBytes(uint64(info.TotalBytes))
	return info, nil
}

// Cleanup removes leftover *.tmp and *.cache files and returns how many were removed.
func (r *Registry) Cleanup() (int, error) {
	var removed int
	for _, pattern := range []string{"*.tmp", "*.cache"} {
		matches, err := filepath.Glob(filepath.Join(r.dir, pattern))
		if err != nil {
			return removed, err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				r.logger.Warn().Err(err).Str("path", m).Msg("Failed to remove cache file")
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func isModelFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".bin", ".gguf", ".ggml":
		return true
	}
	return false
}
