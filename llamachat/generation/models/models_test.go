package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

// fakeFetcher writes size bytes to destDir/filename.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	size  int
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, repo, filename, destDir string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, repo+"/"+filename)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(destDir, filename)
	return path, os.WriteFile(path, []byte(strings.Repeat("x", f.size)), 0o644)
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("m", size)), 0o644))
}

func newTestRegistry(t *testing.T, fetcher Fetcher) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir(), nil, fetcher, 8, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestCatalogueLookup(t *testing.T) {
	c := NewCatalogue(DefaultCatalogue)
	assert.Len(t, c.Entries(), 5)

	e, err := c.Lookup("Mistral-7B-Instruct")
	require.NoError(t, err)
	assert.Equal(t, "TheBloke/Mistral-7B-Instruct-v0.1-GGML", e.Repo)

	e, err = c.Lookup("vicuna")
	require.NoError(t, err, "unique prefix, case-insensitive")
	assert.Equal(t, "Vicuna-7B", e.Name)

	_, err = c.Lookup("gpt-4")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Lookup("  ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogueAmbiguousPrefix(t *testing.T) {
	c := NewCatalogue([]CatalogueEntry{
		{Name: "Llama-2-7B"},
		{Name: "Llama-2-13B"},
		{Name: "Llama"},
	})

	_, err := c.Lookup("llama-2")
	assert.ErrorIs(t, err, ErrAmbiguousModel)

	e, err := c.Lookup("LLAMA")
	require.NoError(t, err, "exact match beats prefix")
	assert.Equal(t, "Llama", e.Name)
}

func TestChecksumCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	cache := NewChecksumCache(1)
	sum, err := cache.Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)

	_, err = cache.Checksum(path)
	require.NoError(t, err)
	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	other := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(other, []byte("world"), 0o644))
	_, err = cache.Checksum(other)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Size(), "oldest entry evicted")

	_, err = cache.Checksum(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRegistryDownloadAndList(t *testing.T) {
	fetcher := &fakeFetcher{size: 2 << 20}
	r := newTestRegistry(t, fetcher)
	ctx := context.Background()

	path, err := r.Download(ctx, "llama-2", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Dir(), "llama-2-7b-chat.q4_0.bin"), path)

	entry, ok := r.Entry("Llama-2-7B-Chat")
	require.True(t, ok)
	assert.Equal(t, "TheBloke/Llama-2-7B-Chat-GGML", entry.RepoID)
	assert.Len(t, entry.Checksum, 32)

	_, err = r.Download(ctx, "Llama-2-7B-Chat", false)
	require.NoError(t, err)
	assert.Len(t, fetcher.calls, 1, "existing file is not downloaded again")

	_, err = r.Download(ctx, "Llama-2-7B-Chat", true)
	require.NoError(t, err)
	assert.Len(t, fetcher.calls, 2, "force downloads again")

	infos, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 5)
	assert.Equal(t, "Llama-2-7B-Chat", infos[0].Name)
	assert.True(t, infos[0].Downloaded)
	assert.Equal(t, int64(2<<20), infos[0].SizeBytes)
	assert.Equal(t, entry.Checksum, infos[0].Checksum)
	for _, info := range infos[1:] {
		assert.False(t, info.Downloaded, info.Name)
	}

	reopened, err := NewRegistry(r.Dir(), nil, nil, 8, zerolog.Nop())
	require.NoError(t, err)
	_, ok = reopened.Entry("Llama-2-7B-Chat")
	assert.True(t, ok, "registry file is persisted")
}

func TestRegistryDownloadFailure(t *testing.T) {
	r := newTestRegistry(t, &fakeFetcher{err: errors.New("401 unauthorized")})

	_, err := r.Download(context.Background(), "OpenChat-3.5", false)
	assert.ErrorIs(t, err, ErrDownloadFailure)
	assert.ErrorContains(t, err, "401 unauthorized")

	_, err = newTestRegistry(t, nil).Download(context.Background(), "OpenChat-3.5", false)
	assert.ErrorIs(t, err, ErrDownloadFailure)

	_, err = r.Download(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryResolveVerifyDelete(t *testing.T) {
	r := newTestRegistry(t, &fakeFetcher{size: MinModelSize})
	ctx := context.Background()

	_, err := r.Resolve("CodeLlama-7B")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := r.Verify("CodeLlama-7B")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Verify("unknown-model")
	assert.ErrorIs(t, err, ErrNotFound)

	path, err := r.Download(ctx, "CodeLlama-7B", false)
	require.NoError(t, err)

	resolved, err := r.Resolve("codellama")
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	ok, err = r.Verify("CodeLlama-7B")
	require.NoError(t, err)
	assert.True(t, ok)

	writeFile(t, path, 10)
	ok, err = r.Verify("CodeLlama-7B")
	require.NoError(t, err)
	assert.False(t, ok, "files under 1 MiB are incomplete")

	require.NoError(t, r.Delete("CodeLlama-7B"))
	assert.NoFileExists(t, path)
	_, found := r.Entry("CodeLlama-7B")
	assert.False(t, found)

	assert.NoError(t, r.Delete("CodeLlama-7B"), "deleting an absent model succeeds")
}

func TestRegistryStorageInfoAndCleanup(t *testing.T) {
	r := newTestRegistry(t, nil)
	writeFile(t, filepath.Join(r.Dir(), "a.bin"), 1024)
	writeFile(t, filepath.Join(r.Dir(), "b.gguf"), 2048)
	writeFile(t, filepath.Join(r.Dir(), "partial.tmp"), 10)
	writeFile(t, filepath.Join(r.Dir(), "index.cache"), 10)
	writeFile(t, filepath.Join(r.Dir(), "notes.txt"), 10)

	info, err := r.StorageInfo()
	require.NoError(t, err)
	assert.Equal(t, 2, info.Models)
	assert.Equal(t, int64(3072), info.TotalBytes)
	assert.Equal(t, "3.0 KiB", info.TotalSize)

	removed, err := r.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, filepath.Join(r.Dir(), "partial.tmp"))
	assert.FileExists(t, filepath.Join(r.Dir(), "notes.txt"))
}

func TestRegistryCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_registry.json"), []byte("{not json"), 0o644))

	r, err := NewRegistry(dir, nil, nil, 8, zerolog.Nop())
	require.NoError(t, err)
	_, ok := r.Entry("Llama-2-7B-Chat")
	assert.False(t, ok)
}

type fakeEngine struct{ path string }

func (e *fakeEngine) Complete(context.Context, string, ports.SamplingParameters) (ports.Completion, error) {
	return ports.Completion{Text: "ok"}, nil
}
func (e *fakeEngine) Health() ModelHealth { return ModelHealth{IsHealthy: true} }
func (e *fakeEngine) Close() error        { return nil }

type openRecorder struct {
	mu       sync.Mutex
	attempts []GGUFModelConfig
	accept   func(cfg *GGUFModelConfig) error
}

func (o *openRecorder) open(cfg *GGUFModelConfig, _ zerolog.Logger) (Engine, error) {
	o.mu.Lock()
	o.attempts = append(o.attempts, *cfg)
	o.mu.Unlock()
	if err := o.accept(cfg); err != nil {
		return nil, err
	}
	return &fakeEngine{path: cfg.ModelPath}, nil
}

func baseRequest() LoadRequest {
	cfg := DefaultGGUFConfig("")
	return LoadRequest{Engine: *cfg, Fallbacks: true}
}

func TestLoaderExplicitPathWithFallbackTiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	writeFile(t, path, 16)

	rec := &openRecorder{accept: func(cfg *GGUFModelConfig) error {
		if cfg.ContextSize > 512 {
			return errors.New("out of memory")
		}
		return nil
	}}
	req := baseRequest()
	req.Path = path

	loaded, err := NewLoader(nil, rec.open, zerolog.Nop()).Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "model.gguf", loaded.Descriptor)
	assert.Equal(t, Tier{ContextSize: 512, Threads: 1}, loaded.Tier)
	require.Len(t, rec.attempts, 3)
	assert.Equal(t, 4096, rec.attempts[0].ContextSize)
	assert.Equal(t, 2048, rec.attempts[1].ContextSize)
	assert.Equal(t, path, rec.attempts[2].ModelPath)
}

func TestLoaderNoFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	writeFile(t, path, 16)

	rec := &openRecorder{accept: func(*GGUFModelConfig) error { return errors.New("bad magic") }}
	req := baseRequest()
	req.Path = path
	req.Fallbacks = false

	_, err := NewLoader(nil, rec.open, zerolog.Nop()).Load(context.Background(), req)
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.ErrorContains(t, err, "bad magic")
	assert.Len(t, rec.attempts, 1)
}

func TestLoaderFallsThroughCandidates(t *testing.T) {
	r := newTestRegistry(t, &fakeFetcher{size: 64})
	writeFile(t, filepath.Join(r.Dir(), "vicuna-7b-1.1.q4_0.bin"), 64)

	rec := &openRecorder{accept: func(*GGUFModelConfig) error { return nil }}
	req := baseRequest()
	req.Path = filepath.Join(t.TempDir(), "missing.gguf")
	req.Name = "Mistral-7B-Instruct" // not downloaded, no auto download
	req.Candidates = []string{"vicuna"}

	loaded, err := NewLoader(r, rec.open, zerolog.Nop()).Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "vicuna", loaded.Descriptor)
	assert.Equal(t, filepath.Join(r.Dir(), "vicuna-7b-1.1.q4_0.bin"), loaded.Path)
	assert.Len(t, rec.attempts, 1)
}

func TestLoaderAutoDownload(t *testing.T) {
	fetcher := &fakeFetcher{size: 64}
	r := newTestRegistry(t, fetcher)
	rec := &openRecorder{accept: func(*GGUFModelConfig) error { return nil }}

	req := baseRequest()
	req.Repo = "TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF"
	req.Filename = "tinyllama.q4.gguf"
	req.AutoDownload = true

	loaded, err := NewLoader(r, rec.open, zerolog.Nop()).Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF/tinyllama.q4.gguf", loaded.Descriptor)
	assert.Equal(t, []string{"TheBloke/TinyLlama-1.1B-Chat-v1.0-GGUF/tinyllama.q4.gguf"}, fetcher.calls)
}

func TestLoaderStopsWhenLlamaUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	writeFile(t, path, 16)

	rec := &openRecorder{accept: func(*GGUFModelConfig) error { return ErrLlamaUnavailable }}
	req := baseRequest()
	req.Path = path
	req.Candidates = []string{"vicuna"}

	_, err := NewLoader(nil, rec.open, zerolog.Nop()).Load(context.Background(), req)
	assert.ErrorIs(t, err, ErrLoadFailure)
	assert.ErrorIs(t, err, ErrLlamaUnavailable)
	assert.Len(t, rec.attempts, 1)
}

func TestLoaderNothingConfigured(t *testing.T) {
	_, err := NewLoader(nil, nil, zerolog.Nop()).Load(context.Background(), baseRequest())
	assert.ErrorIs(t, err, ErrLoadFailure)
}

func TestTiers(t *testing.T) {
	req := baseRequest()
	assert.Len(t, tiers(req), 3)

	req.Engine.ContextSize, req.Engine.Threads = 2048, 2
	assert.Equal(t, []Tier{{2048, 2}, {512, 1}}, tiers(req))

	req.Fallbacks = false
	assert.Equal(t, []Tier{{2048, 2}}, tiers(req))
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultGGUFConfig("m.gguf")))
	assert.Error(t, ValidateConfig(nil))

	tests := map[string]func(c *GGUFModelConfig){
		"empty path":   func(c *GGUFModelConfig) { c.ModelPath = "" },
		"zero context": func(c *GGUFModelConfig) { c.ContextSize = 0 },
		"neg gpu":      func(c *GGUFModelConfig) { c.GPULayers = -1 },
		"zero threads": func(c *GGUFModelConfig) { c.Threads = 0 },
		"zero batch":   func(c *GGUFModelConfig) { c.BatchSize = 0 },
		"zero pool":    func(c *GGUFModelConfig) { c.PoolSize = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := DefaultGGUFConfig("m.gguf")
			mutate(c)
			assert.Error(t, ValidateConfig(c))
		})
	}
}

func TestHealthTracker(t *testing.T) {
	h := newHealthTracker()
	h.recordSuccess(100 * time.Millisecond)
	h.recordSuccess(200 * time.Millisecond)

	snap := h.snapshot()
	assert.True(t, snap.IsHealthy)
	assert.InDelta(t, float64(110*time.Millisecond), float64(snap.AverageLatency), float64(time.Microsecond))

	for i := range 12 {
		h.recordFailure(fmt.Sprintf("err %d", i))
	}
	snap = h.snapshot()
	assert.False(t, snap.IsHealthy)
	assert.Len(t, snap.ErrorMessages, maxHealthErrors)
	assert.Equal(t, "err 11", snap.ErrorMessages[maxHealthErrors-1])
	assert.InDelta(t, 2.0/14.0, snap.SuccessRate, 1e-9)

	snap.ErrorMessages[0] = "mutated"
	assert.NotEqual(t, "mutated", h.snapshot().ErrorMessages[0])
}

func TestThreadsFor(t *testing.T) {
	assert.Equal(t, 4, threadsFor(4, 8))
	assert.Equal(t, 8, threadsFor(0, 8))
}
