package models

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/rs/zerolog"
)

// Fetcher retrieves one file of a model repository into destDir and returns
// the final local path.
type Fetcher interface {
	Fetch(ctx context.Context, repo, filename, destDir string) (string, error)
}

// HubFetcher downloads from the Hugging Face hub. Files land in the hub cache
// under CacheDir and are then moved to destDir/filename.
type HubFetcher struct {
	Token    string
	CacheDir string
	logger   zerolog.Logger
}

func NewHubFetcher(token, cacheDir string, logger zerolog.Logger) *HubFetcher {
	return &HubFetcher{Token: token, CacheDir: cacheDir, logger: logger}
}

func (f *HubFetcher) Fetch(ctx context.Context, repo, filename, destDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r := hub.New(repo).WithCacheDir(f.CacheDir)
	if f.Token != "" {
		r = r.WithAuth(f.Token)
	}

	f.logger.Info().Str("repo", repo).Str("filename", filename).Msg("Downloading model from Hugging Face")
	cached, err := r.DownloadFile(filename)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(destDir, filepath.Base(filename))
	if err := moveInto(cached, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// moveInto places the file behind src at dst. The hub cache hands out
// symlinks into its blob store, so the blob itself is moved when possible and
// copied through a .tmp file otherwise.
func moveInto(src, dst string) error {
	blob, err := filepath.EvalSymlinks(src)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", src, err)
	}
	if err := os.Rename(blob, dst); err == nil {
		_ = os.Remove(src)
		return nil
	}

	in, err := os.Open(blob)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", blob, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
