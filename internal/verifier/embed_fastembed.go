//go:build cgo

package verifier

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig selects a fastembed model.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
}

// FastEmbedder runs a downloaded sentence-embedding model through fastembed.
type FastEmbedder struct {
	mu    sync.Mutex
	model *fastembed.FlagEmbedding
}

// NewFastEmbedder downloads the model on first use and opens it.
func NewFastEmbedder(cfg FastEmbedConfig) (*FastEmbedder, error) {
	model, ok := fastEmbedModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("unsupported fastembed model %q", cfg.Model)
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = 256
	}
	showProgress := false

	fe, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize fastembed: %w", err)
	}
	return &FastEmbedder{model: fe}, nil
}

// Embed embeds texts without query or passage prefixes so that examples and
// candidates share one space.
func (f *FastEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.model == nil {
		return nil, ErrClosed
	}

	raw, err := f.model.Embed(texts, 32)
	if err != nil {
		return nil, fmt.Errorf("fastembed: %w", err)
	}
	out := make([][]float32, len(raw))
	for i, v := range raw {
		out[i] = []float32(v)
	}
	return out, nil
}

func (f *FastEmbedder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.model == nil {
		return nil
	}
	err := f.model.Destroy()
	f.model = nil
	return err
}
