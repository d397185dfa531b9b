package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/straja-ai/darkscan/internal/config"
)

// Embedder turns text into fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// ErrEmbedderUnsupported is returned for embedders this build cannot run.
var ErrEmbedderUnsupported = errors.New("embedder not supported in this build")

// LoaderFromConfig returns a lazy loader for the configured embedder.
func LoaderFromConfig(cfg config.VerifierConfig) (EmbedderLoader, error) {
	switch cfg.Embedder {
	case "fastembed", "":
		fc := FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir, MaxLength: cfg.SeqLen}
		return func(context.Context) (Embedder, error) {
			e, err := NewFastEmbedder(fc)
			if err != nil {
				return nil, err
			}
			return e, nil
		}, nil
	case "onnx":
		dir, seqLen := cfg.ModelDir, cfg.SeqLen
		return func(context.Context) (Embedder, error) {
			e, err := LoadONNXEmbedder(dir, seqLen)
			if err != nil {
				return nil, err
			}
			return e, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
	}
}
