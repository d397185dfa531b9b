//go:build !cgo

package verifier

import (
	"context"
	"fmt"
)

// FastEmbedConfig selects a fastembed model.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// FastEmbedder is unavailable without cgo.
type FastEmbedder struct{}

// NewFastEmbedder fails in builds without cgo.
func NewFastEmbedder(FastEmbedConfig) (*FastEmbedder, error) {
	return nil, fmt.Errorf("fastembed: %w (built without cgo)", ErrEmbedderUnsupported)
}

func (*FastEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, ErrEmbedderUnsupported
}

func (*FastEmbedder) Close() error { return nil }

// ONNXEmbedder is unavailable without cgo.
type ONNXEmbedder struct{}

// LoadONNXEmbedder fails in builds without cgo.
func LoadONNXEmbedder(string, int) (*ONNXEmbedder, error) {
	return nil, fmt.Errorf("onnx: %w (built without cgo)", ErrEmbedderUnsupported)
}

func (*ONNXEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, ErrEmbedderUnsupported
}

func (*ONNXEmbedder) Close() error { return nil }
