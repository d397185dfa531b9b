//go:build cgo

package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const defaultHiddenSize = 384

// ONNXEmbedder runs a sentence-transformers encoder exported to ONNX and
// mean-pools its last hidden state into a unit vector.
type ONNXEmbedder struct {
	session   *ort.AdvancedSession
	tokenizer *WordPieceTokenizer
	seqLen    int
	hidden    int

	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypes    *ort.Tensor[int64]
	output        *ort.Tensor[float32]

	mu sync.Mutex
}

// LoadONNXEmbedder opens model.onnx and vocab.txt from dir.
func LoadONNXEmbedder(dir string, seqLen int) (*ONNXEmbedder, error) {
	if dir == "" {
		return nil, errors.New("model dir is empty")
	}
	if seqLen <= 0 {
		seqLen = 128
	}

	libPath := resolveSharedLibraryPath(dir)
	if libPath == "" {
		return nil, errors.New("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	modelPath := filepath.Join(dir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", modelPath, err)
	}
	vocabPath, err := findVocab(dir)
	if err != nil {
		return nil, err
	}
	tokenizer, err := LoadWordPieceTokenizer(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	hidden := hiddenSize(filepath.Join(dir, "config.json"))

	var allocated releaser
	defer func() { _ = allocated.release() }()

	inputShape := ort.NewShape(1, int64(seqLen))
	inputIDs, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	allocated.add(inputIDs)
	attnMask, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	allocated.add(attnMask)
	tokenTypes, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate token_type_ids tensor: %w", err)
	}
	allocated.add(tokenTypes)
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(hidden)))
	if err != nil {
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}
	allocated.add(output)

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		[]ort.Value{inputIDs, attnMask, tokenTypes},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	allocated.keep()
	return &ONNXEmbedder{
		session:       session,
		tokenizer:     tokenizer,
		seqLen:        seqLen,
		hidden:        hidden,
		inputIDs:      inputIDs,
		attentionMask: attnMask,
		tokenTypes:    tokenTypes,
		output:        output,
	}, nil
}

// Embed runs one inference per text; the session tensors are shared so calls
// are serialized.
func (e *ONNXEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrClosed
	}

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, attn := e.tokenizer.Encode(text, e.seqLen)
		copy(e.inputIDs.GetData(), ids)
		copy(e.attentionMask.GetData(), attn)
		clear(e.tokenTypes.GetData())

		if err := e.session.Run(); err != nil {
			return nil, fmt.Errorf("onnx run: %w", err)
		}
		out = append(out, meanPool(e.output.GetData(), attn, e.hidden))
	}
	return out, nil
}

func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	for _, t := range []destroyer{e.inputIDs, e.attentionMask, e.tokenTypes, e.output} {
		_ = t.Destroy()
	}
	e.session = nil
	return err
}

func hiddenSize(configPath string) int {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return defaultHiddenSize
	}
	var cfg struct {
		HiddenSize int `json:"hidden_size"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.HiddenSize <= 0 {
		return defaultHiddenSize
	}
	return cfg.HiddenSize
}

// resolveSharedLibraryPath locates a platform onnxruntime library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins over probing.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{
		"libonnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
