package monitor

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/dom"
	"github.com/straja-ai/darkscan/internal/fetch"
)

// FileSource reloads a document from disk whenever the file changes. The
// parent directory is watched so editors that replace the file on save are
// still seen.
type FileSource struct {
	path    string
	doc     *dom.Document
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewFileSource starts watching path. The caller must call Run or Close.
func NewFileSource(path string, doc *dom.Document, logger *zap.Logger) (*FileSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: abs, doc: doc, watcher: w, logger: logger}, nil
}

// Run reloads the document on each relevant event until ctx is cancelled. It
// closes the watcher before returning.
func (s *FileSource) Run(ctx context.Context) error {
	defer s.Close()
	s.logger.Info("watching document", zap.String("path", s.path))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			s.reload(ev.Op.String())
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (s *FileSource) reload(op string) {
	data, err := fetch.File(s.path)
	if err != nil {
		s.logger.Warn("reload failed", zap.String("path", s.path), zap.Error(err))
		return
	}
	if err := s.doc.Replace(bytes.NewReader(data), "file "+op); err != nil {
		s.logger.Warn("reparse failed", zap.String("path", s.path), zap.Error(err))
	}
}

// Close stops watching.
func (s *FileSource) Close() error {
	return s.watcher.Close()
}
