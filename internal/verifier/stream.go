package verifier

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxLineBytes = 1 << 20

// streamConn speaks newline-delimited JSON over a reader/writer pair.
type streamConn[In, Out any] struct {
	in       chan In
	w        io.Writer
	closer   io.Closer
	logger   *zap.Logger
	mu       sync.Mutex
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
}

func newStreamConn[In, Out any](r io.Reader, w io.Writer, closer io.Closer, logger *zap.Logger) *streamConn[In, Out] {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &streamConn[In, Out]{
		in:       make(chan In, 64),
		w:        w,
		closer:   closer,
		logger:   logger,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

func (s *streamConn[In, Out]) readLoop(r io.Reader) {
	defer close(s.readDone)
	defer close(s.in)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var v In
		if err := json.Unmarshal(line, &v); err != nil {
			s.logger.Warn("verifier stream: skipping malformed message", zap.Error(err))
			continue
		}
		select {
		case s.in <- v:
		case <-s.done:
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("verifier stream: read failed", zap.Error(err))
	}
}

func (s *streamConn[In, Out]) send(v Out) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return errConnClosed
	default:
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *streamConn[In, Out]) close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

type clientStream struct {
	*streamConn[Reply, Request]
}

// NewClientStream returns an issuer end that reads replies from r and writes
// requests to w. Closing it closes closer, if set.
func NewClientStream(r io.Reader, w io.Writer, closer io.Closer, logger *zap.Logger) ClientConn {
	return clientStream{newStreamConn[Reply, Request](r, w, closer, logger)}
}

func (c clientStream) Send(r Request) error { return c.send(r) }
func (c clientStream) Replies() <-chan Reply { return c.in }
func (c clientStream) Close() error { return c.close() }

type serverStream struct {
	*streamConn[Request, Reply]
}

// NewServerStream returns a worker end reading requests from r and writing
// replies to w, typically stdin and stdout of the worker process.
func NewServerStream(r io.Reader, w io.Writer, closer io.Closer, logger *zap.Logger) ServerConn {
	return serverStream{newStreamConn[Request, Reply](r, w, closer, logger)}
}

func (s serverStream) Requests() <-chan Request { return s.in }
func (s serverStream) Reply(r Reply) error { return s.send(r) }
func (s serverStream) Close() error { return s.close() }

// Subprocess is a verifier worker running as a child process that speaks the
// stream protocol on its stdin and stdout.
type Subprocess struct {
	clientStream
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
	logger *zap.Logger
}

const subprocessGrace = 3 * time.Second

// StartSubprocess launches argv and connects to it. The child's stderr is
// inherited so its logs stay visible.
func StartSubprocess(ctx context.Context, argv []string, logger *zap.Logger) (*Subprocess, error) {
	if len(argv) == 0 {
		return nil, errors.New("verifier command is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("verifier stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("verifier stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start verifier: %w", err)
	}

	sp := &Subprocess{
		clientStream: clientStream{newStreamConn[Reply, Request](stdout, stdin, stdin, logger)},
		cmd:          cmd,
		exited:       make(chan struct{}),
		logger:       logger,
	}
	go func() {
		// Wait closes stdout, so it runs only after the reader saw EOF.
		<-sp.readDone
		sp.err = cmd.Wait()
		if sp.err != nil {
			logger.Warn("verifier subprocess exited", zap.Error(sp.err))
		} else {
			logger.Info("verifier subprocess exited")
		}
		close(sp.exited)
	}()
	logger.Info("verifier subprocess started", zap.Int("pid", cmd.Process.Pid))
	return sp, nil
}

// Close ends the child's stdin and waits briefly for it to exit before
// killing it.
func (p *Subprocess) Close() error {
	err := p.close()
	select {
	case <-p.exited:
	case <-time.After(subprocessGrace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	return err
}

// Done is closed when the child process has exited.
func (p *Subprocess) Done() <-chan struct{} { return p.exited }
