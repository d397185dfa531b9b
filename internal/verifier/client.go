package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds calls whose context has no deadline.
const DefaultCallTimeout = 5 * time.Second

// Client issues requests across a transport and correlates replies by id.
// A call that outlives its deadline returns ErrTimeout; a reply arriving
// afterwards finds no pending entry and is dropped.
type Client struct {
	conn    ClientConn
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Reply
	done    chan struct{}
	once    sync.Once
}

// NewClient starts correlating replies from conn. timeout <= 0 selects
// DefaultCallTimeout.
func NewClient(conn ClientConn, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		pending: make(map[uint64]chan Reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for r := range c.conn.Replies() {
		c.mu.Lock()
		ch, ok := c.pending[r.ID]
		if ok {
			delete(c.pending, r.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("verifier client: dropping reply with no pending request", zap.Uint64("id", r.ID))
			continue
		}
		ch <- r
	}
	c.shutdown()
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// Pending returns the number of outstanding requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) call(ctx context.Context, req Request) (Reply, error) {
	select {
	case <-c.done:
		return Reply{}, ErrClosed
	default:
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	req.DeadlineMS = time.Until(deadline).Milliseconds()
	if err := c.conn.Send(req); err != nil {
		c.forget(req.ID)
		return Reply{}, fmt.Errorf("%w: send: %v", ErrUnavailable, err)
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		c.forget(req.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, ErrTimeout
		}
		return Reply{}, ctx.Err()
	case <-c.done:
		c.forget(req.ID)
		return Reply{}, ErrClosed
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Predict asks the worker for the closest example to text.
func (c *Client) Predict(ctx context.Context, text string) (Result, error) {
	r, err := c.call(ctx, Request{Action: ActionPredict, Text: text})
	if err != nil {
		return Result{}, err
	}
	if r.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrUnavailable, r.Error)
	}
	return Result{
		Score:          r.Score,
		Category:       r.Category,
		Confidence:     r.Confidence,
		MatchedExample: r.MatchedExample,
	}, nil
}

// Init asks the worker to load its model.
func (c *Client) Init(ctx context.Context) error {
	r, err := c.call(ctx, Request{Action: ActionInitModel})
	if err != nil {
		return err
	}
	if r.Error != "" {
		return fmt.Errorf("%w: %s", ErrUnavailable, r.Error)
	}
	return nil
}

// Status pings the worker. An unreachable worker reports StateUnavailable.
func (c *Client) Status(ctx context.Context) Status {
	r, err := c.call(ctx, Request{Action: ActionPing})
	if err != nil {
		return Status{State: StateUnavailable, Error: err.Error()}
	}
	return Status{State: r.Status, Examples: r.Examples, Error: r.Error}
}

// Close shuts the transport down. Outstanding calls return ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown()
	return err
}
