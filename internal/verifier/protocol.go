package verifier

import (
	"errors"
	"sync"
)

// Action names a request across the isolation boundary.
type Action string

const (
	ActionPredict   Action = "predict"
	ActionInitModel Action = "initModel"
	ActionPing      Action = "ping"
)

// Request is the issuer-side envelope. ID is unique per issuer.
type Request struct {
	ID         uint64 `json:"id"`
	Action     Action `json:"action"`
	Text       string `json:"text,omitempty"`
	DeadlineMS int64  `json:"deadline_ms,omitempty"`

	// Route carries transport addressing and is not serialized.
	Route string `json:"-"`
}

// Reply correlates to a Request by ID. Error is set instead of a result when
// the worker could not answer.
type Reply struct {
	ID             uint64  `json:"id"`
	Score          float64 `json:"score,omitempty"`
	Category       string  `json:"category,omitempty"`
	Confidence     Tier    `json:"confidence,omitempty"`
	MatchedExample string  `json:"matched_example,omitempty"`
	Status         State   `json:"status,omitempty"`
	Examples       int     `json:"examples,omitempty"`
	Error          string  `json:"error,omitempty"`

	Route string `json:"-"`
}

// ClientConn is the issuer's end of a transport.
type ClientConn interface {
	Send(Request) error
	// Replies is closed when the transport ends.
	Replies() <-chan Reply
	Close() error
}

// ServerConn is the worker's end of a transport. Reply may be called from
// several goroutines.
type ServerConn interface {
	// Requests is closed when the transport ends.
	Requests() <-chan Request
	Reply(Reply) error
	Close() error
}

var errConnClosed = errors.New("connection closed")

// pipe is an in-process transport. Closing either end closes both.
type pipe struct {
	requests chan Request
	replies  chan Reply
	done     chan struct{}
	once     sync.Once
}

// Pipe returns the two ends of an in-process transport.
func Pipe() (ClientConn, ServerConn) {
	p := &pipe{
		requests: make(chan Request, 64),
		replies:  make(chan Reply, 64),
		done:     make(chan struct{}),
	}
	cc := &pipeClient{p: p, replies: make(chan Reply)}
	sc := &pipeServer{p: p, requests: make(chan Request)}
	go forward(p.done, p.replies, cc.replies)
	go forward(p.done, p.requests, sc.requests)
	return cc, sc
}

// forward copies from in to out until done, then closes out.
func forward[T any](done <-chan struct{}, in <-chan T, out chan<- T) {
	defer close(out)
	for {
		select {
		case <-done:
			return
		case v := <-in:
			select {
			case out <- v:
			case <-done:
				return
			}
		}
	}
}

func (p *pipe) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type pipeClient struct {
	p       *pipe
	replies chan Reply
}

func (c *pipeClient) Send(r Request) error {
	select {
	case <-c.p.done:
		return errConnClosed
	default:
	}
	select {
	case c.p.requests <- r:
		return nil
	case <-c.p.done:
		return errConnClosed
	}
}

func (c *pipeClient) Replies() <-chan Reply { return c.replies }
func (c *pipeClient) Close() error { return c.p.close() }

type pipeServer struct {
	p        *pipe
	requests chan Request
}

func (s *pipeServer) Requests() <-chan Request { return s.requests }

func (s *pipeServer) Reply(r Reply) error {
	select {
	case <-s.p.done:
		return errConnClosed
	default:
	}
	select {
	case s.p.replies <- r:
		return nil
	case <-s.p.done:
		return errConnClosed
	}
}

func (s *pipeServer) Close() error { return s.p.close() }
