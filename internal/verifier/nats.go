package verifier

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// queueGroup load-balances requests across verifier workers on one subject.
const queueGroup = "darkscan-verifier"

// ConnectNATS dials url with the reconnect policy used by darkscan services.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("darkscan"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

type natsClient struct {
	nc      *nats.Conn
	subject string
	inbox   string
	sub     *nats.Subscription
	replies chan Reply
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATSClient publishes requests on subject and receives replies on a
// private inbox.
func NewNATSClient(nc *nats.Conn, subject string, logger *zap.Logger) (ClientConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &natsClient{
		nc:      nc,
		subject: subject,
		inbox:   nats.NewInbox(),
		replies: make(chan Reply, 64),
		logger:  logger,
	}
	sub, err := nc.Subscribe(c.inbox, func(m *nats.Msg) {
		var r Reply
		if err := json.Unmarshal(m.Data, &r); err != nil {
			c.logger.Warn("verifier nats: skipping malformed reply", zap.Error(err))
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		select {
		case c.replies <- r:
		default:
			c.logger.Warn("verifier nats: reply buffer full, dropping reply", zap.Uint64("id", r.ID))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.inbox, err)
	}
	c.sub = sub
	return c, nil
}

func (c *natsClient) Send(r Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errConnClosed
	}
	return c.nc.PublishRequest(c.subject, c.inbox, data)
}

func (c *natsClient) Replies() <-chan Reply { return c.replies }

func (c *natsClient) Close() error {
	err := c.sub.Unsubscribe()
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.replies)
	}
	c.mu.Unlock()
	return err
}

type natsServer struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	requests chan Request
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATSServer receives requests from subject in a queue group, so several
// workers can share one subject.
func NewNATSServer(nc *nats.Conn, subject string, logger *zap.Logger) (ServerConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &natsServer{
		nc:       nc,
		requests: make(chan Request, 64),
		logger:   logger,
	}
	sub, err := nc.QueueSubscribe(subject, queueGroup, func(m *nats.Msg) {
		var r Request
		if err := json.Unmarshal(m.Data, &r); err != nil {
			s.logger.Warn("verifier nats: skipping malformed request", zap.Error(err))
			return
		}
		if m.Reply == "" {
			return
		}
		r.Route = m.Reply
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		select {
		case s.requests <- r:
		default:
			s.logger.Warn("verifier nats: request buffer full, dropping request", zap.Uint64("id", r.ID))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

func (s *natsServer) Requests() <-chan Request { return s.requests }

func (s *natsServer) Reply(r Reply) error {
	if r.Route == "" {
		return fmt.Errorf("reply %d has no route", r.ID)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return s.nc.Publish(r.Route, data)
}

func (s *natsServer) Close() error {
	err := s.sub.Unsubscribe()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.requests)
	}
	s.mu.Unlock()
	return err
}
