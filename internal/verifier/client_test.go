package verifier

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func startWorker(t *testing.T) (*Client, func()) {
	t.Helper()
	loader := &countingLoader{embedder: &hashEmbedder{}}
	sem := NewSemantic(loader.load, testExamples(), DefaultThresholds(), nil)

	cc, sc := Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, sc, sem, nil)
	}()
	client := NewClient(cc, time.Second, nil)
	return client, func() {
		_ = client.Close()
		cancel()
		<-done
	}
}

func TestClientRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, stop := startWorker(t)
	defer stop()

	ctx := context.Background()
	assert.Equal(t, StateUninitialized, client.Status(ctx).State)
	require.NoError(t, client.Init(ctx))

	st := client.Status(ctx)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 4, st.Examples)

	res, err := client.Predict(ctx, "Limited time offer, act now!")
	require.NoError(t, err)
	assert.Equal(t, "fakeUrgency", res.Category)
	assert.Equal(t, "Limited time offer, act now", res.MatchedExample)
	assert.Equal(t, TierHigh, res.Confidence)
	assert.Equal(t, 0, client.Pending())
}

func TestClientConcurrentCalls(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, stop := startWorker(t)
	defer stop()

	texts := map[string]string{
		"Only 2 left in stock":                  "fakeScarcity",
		"Hurry, this offer ends soon":           "fakeUrgency",
		"No thanks, I don't want to save money": "confirmshaming",
	}
	type out struct {
		text string
		res  Result
		err  error
	}
	results := make(chan out, 30)
	for i := 0; i < 10; i++ {
		for text := range texts {
			go func(text string) {
				res, err := client.Predict(context.Background(), text)
				results <- out{text, res, err}
			}(text)
		}
	}
	for i := 0; i < 30; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, texts[o.text], o.res.Category, o.text)
	}
}

func TestClientTimeoutIgnoresLateReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	cc, sc := Pipe()
	client := NewClient(cc, 50*time.Millisecond, nil)
	defer client.Close()

	start := time.Now()
	_, err := client.Predict(context.Background(), "Hurry!")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, client.Pending())

	// The worker answers after the issuer gave up.
	req := <-sc.Requests()
	assert.Equal(t, ActionPredict, req.Action)
	assert.Positive(t, req.DeadlineMS)
	require.NoError(t, sc.Reply(Reply{ID: req.ID, Score: 0.9, Category: "fakeUrgency"}))

	// A fresh call is not confused by the stale reply.
	go func() {
		r := <-sc.Requests()
		_ = sc.Reply(Reply{ID: r.ID, Score: 0.3, Category: "fakeScarcity"})
	}()
	res, err := client.Predict(context.Background(), "Only 2 left")
	require.NoError(t, err)
	assert.Equal(t, "fakeScarcity", res.Category)
	assert.Equal(t, 0.3, res.Score)
}

func TestClientCorrelatesReorderedReplies(t *testing.T) {
	defer goleak.VerifyNone(t)

	cc, sc := Pipe()
	client := NewClient(cc, time.Second, nil)
	defer client.Close()

	go func() {
		var reqs []Request
		for len(reqs) < 3 {
			reqs = append(reqs, <-sc.Requests())
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			_ = sc.Reply(Reply{ID: reqs[i].ID, Category: reqs[i].Text})
		}
	}()

	type out struct {
		text string
		res  Result
		err  error
	}
	results := make(chan out, 3)
	for _, text := range []string{"a", "b", "c"} {
		go func(text string) {
			res, err := client.Predict(context.Background(), text)
			results <- out{text, res, err}
		}(text)
	}
	for i := 0; i < 3; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, o.text, o.res.Category)
	}
}

func TestClientWorkerError(t *testing.T) {
	defer goleak.VerifyNone(t)

	cc, sc := Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(ctx, sc, NewNull(), nil)
	}()
	client := NewClient(cc, time.Second, nil)
	defer func() {
		_ = client.Close()
		cancel()
		<-done
	}()

	_, err := client.Predict(context.Background(), "Hurry")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateUnavailable, client.Status(context.Background()).State)
}

func TestClientClosed(t *testing.T) {
	defer goleak.VerifyNone(t)

	cc, sc := Pipe()
	client := NewClient(cc, time.Second, nil)

	go func() { <-sc.Requests(); _ = sc.Close() }()
	_, err := client.Predict(context.Background(), "Hurry")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = client.Predict(context.Background(), "Hurry")
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, client.Close())
}

func TestStreamTransport(t *testing.T) {
	defer goleak.VerifyNone(t)

	// client -> worker
	reqR, reqW := io.Pipe()
	// worker -> client
	repR, repW := io.Pipe()

	loader := &countingLoader{embedder: &hashEmbedder{}}
	sem := NewSemantic(loader.load, testExamples(), DefaultThresholds(), nil)
	server := NewServerStream(reqR, repW, repW, zap.NewNop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(context.Background(), server, sem, nil)
	}()

	client := NewClient(NewClientStream(repR, reqW, reqW, nil), time.Second, nil)

	res, err := client.Predict(context.Background(), "Only 2 left in stock")
	require.NoError(t, err)
	assert.Equal(t, "fakeScarcity", res.Category)

	// Closing the request stream ends the worker, which closes the reply
	// stream in turn.
	require.NoError(t, client.Close())
	<-done
	require.NoError(t, server.Close())
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	defer goleak.VerifyNone(t)

	input := strings.NewReader("not json\n\n{\"id\":7,\"action\":\"ping\"}\n")
	server := NewServerStream(input, io.Discard, nil, nil)

	req, ok := <-server.Requests()
	require.True(t, ok)
	assert.Equal(t, uint64(7), req.ID)
	assert.Equal(t, ActionPing, req.Action)

	_, ok = <-server.Requests()
	assert.False(t, ok)
	require.NoError(t, server.Close())
}
