package events

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/straja-ai/darkscan/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"))
}

func TestNewProgressClamps(t *testing.T) {
	ev := NewProgress("scan-1", 140, 2)
	require.NotNil(t, ev.Progress)
	assert.Equal(t, KindScanProgress, ev.Kind)
	assert.Equal(t, 100, ev.Progress.Progress)
	assert.Equal(t, 2, ev.Progress.Found)
	assert.Nil(t, ev.Results)

	assert.Equal(t, 0, NewProgress("scan-1", -3, 0).Progress.Progress)
}

func TestNewResultsReadyRedactsText(t *testing.T) {
	ev := NewResultsReady("scan-1", []Detection{
		{Category: "fakeUrgency", Text: "Hurry, contact sales@example.com before midnight", Tier: "high", Score: 0.82},
	}, true, "Hybrid AI")

	require.NotNil(t, ev.Results)
	assert.Equal(t, 1, ev.Results.Count)
	assert.True(t, ev.Results.HasScanned)
	assert.Equal(t, "Hybrid AI", ev.Results.Mode)
	assert.NotContains(t, ev.Results.Results[0].Text, "sales@example.com")
	assert.Equal(t, "fakeUrgency", ev.Results.Results[0].Category)
}

func TestEventJSONShape(t *testing.T) {
	ev := NewProgress("scan-9", 50, 1)
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "scanProgress", m["kind"])
	assert.Equal(t, "scan-9", m["scan_id"])
	assert.NotContains(t, m, "results")
	progress := m["progress"].(map[string]any)
	assert.EqualValues(t, 50, progress["progress"])
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")

	sink, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), NewProgress("scan-1", 50, 0)))
	require.NoError(t, sink.Deliver(context.Background(), NewResultsReady("scan-1", nil, true, "Fallback Regex")))
	require.NoError(t, sink.Close(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, KindResultsReady, decoded.Kind)
	require.NotNil(t, decoded.Results)
	assert.Equal(t, 0, decoded.Results.Count)
}

func TestWebhookSinkHandlesNon2xx(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("fail"))
	}))

	sink, err := NewWebhookSink(srv.URL, map[string]string{"X-Test": "1"}, 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	err = sink.Deliver(context.Background(), NewProgress("scan-1", 10, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status")
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	require.NoError(t, sink.Deliver(context.Background(), NewProgress("scan-1", 10, 0)))
	assert.EqualValues(t, 3, calls.Load())
}

func TestWebhookSinkDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })

	require.Error(t, sink.Deliver(context.Background(), NewProgress("scan-1", 10, 0)))
	assert.EqualValues(t, 1, calls.Load())
}

func TestFileSinkRejectsAfterClose(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()))
	assert.ErrorIs(t, sink.Deliver(context.Background(), NewProgress("scan-1", 1, 0)), errSinkClosed)
}

func TestWebhookSinkSetsHeaders(t *testing.T) {
	got := make(chan http.Header, 1)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))

	sink, err := NewWebhookSink(srv.URL, map[string]string{"X-Test": "1"}, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close(context.Background()) })
	require.NoError(t, sink.Deliver(context.Background(), NewProgress("scan-1", 10, 0)))

	h := <-got
	assert.Equal(t, "1", h.Get("X-Test"))
	assert.Equal(t, "scanProgress", h.Get("X-Darkscan-Event"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	wait := make(chan struct{})
	sink := &blockingSink{wait: wait}
	em := NewEmitter(EmitterConfig{QueueSize: 1, Workers: 1, ShutdownTimeout: time.Second}, []Sink{sink})

	ev := NewProgress("scan-1", 10, 0)
	em.Emit(context.Background(), ev)
	em.Emit(context.Background(), ev)
	em.Emit(context.Background(), ev)

	assert.NotZero(t, em.Stats().Dropped)

	close(wait)
	em.Close(context.Background())
}

func TestEmitterDropsAfterClose(t *testing.T) {
	rec := NewRecorder()
	em := NewEmitter(EmitterConfig{}, []Sink{rec})
	em.Close(context.Background())

	em.Emit(context.Background(), NewProgress("scan-1", 10, 0))
	assert.Equal(t, uint64(1), em.Stats().Dropped)
	assert.Empty(t, rec.Events())
}

func TestEmitterPreservesOrderWithOneWorker(t *testing.T) {
	rec := NewRecorder()
	em := NewEmitter(EmitterConfig{QueueSize: 16, Workers: 1}, []Sink{rec})

	for p := 0; p <= 100; p += 25 {
		em.Emit(context.Background(), NewProgress("scan-1", p, 0))
	}
	em.Emit(context.Background(), NewResultsReady("scan-1", nil, true, "Hybrid AI"))
	em.Close(context.Background())

	kinds := rec.Kinds()
	require.Len(t, kinds, 6)
	assert.Equal(t, KindResultsReady, kinds[5])
	for i, ev := range rec.Events()[:5] {
		assert.Equal(t, i*25, ev.Progress.Progress)
	}
}

func TestEmitterWebhookIntegration(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))

	sink, err := NewWebhookSink(srv.URL, nil, time.Second)
	require.NoError(t, err)
	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 1, ShutdownTimeout: time.Second}, []Sink{sink})
	defer em.Close(context.Background())

	for i := 0; i < 5; i++ {
		em.Emit(context.Background(), NewProgress("integration", i*20, i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 5
	}, 2*time.Second, 20*time.Millisecond)

	stats := em.Stats()
	assert.NotZero(t, stats.SinkSuccess[sink.Name()])
	assert.Zero(t, stats.Dropped)
}

func TestSinksFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sinks, err := SinksFromConfig([]config.SinkConfig{
		{Type: "file_jsonl", Path: path},
		{Type: "webhook", URL: "http://127.0.0.1:9/hook"},
	})
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	for _, s := range sinks {
		require.NoError(t, s.Close(context.Background()))
	}

	_, err = SinksFromConfig([]config.SinkConfig{{Type: "kafka"}})
	assert.ErrorContains(t, err, "unknown sink type")
}

type blockingSink struct {
	wait chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(context.Context, *Event) error {
	<-s.wait
	return nil
}

func (s *blockingSink) Close(context.Context) error {
	if s.wait != nil {
		select {
		case <-s.wait:
		default:
			close(s.wait)
		}
	}
	return nil
}

func newTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}
