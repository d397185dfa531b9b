package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/straja-ai/darkscan/internal/auth"
	"github.com/straja-ai/darkscan/internal/bank"
	"github.com/straja-ai/darkscan/internal/config"
	"github.com/straja-ai/darkscan/internal/dom"
	"github.com/straja-ai/darkscan/internal/engine"
	"github.com/straja-ai/darkscan/internal/events"
	"github.com/straja-ai/darkscan/internal/extract"
	"github.com/straja-ai/darkscan/internal/verifier"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"))
}

type fakeController struct {
	mu    sync.Mutex
	calls []engine.Action
	err   error
}

func (f *fakeController) Handle(_ context.Context, req engine.Request) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Action)
	if f.err != nil {
		return nil, f.err
	}
	switch req.Action {
	case engine.ActionScan:
		return engine.ScanAck{IsScanning: true}, nil
	case engine.ActionTogglePause:
		return engine.PauseState{IsPaused: true}, nil
	case engine.ActionGetResults:
		return engine.Snapshot{Results: []engine.Detection{}, Mode: engine.ModeFallback}, nil
	}
	return nil, engine.ErrUnknownAction
}

func newTestServer(t *testing.T, ctrl Controller, keys ...string) *Server {
	t.Helper()
	a, err := auth.New(keys)
	require.NoError(t, err)
	cfg := config.Default().Server
	return New(Options{
		Config:     cfg,
		Auth:       a,
		Controller: ctrl,
		Logger:     zaptest.NewLogger(t),
	})
}

func do(t *testing.T, s *Server, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestParseBearerToken(t *testing.T) {
	token, ok := parseBearerToken("Bearer abc123")
	require.True(t, ok)
	assert.Equal(t, "abc123", token)

	token, ok = parseBearerToken("bearer xyz")
	require.True(t, ok)
	assert.Equal(t, "xyz", token)

	for _, h := range []string{"", "abc123", "Bearer", "Bearer ", "Token abc123", "Bearer abc def"} {
		token, ok := parseBearerToken(h)
		assert.False(t, ok, h)
		assert.Empty(t, token, h)
	}
}

func TestHealthzIsOpen(t *testing.T) {
	s := newTestServer(t, &fakeController{}, "secret")
	rr := do(t, s, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[healthResponse](t, rr)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, verifier.StateUnavailable, body.Verifier.State)
}

func TestAuthRequiredWhenKeysConfigured(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(t, ctrl, "secret")

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/v1/results", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/v1/results", "wrong", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/results", "secret", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/results?access_token=secret", "", "").Code)
	assert.Len(t, ctrl.calls, 2)
}

func TestScanAcknowledged(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	rr := do(t, s, http.MethodPost, "/v1/scan", "", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, engine.ScanAck{IsScanning: true}, decode[engine.ScanAck](t, rr))
}

func TestScanWhilePausedIsLocked(t *testing.T) {
	s := newTestServer(t, &fakeController{err: engine.ErrPaused})
	rr := do(t, s, http.MethodPost, "/v1/scan", "", "")
	require.Equal(t, http.StatusLocked, rr.Code)
	assert.Equal(t, "paused", decode[errorBody](t, rr).Error)
}

func TestScanRateLimited(t *testing.T) {
	ctrl := &fakeController{}
	s := New(Options{
		Config:     config.ServerConfig{ScanRatePerSecond: 0.001, ScanBurst: 1},
		Controller: ctrl,
	})
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/scan", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodPost, "/v1/scan", "", "").Code)
	// Only scans are limited.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/results", "", "").Code)
	assert.Len(t, ctrl.calls, 2)
}

func TestActionMessages(t *testing.T) {
	s := newTestServer(t, &fakeController{})

	rr := do(t, s, http.MethodPost, "/v1/actions", "", `{"action":"togglePause"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[engine.PauseState](t, rr).IsPaused)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/actions", "", `{"action":"launch"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/actions", "", `not json`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/v1/scan", "", "").Code)
}

func TestEngineStoppedIsUnavailable(t *testing.T) {
	s := newTestServer(t, &fakeController{err: engine.ErrStopped})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/v1/results", "", "").Code)
}

const page = `<p>Hurry, only today!</p><p>All rights reserved.</p>`

func startEngine(t *testing.T, pub events.Publisher) *engine.Engine {
	t.Helper()
	doc, err := dom.ParseString(page)
	require.NoError(t, err)
	b, err := bank.ParseCategories(strings.NewReader("[fakeUrgency]\nhurry, only today\n"), nil)
	require.NoError(t, err)
	eng := engine.New(doc, engine.Options{
		Bank:      b,
		Extractor: extract.New(b, extract.Options{Ignore: bank.NewIgnoreList(config.DefaultIgnorePhrases())}),
		Dispatch:  engine.DispatcherConfig{BatchSize: 3, VerifyTimeout: time.Second, AcceptanceThreshold: 0.6},
		Publisher: pub,
		Logger:    zaptest.NewLogger(t),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return eng
}

func TestControlFlowAgainstEngine(t *testing.T) {
	eng := startEngine(t, nil)
	s := newTestServer(t, eng, "k")

	require.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/v1/scan", "k", "").Code)
	var snap engine.Snapshot
	require.Eventually(t, func() bool {
		snap = decode[engine.Snapshot](t, do(t, s, http.MethodGet, "/v1/results", "k", ""))
		return snap.HasScanned && !snap.IsScanning
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, snap.Count)
	assert.Equal(t, engine.TierStrictFallback, snap.Results[0].Tier)
	assert.Equal(t, engine.ModeFallback, snap.Mode)

	rr := do(t, s, http.MethodPost, "/v1/pause", "k", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[engine.PauseState](t, rr).IsPaused)
	assert.Equal(t, http.StatusLocked, do(t, s, http.MethodPost, "/v1/scan", "k", "").Code)
}

func TestWebsocketStreamsEventsAndAnswersActions(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	eng := startEngine(t, events.NewRecorder())
	a, err := auth.New([]string{"k"})
	require.NoError(t, err)
	s := New(Options{Config: config.Default().Server, Auth: a, Controller: eng, Hub: hub})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?access_token=k", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(engine.Request{Action: engine.ActionGetResults}))
	var reply struct {
		Type   string          `json:"type"`
		Action engine.Action   `json:"action"`
		Reply  engine.Snapshot `json:"reply"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "reply", reply.Type)
	assert.Equal(t, engine.ActionGetResults, reply.Action)
	assert.False(t, reply.Reply.HasScanned)

	require.NoError(t, hub.Deliver(context.Background(), events.NewProgress("scan-1", 50, 1)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.KindScanProgress, ev.Kind)
	assert.Equal(t, 50, ev.Progress.Progress)

	require.NoError(t, hub.Close(context.Background()))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, hub.Len())
}
