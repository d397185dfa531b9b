// Package server exposes the engine's control protocol over HTTP and a
// websocket that also streams scan events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/straja-ai/darkscan/internal/auth"
	"github.com/straja-ai/darkscan/internal/config"
	"github.com/straja-ai/darkscan/internal/engine"
	"github.com/straja-ai/darkscan/internal/verifier"
)

const maxActionBodyBytes = 4 << 10

// Controller is the engine surface the server drives.
type Controller interface {
	Handle(ctx context.Context, req engine.Request) (any, error)
}

// Options wires a Server.
type Options struct {
	Config     config.ServerConfig
	Auth       *auth.Auth
	Controller Controller
	Verifier   verifier.Verifier
	Hub        *Hub
	Logger     *zap.Logger
}

// Server wraps the HTTP control API.
type Server struct {
	mux      *http.ServeMux
	cfg      config.ServerConfig
	auth     *auth.Auth
	ctrl     Controller
	verifier verifier.Verifier
	hub      *Hub
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// New creates a server with all routes registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Verifier == nil {
		opts.Verifier = verifier.NewNull()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	limit := rate.Limit(opts.Config.ScanRatePerSecond)
	if opts.Config.ScanRatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := opts.Config.ScanBurst
	if burst < 1 {
		burst = 1
	}

	s := &Server{
		mux:      http.NewServeMux(),
		cfg:      opts.Config,
		auth:     opts.Auth,
		ctrl:     opts.Controller,
		verifier: opts.Verifier,
		hub:      opts.Hub,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   opts.Logger,
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /v1/scan", s.authenticated(s.action(engine.ActionScan)))
	s.mux.Handle("GET /v1/results", s.authenticated(s.action(engine.ActionGetResults)))
	s.mux.Handle("POST /v1/pause", s.authenticated(s.action(engine.ActionTogglePause)))
	s.mux.Handle("POST /v1/actions", s.authenticated(http.HandlerFunc(s.handleActionMessage)))
	s.mux.Handle("GET /v1/events", s.authenticated(http.HandlerFunc(s.handleEvents)))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type healthResponse struct {
	Status   string          `json:"status"`
	Verifier verifier.Status `json:"verifier"`
	Clients  int             `json:"eventClients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Verifier: s.verifier.Status(ctx),
		Clients:  s.hub.Len(),
	})
}

func (s *Server) action(a engine.Action) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, engine.Request{Action: a})
	})
}

func (s *Server) handleActionMessage(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.dispatch(w, r, req)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req engine.Request) {
	out, err := s.run(r.Context(), req)
	if err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}
	status := http.StatusOK
	if req.Action == engine.ActionScan {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

var errRateLimited = errors.New("rate limited")

// run is shared by HTTP and websocket callers.
func (s *Server) run(ctx context.Context, req engine.Request) (any, error) {
	if s.ctrl == nil {
		return nil, engine.ErrStopped
	}
	if req.Action == engine.ActionScan && !s.limiter.Allow() {
		return nil, errRateLimited
	}
	return s.ctrl.Handle(ctx, req)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrPaused):
		return http.StatusLocked, "paused"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate limited"
	case errors.Is(err, engine.ErrUnknownAction):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable, "engine stopped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// --- Auth ---

type clientKey struct{}

// authenticated accepts a bearer token or, for browsers opening a websocket,
// an access_token query parameter.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Open() {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := parseBearerToken(r.Header.Get("Authorization"))
		if !ok {
			token = r.URL.Query().Get("access_token")
		}
		client, found := s.auth.Lookup(token)
		if token == "" || !found {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKey{}, client)))
	})
}

func clientID(ctx context.Context) string {
	if c, ok := ctx.Value(clientKey{}).(auth.Client); ok {
		return c.ID
	}
	return "anonymous"
}

// parseBearerToken extracts the token from "Bearer <token>".
func parseBearerToken(h string) (string, bool) {
	if h == "" {
		return "", false
	}
	parts := strings.Fields(h)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
