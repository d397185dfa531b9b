// Command event-receiver accepts darkscan webhook events and logs them. It is
// a local target for the webhook sink.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/events"
	"github.com/straja-ai/darkscan/internal/redact"
)

const maxEventBytes = 1 << 20

func main() {
	addr := flag.String("addr", ":8099", "listen address for event receiver")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newMux(logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("event receiver listening (POST JSON to /events)", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("receiver error", zap.Error(err))
	}
}

func newMux(logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	h := eventHandler(logger)
	mux.Handle("POST /events", h)
	mux.Handle("POST /", h)
	return mux
}

func eventHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
			return
		}

		var ev events.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			logger.Warn("undecodable event", zap.Error(err), zap.Int("len", len(body)))
			http.Error(w, `{"error":"invalid event"}`, http.StatusBadRequest)
			return
		}

		fields := []zap.Field{
			zap.String("kind", string(ev.Kind)),
			zap.String("scan_id", ev.ScanID),
			zap.String("header_kind", r.Header.Get("X-Darkscan-Event")),
		}
		switch {
		case ev.Progress != nil:
			fields = append(fields, zap.Int("progress", ev.Progress.Progress), zap.Int("found", ev.Progress.Found))
		case ev.Results != nil:
			fields = append(fields, zap.Int("count", ev.Results.Count), zap.String("mode", ev.Results.Mode))
			for _, d := range ev.Results.Results {
				logger.Info("detection",
					zap.String("category", d.Category),
					zap.String("tier", d.Tier),
					zap.Float64("score", d.Score),
					redact.Field("text", d.Text))
			}
		}
		logger.Info("received event", fields...)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"status":"ok"}`+"\n")
	}
}
