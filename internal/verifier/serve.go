package verifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Serve answers requests from conn with v until ctx ends or the transport
// closes. Requests are handled concurrently and each reply carries its
// request id. A request's deadline bounds the work done for it.
func Serve(ctx context.Context, conn ServerConn, v Verifier, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-conn.Requests():
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				reply := handle(ctx, v, req)
				reply.ID = req.ID
				reply.Route = req.Route
				if err := conn.Reply(reply); err != nil {
					logger.Debug("verifier worker: reply not delivered", zap.Uint64("id", req.ID), zap.Error(err))
				}
			}()
		}
	}
}

func handle(ctx context.Context, v Verifier, req Request) Reply {
	if req.DeadlineMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	switch req.Action {
	case ActionPredict:
		res, err := v.Predict(ctx, req.Text)
		if err != nil {
			return Reply{Error: err.Error()}
		}
		return Reply{
			Score:          res.Score,
			Category:       res.Category,
			Confidence:     res.Confidence,
			MatchedExample: res.MatchedExample,
			Status:         StateReady,
		}
	case ActionInitModel:
		if err := v.Init(ctx); err != nil {
			st := v.Status(ctx)
			return Reply{Status: st.State, Error: err.Error()}
		}
		st := v.Status(ctx)
		return Reply{Status: st.State, Examples: st.Examples}
	case ActionPing:
		st := v.Status(ctx)
		return Reply{Status: st.State, Examples: st.Examples, Error: st.Error}
	default:
		return Reply{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}
