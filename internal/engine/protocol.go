package engine

import (
	"context"
	"fmt"
)

// Action names a control message.
type Action string

const (
	ActionScan        Action = "scan"
	ActionGetResults  Action = "getResults"
	ActionTogglePause Action = "togglePause"
)

// Request is one control message from a collaborator.
type Request struct {
	Action Action `json:"action"`
}

// ScanAck acknowledges a scan request.
type ScanAck struct {
	IsScanning bool `json:"isScanning"`
}

// PauseState is the togglePause reply.
type PauseState struct {
	IsPaused bool `json:"isPaused"`
}

// Handle dispatches a control message to the matching operation. The reply is
// ScanAck, Snapshot or PauseState.
func (e *Engine) Handle(ctx context.Context, req Request) (any, error) {
	switch req.Action {
	case ActionScan:
		return e.Scan(ctx)
	case ActionGetResults:
		return e.Results(ctx)
	case ActionTogglePause:
		return e.TogglePause(ctx)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, req.Action)
	}
}
