package engine

import "errors"

var (
	// ErrPaused rejects scan requests while the session is paused.
	ErrPaused = errors.New("scanning is paused")
	// ErrBusy reports that a scan is already in flight; the request was a no-op.
	ErrBusy = errors.New("scan already in progress")
	// ErrStopped is returned when the control loop is not running.
	ErrStopped = errors.New("engine stopped")
	// ErrUnknownAction rejects control messages with an unrecognised action.
	ErrUnknownAction = errors.New("unknown action")
)

const (
	ModeHybrid   = "Hybrid AI"
	ModeFallback = "Fallback Regex"
)

// ScanSession is the single per-engine scan state. Only the control loop
// reads or writes it.
type ScanSession struct {
	IsScanning bool `json:"isScanning"`
	HasScanned bool `json:"hasScanned"`
	IsPaused   bool `json:"isPaused"`
	LastUsedAI bool `json:"lastUsedAI"`
}

// begin moves the session into scanning. Paused wins over busy.
func (s *ScanSession) begin() error {
	if s.IsPaused {
		return ErrPaused
	}
	if s.IsScanning {
		return ErrBusy
	}
	s.IsScanning = true
	return nil
}

func (s *ScanSession) finish(usedAI bool) {
	s.IsScanning = false
	s.HasScanned = true
	s.LastUsedAI = usedAI
}

func (s *ScanSession) togglePause() bool {
	s.IsPaused = !s.IsPaused
	return s.IsPaused
}

// Mode names the tier that produced the last scan's results.
func (s ScanSession) Mode() string {
	if s.LastUsedAI {
		return ModeHybrid
	}
	return ModeFallback
}
