package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
)

// ErrBusy is returned when an upload arrives while a run is in flight.
var ErrBusy = errors.New("relay: a file is already being processed")

// state tracks the single in-flight pipeline run. The relay processes
// one upload at a time; the status endpoint reports this global state.
type state struct {
	mu         sync.Mutex
	processing bool
	startedAt  time.Time
	cancel     context.CancelFunc
	lastErr    string
	result     *Result
}

// begin claims the run slot. It fails with ErrBusy if a run is already
// in flight. Claiming resets the previous run's outcome.
func (s *state) begin(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing {
		return ErrBusy
	}
	s.processing = true
	s.startedAt = time.Now()
	s.cancel = cancel
	s.lastErr = ""
	s.result = nil
	return nil
}

// finish records a successful run.
func (s *state) finish(res *Result) {
	s.mu.Lock()
	s.processing = false
	s.cancel = nil
	s.result = res
	s.mu.Unlock()
}

// fail records a failed run.
func (s *state) fail(msg string) {
	s.mu.Lock()
	s.processing = false
	s.cancel = nil
	s.lastErr = msg
	s.mu.Unlock()
}

// cancelRun cancels the in-flight run, if any.
func (s *state) cancelRun() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// status builds the wire status the tracker polls for.
func (s *state) status() core.BackendStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := core.BackendStatus{IsProcessing: s.processing}
	switch {
	case s.processing:
		started := s.startedAt
		st.Status = core.StateProcessing
		st.ProcessingStartTime = &started
		st.ProcessingTime = int(time.Since(started).Seconds())
	case s.lastErr != "":
		st.Status = core.StateError
		st.ProcessingError = s.lastErr
		st.ProcessingTime = int(time.Since(s.startedAt).Seconds())
	default:
		st.Status = core.StateIdle
		if s.result != nil {
			st.ProcessingTime = int(time.Since(s.startedAt).Seconds())
			st.RecordsProcessed = s.result.RecordsProcessed
			st.SheetsProcessed = s.result.SheetsProcessed
			st.NewRecords = s.result.NewRecords
			st.DuplicateRecords = s.result.DuplicateRecords
		}
	}
	return st
}
