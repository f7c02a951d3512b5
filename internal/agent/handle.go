// internal/agent/handle.go
package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/history"
)

// RunHandle controls and observes one run. It replaces a shared "should
// continue" flag: stopping is a message to the handle, polled by the loop.
type RunHandle struct {
	id  string
	key string

	stopRequested atomic.Bool
	stopReason    atomic.Value // StopReason
	stopOnce      sync.Once
	stopCh        chan struct{}

	done    chan struct{}
	outcome Outcome

	mu    sync.RWMutex
	state RunState

	history *history.History
}

func newRunHandle(id, key, goal string, maxSteps int) *RunHandle {
	return &RunHandle{
		id:      id,
		key:     key,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		history: history.New(),
		state: RunState{
			RunID:    id,
			Goal:     goal,
			Phase:    PhaseIdle,
			MaxSteps: maxSteps,
		},
	}
}

// ID returns the run identifier.
func (h *RunHandle) ID() string { return h.id }

// Stop asks the run to end at its next poll point. It returns immediately.
func (h *RunHandle) Stop() {
	h.stopWith(ReasonStopRequested)
}

func (h *RunHandle) stopWith(reason StopReason) {
	h.stopOnce.Do(func() {
		h.stopReason.Store(reason)
		h.stopRequested.Store(true)
		close(h.stopCh)
	})
}

// Stopping reports whether a stop has been requested.
func (h *RunHandle) Stopping() bool {
	return h.stopRequested.Load()
}

func (h *RunHandle) requestedReason() StopReason {
	if r, ok := h.stopReason.Load().(StopReason); ok {
		return r
	}
	return ReasonStopRequested
}

// Done is closed once the run has reached a terminal phase.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run ends and returns its outcome.
func (h *RunHandle) Wait() Outcome {
	<-h.done
	return h.outcome
}

// State returns a snapshot of the run state.
func (h *RunHandle) State() RunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Transcript returns a copy of the conversation so far.
func (h *RunHandle) Transcript() []schemas.Turn {
	return h.history.Turns()
}

func (h *RunHandle) begin(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Phase != PhaseIdle {
		return
	}
	h.state.Phase = PhaseRunning
	h.state.Running = true
	h.state.Step = 0
	h.state.StartedAt = now
}

func (h *RunHandle) setStep(step int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Step = step
}

// finish moves the run to a terminal phase exactly once and releases waiters.
func (h *RunHandle) finish(o Outcome, now time.Time) bool {
	h.mu.Lock()
	if h.state.Phase.Terminal() {
		h.mu.Unlock()
		return false
	}
	h.state.Phase = o.Phase
	h.state.Running = false
	h.state.Result = o.Result
	h.state.Reason = o.Reason
	h.state.FinishedAt = now
	h.outcome = o
	h.mu.Unlock()

	close(h.done)
	return true
}
