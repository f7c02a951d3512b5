// File: internal/history/history.go
package history

import (
	"sync"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
)

// Kind tags what a turn represents in the observe/decide/act cycle.
type Kind int

const (
	KindUserObservation Kind = iota
	KindModelDecision
	KindFunctionResponse
)

func (k Kind) String() string {
	switch k {
	case KindUserObservation:
		return "user_observation"
	case KindModelDecision:
		return "model_decision"
	case KindFunctionResponse:
		return "function_response"
	default:
		return "unknown"
	}
}

// Entry is a recorded turn plus its kind.
type Entry struct {
	Kind Kind
	Turn schemas.Turn
}

// History is the append-only transcript replayed to the decision model on every
// call. Turns are never removed, reordered or deduplicated.
type History struct {
	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty history.
func New() *History {
	return &History{}
}

// Append records a turn at the end of the transcript.
func (h *History) Append(kind Kind, turn schemas.Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, Entry{Kind: kind, Turn: turn})
}

// AppendObservation records a user observation turn.
func (h *History) AppendObservation(turn schemas.Turn) { h.Append(KindUserObservation, turn) }

// AppendDecision records a raw model turn.
func (h *History) AppendDecision(turn schemas.Turn) { h.Append(KindModelDecision, turn) }

// AppendFunctionResponse records the outcome of an executed action.
func (h *History) AppendFunctionResponse(turn schemas.Turn) { h.Append(KindFunctionResponse, turn) }

// Turns returns the ordered transcript as it is sent on the wire. The slice is
// a copy; mutating it does not affect the history.
func (h *History) Turns() []schemas.Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]schemas.Turn, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Turn
	}
	return out
}

// Kinds returns the kind of every recorded turn, in order.
func (h *History) Kinds() []Kind {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Kind, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Kind
	}
	return out
}

// Len reports the number of recorded turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
