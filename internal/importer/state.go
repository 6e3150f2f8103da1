package importer

import (
	"errors"
	"time"
)

// State is the lifecycle stage of an import batch.
type State string

const (
	StateReceived   State = "received"
	StateDetected   State = "detected"
	StateExtracted  State = "extracted"
	StateValidated  State = "validated"
	StatePreviewed  State = "previewed"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateRejected   State = "rejected"
)

// Sentinel errors. Callers match them with errors.Is; the wrapped error
// carries the detail.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrNoExtractor       = errors.New("no extractor for input")
	ErrPrecondition      = errors.New("import precondition failed")
	ErrTokenRequired     = errors.New("commit token required")
	ErrTokenMismatch     = errors.New("commit token mismatch")
	ErrInvalidState      = errors.New("invalid batch state")
)

var transitions = map[State][]State{
	StateReceived:  {StateDetected, StateRejected},
	StateDetected:  {StateExtracted, StateRejected},
	StateExtracted: {StateValidated},
	StateValidated: {StatePreviewed},
	StatePreviewed: {StateCommitted, StateRolledBack},
	StateCommitted: {StateRolledBack},
}

// CanTransition reports whether a batch may move from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Transition is one entry of a batch history.
type Transition struct {
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}
