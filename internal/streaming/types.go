// Package streaming carries per-import stage events to observers: a fan-out
// hub for live subscribers and a structured-log emitter.
package streaming

import (
	"time"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// EventType represents the import stage an event reports
type EventType string

const (
	EventTypeDetected   EventType = "detected"
	EventTypeResolved   EventType = "resolved"
	EventTypeExtracted  EventType = "extracted"
	EventTypeValidated  EventType = "validated"
	EventTypePreviewed  EventType = "previewed"
	EventTypeRejected   EventType = "rejected"
	EventTypeCommitted  EventType = "committed"
	EventTypeRolledBack EventType = "rolled_back"
)

// Critical reports whether the event ends a phase of the import. Critical
// events are delivered with a grace period instead of being dropped.
func (t EventType) Critical() bool {
	switch t {
	case EventTypeRejected, EventTypeCommitted, EventTypeRolledBack:
		return true
	}
	return false
}

// Event is one stage transition of an import
type Event struct {
	Type      EventType   `json:"type"`
	ImportID  string      `json:"importId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// DetectedEvent lists the format candidates found for the input
type DetectedEvent struct {
	FileName   string             `json:"fileName,omitempty"`
	Candidates []domain.Candidate `json:"candidates"`
}

// ResolvedEvent names the extractor and configuration chosen for the input
type ResolvedEvent struct {
	Format          domain.Format `json:"format"`
	Institution     string        `json:"institution"`
	Extractor       string        `json:"extractor"`
	ConfigVersion   int           `json:"configVersion"`
	SnapshotVersion int64         `json:"snapshotVersion"`
}

// CountsEvent reports row accounting after extraction, validation or preview
type CountsEvent struct {
	Counts domain.Counts `json:"counts"`
}

// RejectedEvent explains why an import stopped
type RejectedEvent struct {
	Reason string `json:"reason"`
}

// CommitEvent reports a commit or rollback
type CommitEvent struct {
	Token     string `json:"token"`
	Persisted int    `json:"persisted,omitempty"`
	Failures  int    `json:"failures,omitempty"`
}

// NewEvent stamps an event for importID.
func NewEvent(t EventType, importID string, at time.Time, data interface{}) Event {
	return Event{Type: t, ImportID: importID, Timestamp: at, Data: data}
}

// Emitter receives stage events. Implementations must not block the import.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Emitter = EmitterFunc(func(Event) {})

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// Emit forwards e to every emitter.
func (m Multi) Emit(e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(e)
		}
	}
}
