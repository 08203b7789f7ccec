package engine

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-agent/internal/model"
)

// EventKind discriminates engine events.
type EventKind string

const (
	// EventStatus fires on every status transition.
	EventStatus EventKind = "status"
	// EventTick fires once per countdown tick.
	EventTick EventKind = "tick"
	// EventSaved fires after a successful auto-save. Auto-save failures
	// deliberately produce no event: the in-memory answer is still
	// correct and the next edit or the final flush retries.
	EventSaved EventKind = "saved"
)

// Event is pushed to subscribers so the UI can observe engine state
// without the engine knowing anything about the UI.
type Event struct {
	Kind             EventKind           `json:"kind"`
	Status           model.SessionStatus `json:"status,omitempty"`
	RemainingSeconds float64             `json:"remaining_seconds,omitempty"`
	QuestionID       uuid.UUID           `json:"question_id,omitempty"`
}

// Subscribe registers an event channel. The returned cancel func is
// idempotent. Slow subscribers drop events rather than block the engine.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Event, 16)
	e.subs[id] = ch

	var once bool
	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if once {
			return
		}
		once = true
		delete(e.subs, id)
		close(ch)
	}
	return ch, cancel
}

// publish fans out an event. Callers must hold e.mu.
func (e *Engine) publish(ev Event) {
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
