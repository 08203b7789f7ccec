package websocket

// ─── Actions (UI → Agent) ───────────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Agent → UI) ────────────────────────────────────────────

type Event string

const (
	EventState  Event = "state"
	EventTick   Event = "tick"
	EventSaved  Event = "saved"
	EventStatus Event = "status"
	EventPong   Event = "pong"
	EventError  Event = "error"
)

// StateEvent carries the full session snapshot, sent once on connect.
type StateEvent struct {
	Event Event       `json:"event"`
	State interface{} `json:"state"`
}

// TickEvent carries the recomputed remaining time.
type TickEvent struct {
	Event            Event   `json:"event"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	Status           string  `json:"status"`
}

// SavedEvent signals one successful auto-save.
type SavedEvent struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
}

// StatusEvent signals a session status transition.
type StatusEvent struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
