package engine

import "errors"

var (
	// ErrNoActiveSession means an operation arrived before Open.
	ErrNoActiveSession = errors.New("no session is open")

	// ErrSessionAlreadySubmitted means the session is terminal; no edit
	// or resume is possible.
	ErrSessionAlreadySubmitted = errors.New("session already submitted")

	// ErrUnknownQuestion means the question id is not part of the exam.
	ErrUnknownQuestion = errors.New("question is not part of this exam")

	// ErrInvalidIndex means a navigation target outside the exam.
	ErrInvalidIndex = errors.New("question index out of range")

	// ErrSubmitInFlight means a submit attempt is running. Edits and
	// further submits are rejected until it settles, so nothing can slip
	// past the flush snapshot.
	ErrSubmitInFlight = errors.New("submission already in progress")

	// ErrFlushIncomplete aggregates the per-question failures of a
	// submit flush. The session status is unchanged; the caller retries.
	ErrFlushIncomplete = errors.New("flush incomplete")
)
