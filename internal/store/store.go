package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-agent/internal/model"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists one session record per (exam, student) with
// atomic field updates. The engine is the sole writer of status
// transitions; the store only executes them.
type SessionStore interface {
	// CreateOrResume returns the existing session for (exam, student) or
	// creates a fresh one in NOT_STARTED. It never inspects the status;
	// terminal-session rejection is the engine's decision.
	CreateOrResume(ctx context.Context, examID uuid.UUID, studentNIS string) (*model.Session, error)

	// Start records started_at and moves the session to IN_PROGRESS.
	// started_at is written exactly once; a second call must not change it.
	Start(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) error

	// UpdateStatus sets the status field only.
	UpdateStatus(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) error

	// Submit atomically sets status SUBMITTED and submitted_at.
	Submit(ctx context.Context, sessionID uuid.UUID, submittedAt time.Time) error

	// UpdateProgress persists the question pointer, the answered set and
	// the activity timestamp.
	UpdateProgress(ctx context.Context, sessionID uuid.UUID, index int, answeredIDs []uuid.UUID, lastActivity time.Time) error

	// ListPending returns every session stuck in SUBMISSION_PENDING.
	ListPending(ctx context.Context) ([]model.Session, error)
}

// AnswerStore persists opaque encrypted-answer records keyed by
// (session, question). Saves are idempotent document-level sets: a
// repeat save for the same key overwrites the previous record.
type AnswerStore interface {
	Save(ctx context.Context, sessionID uuid.UUID, rec *model.EncryptedAnswer) error
	SaveBatch(ctx context.Context, sessionID uuid.UUID, recs []*model.EncryptedAnswer) error
	List(ctx context.Context, sessionID uuid.UUID) ([]*model.EncryptedAnswer, error)
}
