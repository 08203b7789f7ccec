// Package engine owns the encrypted exam session: the status state
// machine, the in-memory answer map, debounced auto-save, the countdown
// and the submission pipeline. It is the sole writer of session status
// transitions; stores, key store and network oracle are injected.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/netcheck"
	"github.com/stemsi/exstem-agent/internal/store"
	"github.com/stemsi/exstem-agent/internal/vault"
)

// Engine drives one exam session at a time. All mutation goes through
// its mutex; the answer map has no other writer.
type Engine struct {
	log      zerolog.Logger
	cipher   *vault.Cipher
	sessions store.SessionStore
	answers  store.AnswerStore
	oracle   netcheck.Oracle

	debounceDelay time.Duration
	tickEvery     time.Duration

	mu          sync.Mutex
	sess        *model.Session
	questionIDs map[uuid.UUID]struct{}
	ordered     []uuid.UUID
	duration    time.Duration
	plaintext   map[uuid.UUID]string

	debounce   *debouncer
	countdown  *countdown
	submitting bool

	subs    map[int]chan Event
	nextSub int
}

// New creates an Engine with explicit collaborators.
func New(
	cipher *vault.Cipher,
	sessions store.SessionStore,
	answers store.AnswerStore,
	oracle netcheck.Oracle,
	debounceDelay, tickEvery time.Duration,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		log:           log.With().Str("component", "engine").Logger(),
		cipher:        cipher,
		sessions:      sessions,
		answers:       answers,
		oracle:        oracle,
		debounceDelay: debounceDelay,
		tickEvery:     tickEvery,
		plaintext:     make(map[uuid.UUID]string),
		subs:          make(map[int]chan Event),
	}
}

// State is the snapshot handed to the UI after each operation.
type State struct {
	Session          model.Session     `json:"session"`
	Answers          map[string]string `json:"answers"`
	RemainingSeconds float64           `json:"remaining_seconds"`
}

// Open creates or resumes the session for (exam, student). Resuming an
// IN_PROGRESS or SUBMISSION_PENDING session decrypts every stored
// answer back into memory; a SUBMITTED session is rejected.
func (e *Engine) Open(ctx context.Context, examID uuid.UUID, studentNIS string, duration time.Duration, questionIDs []uuid.UUID) (*State, error) {
	sess, err := e.sessions.CreateOrResume(ctx, examID, studentNIS)
	if err != nil {
		return nil, fmt.Errorf("create or resume: %w", err)
	}
	if sess.Status.Terminal() {
		return nil, ErrSessionAlreadySubmitted
	}

	e.mu.Lock()

	// Opening a different session replaces the previous one. Timers of
	// the old session must not outlive it.
	e.cancelTimersLocked()

	e.sess = sess
	e.duration = duration
	e.ordered = append([]uuid.UUID(nil), questionIDs...)
	e.questionIDs = make(map[uuid.UUID]struct{}, len(questionIDs))
	for _, qid := range questionIDs {
		e.questionIDs[qid] = struct{}{}
	}
	e.plaintext = make(map[uuid.UUID]string)
	e.debounce = newDebouncer(e.debounceDelay)
	e.mu.Unlock()

	if sess.Status == model.SessionStatusInProgress || sess.Status == model.SessionStatusSubmissionPending {
		if err := e.restore(ctx); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.startCountdownLocked()
		e.mu.Unlock()
	}

	return e.State(), nil
}

// restore decrypts the stored answers of a resumed session. A decrypt
// failure on one answer is logged and that question left unanswered;
// exam continuity beats completeness here.
func (e *Engine) restore(ctx context.Context) error {
	e.mu.Lock()
	sessID := e.sess.ID
	e.mu.Unlock()

	recs, err := e.answers.List(ctx, sessID)
	if err != nil {
		return fmt.Errorf("list stored answers: %w", err)
	}

	restored := make(map[uuid.UUID]string, len(recs))
	for _, rec := range recs {
		text, err := e.cipher.Decrypt(ctx, rec, sessID)
		if err != nil {
			e.log.Warn().Err(err).
				Str("question_id", rec.QuestionID.String()).
				Msg("Skipping undecryptable answer on resume")
			continue
		}
		if text != "" {
			restored[rec.QuestionID] = text
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for qid, text := range restored {
		if _, ok := e.questionIDs[qid]; !ok {
			continue
		}
		e.plaintext[qid] = text
	}
	e.sess.AnsweredIDs = e.answeredLocked()
	return nil
}

// Begin marks the first question load: NOT_STARTED sessions get their
// started_at stamped exactly once and move to IN_PROGRESS. Calling it
// on a session that is already running is a no-op.
func (e *Engine) Begin(ctx context.Context) (*State, error) {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	if e.sess.Status.Terminal() {
		e.mu.Unlock()
		return nil, ErrSessionAlreadySubmitted
	}
	if e.sess.Status != model.SessionStatusNotStarted {
		e.mu.Unlock()
		return e.State(), nil
	}
	sessID := e.sess.ID
	e.mu.Unlock()

	now := time.Now().UTC()
	if err := e.sessions.Start(ctx, sessID, now); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	e.mu.Lock()
	e.sess.Status = model.SessionStatusInProgress
	e.sess.StartedAt = &now
	e.sess.LastActivityAt = now
	e.startCountdownLocked()
	e.publish(Event{Kind: EventStatus, Status: e.sess.Status})
	e.mu.Unlock()

	return e.State(), nil
}

// SetAnswer records the student's current text for a question and
// schedules a debounced auto-save. Emptying an answer removes it from
// the answered set; empty answers are never persisted.
func (e *Engine) SetAnswer(ctx context.Context, questionID uuid.UUID, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess == nil {
		return ErrNoActiveSession
	}
	if e.sess.Status.Terminal() {
		return ErrSessionAlreadySubmitted
	}
	// The flush snapshots the answer map; an edit accepted after that
	// snapshot would be acknowledged yet never persisted.
	if e.submitting {
		return ErrSubmitInFlight
	}
	if _, ok := e.questionIDs[questionID]; !ok {
		return ErrUnknownQuestion
	}

	if text == "" {
		delete(e.plaintext, questionID)
	} else {
		e.plaintext[questionID] = text
	}
	e.sess.AnsweredIDs = e.answeredLocked()
	e.sess.LastActivityAt = time.Now().UTC()

	// Last edit wins: rescheduling cancels any pending timer.
	e.debounce.schedule(func() { e.autosave(questionID) })
	return nil
}

// Navigate moves the current question pointer and persists progress.
func (e *Engine) Navigate(ctx context.Context, index int) error {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return ErrNoActiveSession
	}
	if e.sess.Status.Terminal() {
		e.mu.Unlock()
		return ErrSessionAlreadySubmitted
	}
	if e.submitting {
		e.mu.Unlock()
		return ErrSubmitInFlight
	}
	if index < 0 || index >= len(e.ordered) {
		e.mu.Unlock()
		return ErrInvalidIndex
	}

	now := time.Now().UTC()
	e.sess.CurrentIndex = index
	e.sess.LastActivityAt = now
	sessID := e.sess.ID
	answered := append([]uuid.UUID(nil), e.sess.AnsweredIDs...)
	e.mu.Unlock()

	if err := e.sessions.UpdateProgress(ctx, sessID, index, answered, now); err != nil {
		// Progress is advisory; the next save or the flush catches up.
		e.log.Warn().Err(err).Msg("Progress update failed")
	}
	return nil
}

// Remaining returns the time left, recomputed from the absolute
// started_at so a suspended process cannot desynchronize the clock.
func (e *Engine) Remaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remainingLocked()
}

func (e *Engine) remainingLocked() time.Duration {
	if e.sess == nil || e.sess.StartedAt == nil {
		return e.duration
	}
	left := e.duration - time.Since(*e.sess.StartedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Status returns the current session status, or "" when nothing is open.
func (e *Engine) Status() model.SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.Status
}

// SessionID returns the open session id, or uuid.Nil.
func (e *Engine) SessionID() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return uuid.Nil
	}
	return e.sess.ID
}

// State returns a snapshot for the UI.
func (e *Engine) State() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}

	sess := *e.sess
	sess.AnsweredIDs = append([]uuid.UUID(nil), e.sess.AnsweredIDs...)

	answers := make(map[string]string, len(e.plaintext))
	for qid, text := range e.plaintext {
		answers[qid.String()] = text
	}

	return &State{
		Session:          sess,
		Answers:          answers,
		RemainingSeconds: e.remainingLocked().Seconds(),
	}
}

// Submit flushes every non-empty answer and then settles the session:
// connected it goes SUBMITTED (terminal), offline it goes
// SUBMISSION_PENDING, a saved-but-not-sent state, not an error.
func (e *Engine) Submit(ctx context.Context) (*State, error) {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	if e.sess.Status.Terminal() {
		e.mu.Unlock()
		return nil, ErrSessionAlreadySubmitted
	}
	if e.submitting {
		e.mu.Unlock()
		return nil, ErrSubmitInFlight
	}
	e.submitting = true

	// Full barrier: no auto-save may race the flush.
	e.debounce.cancel()

	sessID := e.sess.ID
	snapshot := make(map[uuid.UUID]string, len(e.plaintext))
	for qid, text := range e.plaintext {
		if text != "" {
			snapshot[qid] = text
		}
	}
	answered := append([]uuid.UUID(nil), e.sess.AnsweredIDs...)
	index := e.sess.CurrentIndex
	e.mu.Unlock()

	clearSubmitting := func() {
		e.mu.Lock()
		e.submitting = false
		e.mu.Unlock()
	}

	if err := e.flush(ctx, sessID, snapshot); err != nil {
		clearSubmitting()
		return nil, err
	}

	if err := e.sessions.UpdateProgress(ctx, sessID, index, answered, time.Now().UTC()); err != nil {
		e.log.Warn().Err(err).Msg("Progress update failed during submit")
	}

	if !e.oracle.IsConnected(ctx) {
		if err := e.sessions.UpdateStatus(ctx, sessID, model.SessionStatusSubmissionPending); err != nil {
			clearSubmitting()
			return nil, fmt.Errorf("%w: mark pending: %w", ErrFlushIncomplete, err)
		}
		e.mu.Lock()
		e.sess.Status = model.SessionStatusSubmissionPending
		e.submitting = false
		e.publish(Event{Kind: EventStatus, Status: e.sess.Status})
		e.mu.Unlock()
		e.log.Info().Str("session_id", sessID.String()).Msg("Offline at submit, session parked as pending")
		return e.State(), nil
	}

	now := time.Now().UTC()
	if err := e.sessions.Submit(ctx, sessID, now); err != nil {
		clearSubmitting()
		return nil, fmt.Errorf("%w: persist submission: %w", ErrFlushIncomplete, err)
	}

	e.mu.Lock()
	e.sess.Status = model.SessionStatusSubmitted
	e.sess.SubmittedAt = &now
	e.submitting = false
	e.cancelTimersLocked()
	e.publish(Event{Kind: EventStatus, Status: e.sess.Status})
	e.mu.Unlock()

	e.log.Info().Str("session_id", sessID.String()).Msg("Session submitted")
	return e.State(), nil
}

// flush encrypts and stores every non-empty answer, whether or not it
// was auto-saved before. Encryption failures abort the attempt with one
// aggregated error; writes that already landed are not rolled back,
// since the store's idempotent set semantics make the retry safe.
func (e *Engine) flush(ctx context.Context, sessID uuid.UUID, snapshot map[uuid.UUID]string) error {
	qids := make([]uuid.UUID, 0, len(snapshot))
	for qid := range snapshot {
		qids = append(qids, qid)
	}
	sort.Slice(qids, func(i, j int) bool { return qids[i].String() < qids[j].String() })

	var (
		recs     []*model.EncryptedAnswer
		sealErrs []error
	)
	for _, qid := range qids {
		rec, err := e.cipher.Encrypt(ctx, snapshot[qid], qid, sessID)
		if err != nil {
			sealErrs = append(sealErrs, fmt.Errorf("question %s: %w", qid, err))
			continue
		}
		recs = append(recs, rec)
	}
	if len(sealErrs) > 0 {
		return fmt.Errorf("%w: %w", ErrFlushIncomplete, errors.Join(sealErrs...))
	}

	if len(recs) == 0 {
		return nil
	}
	if err := e.answers.SaveBatch(ctx, sessID, recs); err != nil {
		return fmt.Errorf("%w: %w", ErrFlushIncomplete, err)
	}
	return nil
}

// Close cancels both timers. Safe to call repeatedly and with none
// active; the session record itself stays in the store.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimersLocked()
}

func (e *Engine) cancelTimersLocked() {
	if e.debounce != nil {
		e.debounce.cancel()
	}
	if e.countdown != nil {
		e.countdown.stop()
		e.countdown = nil
	}
}

// answeredLocked recomputes the answered set from the non-empty
// in-memory answers, in exam order. Callers must hold e.mu.
func (e *Engine) answeredLocked() []uuid.UUID {
	answered := make([]uuid.UUID, 0, len(e.plaintext))
	for _, qid := range e.ordered {
		if text, ok := e.plaintext[qid]; ok && text != "" {
			answered = append(answered, qid)
		}
	}
	return answered
}
