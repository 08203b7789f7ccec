package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// debouncer coalesces rapid triggers into one deferred call. Only the
// most recently scheduled function ever fires.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay}
}

// schedule arms the timer, replacing any pending one.
func (d *debouncer) schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

// cancel discards any pending timer. Idempotent.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// autosave runs when the debounce window closes. It persists exactly
// one answer: the current value of the question that was being edited
// at schedule time. Failures are logged and swallowed: the in-memory
// answer is still correct, and the next edit or the submit flush
// retries. The student must never see a mid-exam save error.
func (e *Engine) autosave(questionID uuid.UUID) {
	e.mu.Lock()
	if e.sess == nil || e.sess.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	text := e.plaintext[questionID]
	sessID := e.sess.ID
	e.mu.Unlock()

	// An emptied answer is not persisted.
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := e.cipher.Encrypt(ctx, text, questionID, sessID)
	if err != nil {
		e.log.Warn().Err(err).
			Str("question_id", questionID.String()).
			Msg("Auto-save encryption failed, will retry on next edit or flush")
		return
	}

	if err := e.answers.Save(ctx, sessID, rec); err != nil {
		e.log.Warn().Err(err).
			Str("question_id", questionID.String()).
			Msg("Auto-save store failed, will retry on next edit or flush")
		return
	}

	// Progress stays with Navigate and the submit flush; a write from
	// here could land after a navigation and roll its pointer back.

	e.mu.Lock()
	e.publish(Event{Kind: EventSaved, QuestionID: questionID})
	e.mu.Unlock()

	e.log.Debug().
		Str("question_id", questionID.String()).
		Msg("Answer auto-saved")
}
