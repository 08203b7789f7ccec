package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-agent/internal/engine"
	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/netcheck"
	"github.com/stemsi/exstem-agent/internal/store"
)

// ResubmitWorker completes submissions that were parked in
// SUBMISSION_PENDING while the device was offline. Once the oracle
// reports connectivity it finishes them: the answers were already
// flushed at parking time, so only the status flip is outstanding.
type ResubmitWorker struct {
	eng      *engine.Engine
	sessions store.SessionStore
	oracle   netcheck.Oracle
	every    time.Duration
	log      zerolog.Logger
}

// NewResubmitWorker creates a new ResubmitWorker.
func NewResubmitWorker(eng *engine.Engine, sessions store.SessionStore, oracle netcheck.Oracle, every time.Duration, log zerolog.Logger) *ResubmitWorker {
	return &ResubmitWorker{
		eng:      eng,
		sessions: sessions,
		oracle:   oracle,
		every:    every,
		log:      log.With().Str("component", "resubmit_worker").Logger(),
	}
}

// Start begins the retry loop. Call in a goroutine.
func (w *ResubmitWorker) Start(ctx context.Context) {
	w.log.Info().Dur("every", w.every).Msg("Worker started")

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ResubmitWorker) sweep(ctx context.Context) {
	if !w.oracle.IsConnected(ctx) {
		return
	}

	// The open session goes through the engine: it is the sole writer
	// of transitions and may hold unflushed in-memory edits.
	if w.eng.Status() == model.SessionStatusSubmissionPending {
		if _, err := w.eng.Submit(ctx); err != nil {
			w.log.Warn().Err(err).Msg("Retrying open pending session failed")
		} else {
			w.log.Info().Msg("Pending session submitted after reconnect")
		}
	}

	// Orphaned pending sessions (agent restarted mid-outage) have no
	// in-memory state; their answers are already at rest, so the status
	// flip is all that remains.
	pending, err := w.sessions.ListPending(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("Listing pending sessions failed")
		return
	}

	openID := w.eng.SessionID()
	for _, sess := range pending {
		if sess.ID == openID {
			continue
		}
		if err := w.sessions.Submit(ctx, sess.ID, time.Now().UTC()); err != nil {
			w.log.Warn().Err(err).
				Str("session_id", sess.ID.String()).
				Msg("Completing orphaned pending session failed")
			continue
		}
		w.log.Info().
			Str("session_id", sess.ID.String()).
			Msg("Orphaned pending session submitted after reconnect")
	}
}
