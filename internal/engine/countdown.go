package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stemsi/exstem-agent/internal/model"
)

// countdown is the cancellable handle for the ticker goroutine.
type countdown struct {
	done chan struct{}
	once sync.Once
}

func (c *countdown) stop() {
	c.once.Do(func() { close(c.done) })
}

// startCountdownLocked launches the countdown loop. Callers must hold
// e.mu. A second start while one is running is a no-op.
func (e *Engine) startCountdownLocked() {
	if e.countdown != nil {
		return
	}
	cd := &countdown{done: make(chan struct{})}
	e.countdown = cd
	go e.runCountdown(cd)
}

// runCountdown recomputes the remaining time from the absolute
// started_at every tick. At zero it stops itself first, then submits,
// in that order, so a re-entrant tick can never trigger a second
// submission. The submit runs to completion before the loop exits.
func (e *Engine) runCountdown(cd *countdown) {
	ticker := time.NewTicker(e.tickEvery)
	defer ticker.Stop()

	for {
		left := e.Remaining()

		e.mu.Lock()
		status := model.SessionStatus("")
		if e.sess != nil {
			status = e.sess.Status
		}
		e.publish(Event{Kind: EventTick, RemainingSeconds: left.Seconds(), Status: status})
		e.mu.Unlock()

		if status.Terminal() {
			return
		}

		if left <= 0 {
			cd.stop()
			e.mu.Lock()
			if e.countdown == cd {
				e.countdown = nil
			}
			e.mu.Unlock()
			e.autoSubmit()
			return
		}

		select {
		case <-cd.done:
			return
		case <-ticker.C:
		}
	}
}

// autoSubmit is the timer-expiry submission. A failure here leaves the
// session in place for a manual retry or the resubmit worker.
func (e *Engine) autoSubmit() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.log.Info().Msg("Time expired, submitting automatically")
	if _, err := e.Submit(ctx); err != nil {
		e.log.Error().Err(err).Msg("Automatic submission failed")
	}
}
