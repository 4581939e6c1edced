package pause

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// scheduleGraceTimer replaces any pending grace timer for the session with
// a fresh one-shot timer. The expiry callback re-checks current state
// before acting: the participant may have reconnected or a decision may
// already have been processed while the timer was pending.
func (c *Controller) scheduleGraceTimer(sessionID string, d time.Duration) {
	c.mu.Lock()
	if existing, ok := c.graceTimers[sessionID]; ok {
		stopAndDrainTimer(existing)
		log.Debug().Str("session_id", sessionID).Msg("replaced pending grace timer")
	}
	timer := c.clock.NewTimer(d)
	c.graceTimers[sessionID] = timer
	c.mu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			c.mu.Lock()
			delete(c.graceTimers, sessionID)
			c.mu.Unlock()
			c.onGraceExpired(sessionID)
		case <-c.done:
			stopAndDrainTimer(timer)
		}
	}()

	log.Debug().
		Str("session_id", sessionID).
		Dur("duration", d).
		Msg("scheduled grace-period timer")
}

// cancelGraceTimer clears a pending grace timer. Leaking a stale timer is a
// correctness bug, not just a resource leak: it could fire a continuation
// prompt after the session already resumed.
func (c *Controller) cancelGraceTimer(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.graceTimers[sessionID]; ok {
		stopAndDrainTimer(timer)
		delete(c.graceTimers, sessionID)
		log.Debug().Str("session_id", sessionID).Msg("cancelled grace timer")
	}
}

// onGraceExpired fires when a grace window runs out. It re-reads current
// state first: only a session that is still paused with this grace period
// active gets continuation options.
func (c *Controller) onGraceExpired(sessionID string) {
	ctx := context.Background()

	session, err := c.store.FindOne(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session on grace expiry")
		return
	}
	if session == nil || session.Ended() || !session.GracePeriod.IsActive || !session.Paused {
		log.Debug().Str("session_id", sessionID).Msg("grace timer fired but session state moved on")
		return
	}

	target := session.GracePeriod.TargetParticipantID
	if _, err := c.HandleGracePeriodExpired(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to present continuation options")
		return
	}

	c.mu.Lock()
	marker := c.marker
	c.mu.Unlock()
	if marker != nil && target != "" {
		marker.MarkAbandoned(ctx, target)
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent
// a stale fire being observed.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// msToDuration converts integer milliseconds into a time.Duration.
func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
