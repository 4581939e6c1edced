package pause

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/awpearlm/rummikub-backend-sub001/internal/connection"
	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
	"github.com/awpearlm/rummikub-backend-sub001/internal/turntimer"
)

// The controller is the connection tracker's continuity hook: confirmed
// disconnects and returns land here. Errors on this path are logged, not
// propagated, since the tracker must never crash on a connection race.
var _ connection.ContinuityHook = (*Controller)(nil)

// HandleParticipantLost is invoked by the connection tracker once a
// disconnection is confirmed. Only the currently active participant pauses
// the session; anyone else just has their durable status updated.
func (c *Controller) HandleParticipantLost(ctx context.Context, sessionID, participantID, reason string, loss connection.LossContext) {
	session, err := c.store.FindOne(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session on participant loss")
		return
	}
	if session == nil || session.Ended() {
		log.Debug().Str("session_id", sessionID).Str("participant_id", participantID).Msg("participant lost on missing or ended session, ignoring")
		return
	}

	session.SetConnectionStatus(participantID, models.ConnectionDisconnected, c.clock.Now())
	if err := c.store.Save(ctx, session); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to record participant disconnect")
		return
	}

	current := session.CurrentParticipant()
	if current == nil || current.ID != participantID {
		log.Debug().
			Str("session_id", sessionID).
			Str("participant_id", participantID).
			Msg("non-active participant disconnected, no pause needed")
		return
	}

	result, err := c.PauseGame(ctx, sessionID, "participant_disconnected", participantID, c.preserveRequestFor(ctx, session))
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to pause session on disconnect")
		return
	}
	if result.AlreadyPaused {
		// A second transport-level signal for the same disconnect.
		return
	}

	if _, err := c.StartGracePeriod(ctx, sessionID, participantID, loss); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to start grace period")
	}
}

// HandleParticipantReturned is invoked by the connection tracker when a
// previously absent participant registers again. If the session is waiting
// on them, play resumes with the preserved countdown.
func (c *Controller) HandleParticipantReturned(ctx context.Context, sessionID, participantID string) {
	session, err := c.store.FindOne(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session on participant return")
		return
	}
	if session == nil || session.Ended() {
		return
	}

	session.SetConnectionStatus(participantID, models.ConnectionConnected, c.clock.Now())
	if err := c.store.Save(ctx, session); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to record participant reconnect")
		return
	}

	waitingOnThem := session.GracePeriod.IsActive && session.GracePeriod.TargetParticipantID == participantID
	if !session.Paused || (!waitingOnThem && session.PausedBy != participantID) {
		return
	}

	if _, err := c.ResumeGame(ctx, sessionID, participantID, nil); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to resume session on reconnect")
	}
}

// preserveRequestFor captures the live countdown for preservation. When no
// timer state exists yet, the original duration stands in so a pause
// before the first move still round-trips cleanly.
func (c *Controller) preserveRequestFor(ctx context.Context, session *models.Session) *PreserveRequest {
	state, err := c.timers.GetTimerState(ctx, session.ID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("failed to read timer state, preserving document value")
	}
	if state != nil {
		req := &PreserveRequest{RemainingTime: state.RemainingTime}
		if state.Source == turntimer.SourceActive {
			// Let the timer manager recompute from the start time to
			// correct for delivery-path latency.
			start := c.clock.Now().Add(-msToDuration(state.OriginalDuration - state.RemainingTime))
			req.TurnStartTime = &start
		}
		return req
	}

	remaining := session.TurnTimer.OriginalDuration
	if remaining <= 0 {
		remaining = turntimer.DefaultTurnDuration
	}
	return &PreserveRequest{RemainingTime: remaining}
}
