// Package pause orchestrates session-level pause and resume around
// participant disconnection: it starts and ends grace periods, presents
// continuation options when waiting runs out, and applies the chosen
// continuation action. State machine per session:
//
//	ACTIVE → PAUSED → { RESUMED(→ACTIVE) | EXPIRED → { RESUMED | ENDED } }
package pause

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/awpearlm/rummikub-backend-sub001/internal/connection"
	"github.com/awpearlm/rummikub-backend-sub001/internal/events"
	"github.com/awpearlm/rummikub-backend-sub001/internal/integrity"
	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
	"github.com/awpearlm/rummikub-backend-sub001/internal/store"
	"github.com/awpearlm/rummikub-backend-sub001/internal/turntimer"
)

// Config tunes grace-period sizing. Zero values fall back to the connection
// package defaults so the two components stay consistent.
type Config struct {
	StandardGracePeriodMs int64
	ExtendedGracePeriodMs int64
}

type Controller struct {
	store   store.SessionStore
	timers  *turntimer.Manager
	clock   clockwork.Clock
	emitter events.Emitter
	cfg     Config

	mu          sync.Mutex
	graceTimers map[string]clockwork.Timer
	marker      ConnectionMarker

	done chan struct{}
}

func NewController(st store.SessionStore, timers *turntimer.Manager, clock clockwork.Clock, emitter events.Emitter, cfg Config) *Controller {
	if cfg.StandardGracePeriodMs <= 0 {
		cfg.StandardGracePeriodMs = connection.DefaultStandardGracePeriodMs
	}
	if cfg.ExtendedGracePeriodMs <= 0 {
		cfg.ExtendedGracePeriodMs = connection.DefaultExtendedGracePeriodMs
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Controller{
		store:       st,
		timers:      timers,
		clock:       clock,
		emitter:     emitter,
		cfg:         cfg,
		graceTimers: make(map[string]clockwork.Timer),
		done:        make(chan struct{}),
	}
}

// SetConnectionMarker wires the optional abandonment callback. Called once
// during assembly; breaks the construction cycle between controller and
// tracker.
func (c *Controller) SetConnectionMarker(m ConnectionMarker) {
	c.mu.Lock()
	c.marker = m
	c.mu.Unlock()
}

// CreateSession bootstraps a session document so the continuity core is
// exercisable end to end. Full lifecycle management lives outside this core.
func (c *Controller) CreateSession(ctx context.Context, sessionID string, participants []models.Participant, turnDurationMs int64) (*models.Session, error) {
	if turnDurationMs <= 0 {
		turnDurationMs = turntimer.DefaultTurnDuration
	}
	session := &models.Session{
		ID:           sessionID,
		Participants: participants,
		TurnState:    &models.TurnState{},
		TurnTimer:    models.TurnTimer{OriginalDuration: turnDurationMs},
		CreatedAt:    c.clock.Now(),
	}
	if err := c.store.Save(ctx, session); err != nil {
		return nil, err
	}
	log.Info().
		Str("session_id", sessionID).
		Int("participants", len(participants)).
		Int64("turn_duration_ms", turnDurationMs).
		Msg("session created")
	return session, nil
}

// BeginTurn starts the countdown for the current participant.
func (c *Controller) BeginTurn(ctx context.Context, sessionID string) (*turntimer.ResetResult, error) {
	session, err := c.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p := session.CurrentParticipant()
	if p == nil {
		return nil, fmt.Errorf("begin turn for %s: no current participant", sessionID)
	}
	return c.timers.ResetTimerForNextPlayer(ctx, sessionID, p.ID, nil)
}

// PauseGame pauses the session and preserves the countdown. Pausing an
// already-paused session is an expected race and returns a structured
// AlreadyPaused result without touching state.
func (c *Controller) PauseGame(ctx context.Context, sessionID, reason, byParticipantID string, preserve *PreserveRequest) (*PauseResult, error) {
	session, err := c.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Paused {
		log.Debug().
			Str("session_id", sessionID).
			Str("requested_by", byParticipantID).
			Msg("pause requested on already-paused session")
		return &PauseResult{SessionID: sessionID, AlreadyPaused: true}, nil
	}

	now := c.clock.Now()
	session.Paused = true
	session.PauseReason = reason
	session.PausedBy = byParticipantID
	if err := c.store.Save(ctx, session); err != nil {
		return nil, err
	}

	result := &PauseResult{SessionID: sessionID, Paused: true, PausedAt: now}
	if preserve != nil {
		ownerID := byParticipantID
		if p := session.CurrentParticipant(); p != nil {
			ownerID = p.ID
		}
		pr, err := c.timers.PreserveTimer(ctx, sessionID, ownerID, preserve.RemainingTime, preserve.TurnStartTime)
		if err != nil {
			return nil, err
		}
		result.RemainingTimeMs = pr.RemainingTime
	}

	log.Info().
		Str("session_id", sessionID).
		Str("reason", reason).
		Str("paused_by", byParticipantID).
		Int64("remaining_ms", result.RemainingTimeMs).
		Msg("session paused")

	c.emitter.Emit(ctx, events.New(sessionID, events.TypePauseStarted, now, events.PauseStartedPayload{
		Reason:          reason,
		PausedBy:        byParticipantID,
		RemainingTimeMs: result.RemainingTimeMs,
		PausedAt:        now,
	}))
	return result, nil
}

// StartGracePeriod opens the waiting window for a disconnected participant.
// Sizing: the standard duration, extended for mobile on cellular or
// unstable networks, and doubled again when the measured quality was poor
// on a mobile cellular connection.
func (c *Controller) StartGracePeriod(ctx context.Context, sessionID, targetParticipantID string, loss connection.LossContext) (*GraceResult, error) {
	session, err := c.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	duration := c.cfg.StandardGracePeriodMs
	onFlakyNetwork := loss.NetworkType == connection.NetworkCellular || loss.NetworkType == connection.NetworkUnstable
	if loss.IsMobile && onFlakyNetwork {
		duration = c.cfg.ExtendedGracePeriodMs
	}
	if loss.Quality == connection.QualityPoor && loss.IsMobile && loss.NetworkType == connection.NetworkCellular {
		duration *= 2
	}

	now := c.clock.Now()
	session.GracePeriod = models.GracePeriod{
		IsActive:            true,
		StartTime:           &now,
		Duration:            duration,
		TargetParticipantID: targetParticipantID,
	}
	if err := c.store.Save(ctx, session); err != nil {
		return nil, err
	}

	c.scheduleGraceTimer(sessionID, msToDuration(duration))

	log.Info().
		Str("session_id", sessionID).
		Str("target_participant_id", targetParticipantID).
		Int64("duration_ms", duration).
		Msg("grace period started")

	c.emitter.Emit(ctx, events.New(sessionID, events.TypeGracePeriodStarted, now, events.GracePeriodStartedPayload{
		TargetParticipantID: targetParticipantID,
		DurationMs:          duration,
		StartedAt:           now,
	}))
	return &GraceResult{
		SessionID:           sessionID,
		TargetParticipantID: targetParticipantID,
		DurationMs:          duration,
		StartTime:           now,
	}, nil
}

// ResumeGame ends the pause, closes the grace period and restores the
// countdown with the same remaining time it had when preserved.
func (c *Controller) ResumeGame(ctx context.Context, sessionID, byParticipantID string, fallbackTime *int64) (*ResumeResult, error) {
	session, err := c.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.cancelGraceTimer(sessionID)

	session.Paused = false
	session.PauseReason = ""
	session.PausedBy = ""
	session.GracePeriod = models.GracePeriod{}
	session.ContinuationOptions = models.ContinuationOptions{}
	if err := c.store.Save(ctx, session); err != nil {
		return nil, err
	}

	ownerID := byParticipantID
	if p := session.CurrentParticipant(); p != nil {
		ownerID = p.ID
	}
	rr, err := c.timers.RestoreTimer(ctx, sessionID, ownerID, fallbackTime)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	log.Info().
		Str("session_id", sessionID).
		Str("resumed_by", byParticipantID).
		Int64("remaining_ms", rr.RemainingTime).
		Str("timer_source", string(rr.Source)).
		Msg("session resumed")

	c.emitter.Emit(ctx, events.New(sessionID, events.TypePauseEnded, now, events.PauseEndedPayload{
		ResumedBy:       byParticipantID,
		RemainingTimeMs: rr.RemainingTime,
		ResumedAt:       now,
	}))
	return &ResumeResult{
		SessionID:       sessionID,
		ResumedBy:       byParticipantID,
		RemainingTimeMs: rr.RemainingTime,
		Source:          rr.Source,
	}, nil
}

// HandleGracePeriodExpired presents the fixed continuation option set. The
// external notification layer collects the votes.
func (c *Controller) HandleGracePeriodExpired(ctx context.Context, sessionID string) (*ContinuationPrompt, error) {
	session, err := c.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	options := models.ContinuationChoices()
	session.ContinuationOptions = models.ContinuationOptions{
		Presented: true,
		Options:   options,
	}
	if err := c.store.Save(ctx, session); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	optionStrings := make([]string, len(options))
	for i, o := range options {
		optionStrings[i] = string(o)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("target_participant_id", session.GracePeriod.TargetParticipantID).
		Msg("grace period expired, presenting continuation options")

	c.emitter.Emit(ctx, events.New(sessionID, events.TypeGracePeriodExpired, now, events.GracePeriodExpiredPayload{
		TargetParticipantID: session.GracePeriod.TargetParticipantID,
		Options:             optionStrings,
		ExpiredAt:           now,
	}))
	return &ContinuationPrompt{SessionID: sessionID, Options: options}, nil
}

// ProcessContinuationDecision applies the chosen continuation action and
// clears all pause/grace/continuation state. Decisions outside the fixed
// set are caller programmer error.
func (c *Controller) ProcessContinuationDecision(ctx context.Context, sessionID, decision string, votes []models.ContinuationVote) (*DecisionResult, error) {
	session, err := c.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// The decision supersedes any still-pending grace callback.
	c.cancelGraceTimer(sessionID)

	session.ContinuationOptions.Votes = append(session.ContinuationOptions.Votes, votes...)
	now := c.clock.Now()

	switch models.ContinuationOption(decision) {
	case models.ContinuationSkipTurn:
		next := session.NextParticipantIndex()
		if session.TurnState == nil {
			session.TurnState = &models.TurnState{}
		}
		session.TurnState.CurrentParticipantIndex = next
		clearInterruptionState(session)
		if err := c.store.Save(ctx, session); err != nil {
			return nil, err
		}

		nextID := ""
		if p := session.CurrentParticipant(); p != nil {
			nextID = p.ID
		}
		if _, err := c.timers.ResetTimerForNextPlayer(ctx, sessionID, nextID, nil); err != nil {
			return nil, err
		}

		log.Info().
			Str("session_id", sessionID).
			Str("next_participant_id", nextID).
			Msg("turn skipped after grace period")
		c.emitDecision(ctx, sessionID, decision, len(votes), nextID, "", now)
		return &DecisionResult{SessionID: sessionID, Decision: models.ContinuationSkipTurn, NextParticipantID: nextID}, nil

	case models.ContinuationAddSubstitute:
		substituteID := "auto-" + uuid.New().String()[:8]
		if p := session.CurrentParticipant(); p != nil {
			i := session.TurnState.CurrentParticipantIndex
			session.Participants[i].Automated = true
			session.Participants[i].SubstituteID = substituteID
		}
		clearInterruptionState(session)
		if err := c.store.Save(ctx, session); err != nil {
			return nil, err
		}

		if _, err := c.timers.ContinueTimerForSubstitute(ctx, sessionID, substituteID, nil); err != nil {
			return nil, err
		}

		log.Info().
			Str("session_id", sessionID).
			Str("substitute_id", substituteID).
			Msg("automated substitute took over turn")
		c.emitDecision(ctx, sessionID, decision, len(votes), "", substituteID, now)
		return &DecisionResult{SessionID: sessionID, Decision: models.ContinuationAddSubstitute, SubstituteID: substituteID}, nil

	case models.ContinuationEndSession:
		c.timers.ClearSession(sessionID)
		session.EndedAt = &now
		session.Paused = false
		session.PauseReason = ""
		session.PausedBy = ""
		session.GracePeriod = models.GracePeriod{}
		session.ContinuationOptions.Presented = false
		session.ContinuationOptions.Options = nil
		session.TurnTimer.RemainingTime = nil
		session.TurnTimer.PausedAt = nil
		if err := c.store.Save(ctx, session); err != nil {
			return nil, err
		}

		log.Info().Str("session_id", sessionID).Msg("session ended by continuation decision")
		c.emitter.Emit(ctx, events.New(sessionID, events.TypeSessionEnded, now, events.SessionEndedPayload{
			Reason:  "continuation decision",
			EndedAt: now,
		}))
		return &DecisionResult{SessionID: sessionID, Decision: models.ContinuationEndSession, Ended: true}, nil

	default:
		return nil, &models.UnknownDecisionError{Decision: decision}
	}
}

// LoadSession rehydrates a session from durable storage. The document is
// never trusted: it passes through the integrity validator first, and a
// mid-flight grace period is rescheduled (or expired immediately when the
// window already ran out while the process was down).
func (c *Controller) LoadSession(ctx context.Context, sessionID string) (*LoadResult, error) {
	session, err := c.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := integrity.Validate(session)
	if !result.IsValid {
		fallbacks := integrity.GenerateFallbackOptions(session, result)
		log.Warn().
			Str("session_id", sessionID).
			Strs("errors", result.Errors).
			Strs("fallback_options", fallbacks).
			Msg("rehydrated session failed integrity validation")
		return &LoadResult{
			Session:         session,
			Valid:           false,
			Errors:          result.Errors,
			FallbackOptions: fallbacks,
		}, nil
	}

	if session.GracePeriod.IsActive && !session.Ended() && session.GracePeriod.StartTime != nil {
		expiry := session.GracePeriod.StartTime.Add(msToDuration(session.GracePeriod.Duration))
		remaining := expiry.Sub(c.clock.Now())
		if remaining <= 0 {
			// The window ran out while we were down.
			if _, err := c.HandleGracePeriodExpired(ctx, sessionID); err != nil {
				return nil, err
			}
		} else {
			c.scheduleGraceTimer(sessionID, remaining)
			log.Info().
				Str("session_id", sessionID).
				Dur("remaining", remaining).
				Msg("rescheduled mid-flight grace period after rehydration")
		}
	}

	return &LoadResult{Session: session, Valid: true}, nil
}

// Shutdown cancels all pending grace timers.
func (c *Controller) Shutdown() {
	close(c.done)
	c.mu.Lock()
	for sessionID, timer := range c.graceTimers {
		stopAndDrainTimer(timer)
		delete(c.graceTimers, sessionID)
	}
	c.mu.Unlock()
}

func (c *Controller) findSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := c.store.FindOne(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	return session, nil
}

func (c *Controller) emitDecision(ctx context.Context, sessionID, decision string, voteCount int, nextID, substituteID string, at time.Time) {
	c.emitter.Emit(ctx, events.New(sessionID, events.TypeContinuationDecided, at, events.ContinuationDecidedPayload{
		Decision:          decision,
		VoteCount:         voteCount,
		NextParticipantID: nextID,
		SubstituteID:      substituteID,
		DecidedAt:         at,
	}))
}

// clearInterruptionState wipes pause, grace and continuation state after a
// continuation decision resumes play.
func clearInterruptionState(session *models.Session) {
	session.Paused = false
	session.PauseReason = ""
	session.PausedBy = ""
	session.GracePeriod = models.GracePeriod{}
	session.ContinuationOptions = models.ContinuationOptions{Votes: session.ContinuationOptions.Votes}
}
