// Package turntimer preserves, restores, resets and hands off the turn
// countdown across pause boundaries. A session holds at most one in-memory
// timer entry at a time: either active (counting down) or preserved (frozen
// at pause time), never both. Every mutation is mirrored into the durable
// session document as a write-behind step.
package turntimer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
	"github.com/awpearlm/rummikub-backend-sub001/internal/store"
)

// DefaultTurnDuration is used when neither the session document nor the
// caller supplies a duration.
const DefaultTurnDuration = int64(120000) // ms

type Manager struct {
	store           store.SessionStore
	clock           clockwork.Clock
	defaultDuration int64

	mu        sync.Mutex
	preserved map[string]PreservedTimer
	active    map[string]ActiveTimer
}

// NewManager creates a timer manager. Pass clockwork.NewRealClock() in
// production; tests use a fake clock.
func NewManager(st store.SessionStore, clock clockwork.Clock, defaultDuration int64) *Manager {
	if defaultDuration <= 0 {
		defaultDuration = DefaultTurnDuration
	}
	return &Manager{
		store:           st,
		clock:           clock,
		defaultDuration: defaultDuration,
		preserved:       make(map[string]PreservedTimer),
		active:          make(map[string]ActiveTimer),
	}
}

// PreserveTimer snapshots the countdown for a paused session. When
// turnStartTime is given, the remaining time is recomputed from it to
// correct for delivery-path latency; otherwise the caller's value is
// trusted. The preserved snapshot replaces any active entry for the session
// and is mirrored to the durable record with pausedAt set.
func (m *Manager) PreserveTimer(ctx context.Context, sessionID, participantID string, remainingTime int64, turnStartTime *time.Time) (*PreserveResult, error) {
	if remainingTime < 0 {
		return nil, &models.InvalidTimerValueError{Value: remainingTime}
	}

	session, err := m.store.FindOne(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("preserve timer for %s: %w", sessionID, models.ErrSessionNotFound)
	}

	originalDuration := session.TurnTimer.OriginalDuration
	if originalDuration <= 0 {
		originalDuration = m.defaultDuration
	}

	now := m.clock.Now()
	recomputed := false
	if turnStartTime != nil {
		remainingTime = originalDuration - now.Sub(*turnStartTime).Milliseconds()
		recomputed = true
	}
	remainingTime = clamp(remainingTime, originalDuration)

	m.mu.Lock()
	delete(m.active, sessionID)
	m.preserved[sessionID] = PreservedTimer{
		SessionID:        sessionID,
		ParticipantID:    participantID,
		RemainingTime:    remainingTime,
		OriginalDuration: originalDuration,
		PausedAt:         now,
	}
	m.mu.Unlock()

	session.TurnTimer.RemainingTime = &remainingTime
	session.TurnTimer.OriginalDuration = originalDuration
	session.TurnTimer.PausedAt = &now
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Int64("remaining_ms", remainingTime).
		Bool("recomputed", recomputed).
		Msg("turn timer preserved")

	return &PreserveResult{
		SessionID:     sessionID,
		ParticipantID: participantID,
		RemainingTime: remainingTime,
		PausedAt:      now,
		Recomputed:    recomputed,
	}, nil
}

// RestoreTimer resumes the countdown for a session. Value precedence:
// in-memory preserved snapshot, then the durable record's remaining time,
// then the caller-supplied fallback, then the configured default. A chosen
// value that fails validation is substituted with the default rather than
// rejected. Restoring never extends time beyond the original duration.
func (m *Manager) RestoreTimer(ctx context.Context, sessionID, participantID string, fallbackTime *int64) (*RestoreResult, error) {
	session, err := m.store.FindOne(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("restore timer for %s: %w", sessionID, models.ErrSessionNotFound)
	}

	value, originalDuration, source := m.chooseRestoreValue(sessionID, session, fallbackTime)
	now := m.clock.Now()

	m.mu.Lock()
	delete(m.preserved, sessionID)
	m.active[sessionID] = ActiveTimer{
		SessionID:        sessionID,
		ParticipantID:    participantID,
		RemainingTime:    value,
		OriginalDuration: originalDuration,
		StartTime:        now,
		IsActive:         true,
	}
	m.mu.Unlock()

	session.TurnTimer.RemainingTime = &value
	session.TurnTimer.OriginalDuration = originalDuration
	session.TurnTimer.PausedAt = nil
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Int64("remaining_ms", value).
		Str("source", string(source)).
		Msg("turn timer restored")

	return &RestoreResult{
		SessionID:     sessionID,
		ParticipantID: participantID,
		RemainingTime: value,
		StartTime:     now,
		Source:        source,
	}, nil
}

// ResetTimerForNextPlayer discards any preserved state and starts a fresh
// countdown at full duration for the next participant. Used when a turn is
// skipped.
func (m *Manager) ResetTimerForNextPlayer(ctx context.Context, sessionID, nextParticipantID string, duration *int64) (*ResetResult, error) {
	if duration != nil && *duration < 0 {
		return nil, &models.InvalidTimerValueError{Value: *duration}
	}

	session, err := m.store.FindOne(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("reset timer for %s: %w", sessionID, models.ErrSessionNotFound)
	}

	dur := m.defaultDuration
	if session.TurnTimer.OriginalDuration > 0 {
		dur = session.TurnTimer.OriginalDuration
	}
	if duration != nil && *duration > 0 {
		dur = *duration
	}

	now := m.clock.Now()
	m.mu.Lock()
	delete(m.preserved, sessionID)
	m.active[sessionID] = ActiveTimer{
		SessionID:        sessionID,
		ParticipantID:    nextParticipantID,
		RemainingTime:    dur,
		OriginalDuration: dur,
		StartTime:        now,
		IsActive:         true,
	}
	m.mu.Unlock()

	session.TurnTimer.RemainingTime = &dur
	session.TurnTimer.OriginalDuration = dur
	session.TurnTimer.PausedAt = nil
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("participant_id", nextParticipantID).
		Int64("duration_ms", dur).
		Msg("turn timer reset for next participant")

	return &ResetResult{
		SessionID:     sessionID,
		ParticipantID: nextParticipantID,
		Duration:      dur,
		StartTime:     now,
	}, nil
}

// ContinueTimerForSubstitute hands the countdown to an automated substitute
// using the same value precedence as RestoreTimer. The resulting active
// entry is tagged substitute-owned and the result reports whether it picked
// up a preserved snapshot.
func (m *Manager) ContinueTimerForSubstitute(ctx context.Context, sessionID, substituteID string, fallbackTime *int64) (*ContinueResult, error) {
	session, err := m.store.FindOne(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("continue timer for %s: %w", sessionID, models.ErrSessionNotFound)
	}

	value, originalDuration, source := m.chooseRestoreValue(sessionID, session, fallbackTime)
	now := m.clock.Now()

	m.mu.Lock()
	delete(m.preserved, sessionID)
	m.active[sessionID] = ActiveTimer{
		SessionID:        sessionID,
		ParticipantID:    substituteID,
		RemainingTime:    value,
		OriginalDuration: originalDuration,
		StartTime:        now,
		IsActive:         true,
		Substitute:       true,
	}
	m.mu.Unlock()

	session.TurnTimer.RemainingTime = &value
	session.TurnTimer.OriginalDuration = originalDuration
	session.TurnTimer.PausedAt = nil
	if err := m.store.Save(ctx, session); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("substitute_id", substituteID).
		Int64("remaining_ms", value).
		Str("source", string(source)).
		Msg("turn timer handed to automated substitute")

	return &ContinueResult{
		SessionID:              sessionID,
		SubstituteID:           substituteID,
		RemainingTime:          value,
		StartTime:              now,
		Source:                 source,
		ContinuedFromPreserved: source == SourcePreserved,
	}, nil
}

// GetTimerState reports the session's countdown. For an active entry the
// live remaining time is computed against the clock; otherwise the
// preserved or durable snapshot is returned annotated with its source.
// Returns nil when no timer state exists anywhere.
func (m *Manager) GetTimerState(ctx context.Context, sessionID string) (*TimerState, error) {
	m.mu.Lock()
	if at, ok := m.active[sessionID]; ok {
		live := clamp(at.RemainingTime-m.clock.Now().Sub(at.StartTime).Milliseconds(), at.OriginalDuration)
		m.mu.Unlock()
		return &TimerState{
			SessionID:        at.SessionID,
			ParticipantID:    at.ParticipantID,
			RemainingTime:    live,
			OriginalDuration: at.OriginalDuration,
			Source:           SourceActive,
			IsActive:         true,
			Substitute:       at.Substitute,
		}, nil
	}
	if pt, ok := m.preserved[sessionID]; ok {
		m.mu.Unlock()
		pausedAt := pt.PausedAt
		return &TimerState{
			SessionID:        pt.SessionID,
			ParticipantID:    pt.ParticipantID,
			RemainingTime:    pt.RemainingTime,
			OriginalDuration: pt.OriginalDuration,
			Source:           SourcePreserved,
			PausedAt:         &pausedAt,
		}, nil
	}
	m.mu.Unlock()

	session, err := m.store.FindOne(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.TurnTimer.RemainingTime == nil {
		return nil, nil
	}

	state := &TimerState{
		SessionID:        sessionID,
		RemainingTime:    *session.TurnTimer.RemainingTime,
		OriginalDuration: session.TurnTimer.OriginalDuration,
		Source:           SourceDocument,
		PausedAt:         session.TurnTimer.PausedAt,
	}
	if p := session.CurrentParticipant(); p != nil {
		state.ParticipantID = p.ID
	}
	return state, nil
}

// ShouldRemainPaused reports whether play must not resume yet: the session
// is paused, its grace period is active, or a preserved snapshot exists.
func (m *Manager) ShouldRemainPaused(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	_, hasPreserved := m.preserved[sessionID]
	m.mu.Unlock()
	if hasPreserved {
		return true, nil
	}

	session, err := m.store.FindOne(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}
	return session.Paused || session.GracePeriod.IsActive, nil
}

// ValidateTimerState cross-checks the in-memory timer entries against the
// durable record and reports every inconsistency found.
func (m *Manager) ValidateTimerState(ctx context.Context, sessionID string) (*ValidationReport, error) {
	session, err := m.store.FindOne(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("validate timer state for %s: %w", sessionID, models.ErrSessionNotFound)
	}

	m.mu.Lock()
	_, hasActive := m.active[sessionID]
	pt, hasPreserved := m.preserved[sessionID]
	m.mu.Unlock()

	var issues []string
	if hasActive && hasPreserved {
		issues = append(issues, "active and preserved timer entries coexist")
	}
	if hasPreserved {
		if session.TurnTimer.RemainingTime == nil {
			issues = append(issues, "preserved snapshot exists but durable remaining time is unset")
		} else if *session.TurnTimer.RemainingTime != pt.RemainingTime {
			issues = append(issues, fmt.Sprintf(
				"durable remaining time %d does not match preserved snapshot %d",
				*session.TurnTimer.RemainingTime, pt.RemainingTime))
		}
	}
	if hasActive && session.Paused {
		issues = append(issues, "active timer exists while session is paused")
	}
	if session.Paused && session.TurnTimer.RemainingTime != nil && !hasPreserved {
		issues = append(issues, "paused session with durable remaining time has no preserved snapshot")
	}

	return &ValidationReport{Valid: len(issues) == 0, Issues: issues}, nil
}

// ClearSession drops all in-memory timer state for a session. Called when a
// session ends.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	delete(m.active, sessionID)
	delete(m.preserved, sessionID)
	m.mu.Unlock()
	log.Debug().Str("session_id", sessionID).Msg("timer state cleared")
}

// HasPreserved reports whether a preserved snapshot exists for a session.
func (m *Manager) HasPreserved(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.preserved[sessionID]
	return ok
}

// chooseRestoreValue applies the restore precedence chain and returns the
// chosen value, the original duration it is clamped against, and its source.
func (m *Manager) chooseRestoreValue(sessionID string, session *models.Session, fallbackTime *int64) (int64, int64, TimerSource) {
	originalDuration := session.TurnTimer.OriginalDuration
	if originalDuration <= 0 {
		originalDuration = m.defaultDuration
	}

	m.mu.Lock()
	pt, hasPreserved := m.preserved[sessionID]
	m.mu.Unlock()

	var value int64
	var source TimerSource
	switch {
	case hasPreserved:
		value = pt.RemainingTime
		if pt.OriginalDuration > 0 {
			originalDuration = pt.OriginalDuration
		}
		source = SourcePreserved
	case session.TurnTimer.RemainingTime != nil:
		value = *session.TurnTimer.RemainingTime
		source = SourceDocument
	case fallbackTime != nil:
		value = *fallbackTime
		source = SourceFallback
	default:
		value = m.defaultDuration
		source = SourceDefault
	}

	if value < 0 {
		log.Warn().
			Str("session_id", sessionID).
			Int64("value", value).
			Str("source", string(source)).
			Msg("restore candidate failed validation, substituting default duration")
		value = m.defaultDuration
		source = SourceDefault
	}
	return clamp(value, originalDuration), originalDuration, source
}

// clamp bounds a remaining time to [0, originalDuration].
func clamp(v, originalDuration int64) int64 {
	if v < 0 {
		return 0
	}
	if originalDuration > 0 && v > originalDuration {
		return originalDuration
	}
	return v
}
