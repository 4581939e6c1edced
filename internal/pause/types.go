package pause

import (
	"context"
	"time"

	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
	"github.com/awpearlm/rummikub-backend-sub001/internal/turntimer"
)

// PreserveRequest carries the countdown state the caller observed at
// disconnect time. TurnStartTime, when set, lets the timer manager
// recompute the precise remaining time.
type PreserveRequest struct {
	RemainingTime int64 // ms
	TurnStartTime *time.Time
}

// PauseResult is the structured outcome of a pause attempt. AlreadyPaused
// reports the benign idempotency race: a second pause request for the same
// disconnect returns this instead of failing hard.
type PauseResult struct {
	SessionID       string
	Paused          bool
	AlreadyPaused   bool
	RemainingTimeMs int64
	PausedAt        time.Time
}

// GraceResult reports the grace period written for a disconnected
// participant.
type GraceResult struct {
	SessionID           string
	TargetParticipantID string
	DurationMs          int64
	StartTime           time.Time
}

// ResumeResult reports a successful resume.
type ResumeResult struct {
	SessionID       string
	ResumedBy       string
	RemainingTimeMs int64
	Source          turntimer.TimerSource
}

// ContinuationPrompt is the fixed choice set presented when a grace period
// expires. The notification layer solicits votes against it.
type ContinuationPrompt struct {
	SessionID string
	Options   []models.ContinuationOption
}

// DecisionResult reports the applied continuation decision.
type DecisionResult struct {
	SessionID         string
	Decision          models.ContinuationOption
	NextParticipantID string
	SubstituteID      string
	Ended             bool
}

// LoadResult is the outcome of rehydrating a session from durable storage.
// When the document fails integrity validation, FallbackOptions lists the
// ranked remedial actions and the session must not be resumed.
type LoadResult struct {
	Session         *models.Session
	Valid           bool
	Errors          []string
	FallbackOptions []string
}

// ConnectionMarker lets the controller flag a participant as abandoned once
// their grace period expires. Satisfied by the connection tracker; optional.
type ConnectionMarker interface {
	MarkAbandoned(ctx context.Context, participantID string)
}
