package turntimer

import (
	"time"
)

// TimerSource identifies where a reported timer value came from.
type TimerSource string

const (
	SourceActive    TimerSource = "active"
	SourcePreserved TimerSource = "preserved"
	SourceDocument  TimerSource = "document"
	SourceFallback  TimerSource = "fallback"
	SourceDefault   TimerSource = "default"
)

// PreservedTimer is the countdown snapshot taken at pause time. All
// durations are integer milliseconds.
type PreservedTimer struct {
	SessionID        string
	ParticipantID    string
	RemainingTime    int64
	OriginalDuration int64
	PausedAt         time.Time
}

// ActiveTimer is a running countdown. The live remaining time is
// RemainingTime minus the elapsed wall time since StartTime, floored at 0.
type ActiveTimer struct {
	SessionID        string
	ParticipantID    string
	RemainingTime    int64
	OriginalDuration int64
	StartTime        time.Time
	IsActive         bool
	Substitute       bool
}

// PreserveResult reports the outcome of preserving a countdown.
type PreserveResult struct {
	SessionID     string
	ParticipantID string
	RemainingTime int64
	PausedAt      time.Time
	Recomputed    bool // remaining time was recomputed from the turn start time
}

// RestoreResult reports the outcome of restoring a countdown.
type RestoreResult struct {
	SessionID     string
	ParticipantID string
	RemainingTime int64
	StartTime     time.Time
	Source        TimerSource
}

// ResetResult reports the outcome of starting a fresh countdown for the
// next participant.
type ResetResult struct {
	SessionID     string
	ParticipantID string
	Duration      int64
	StartTime     time.Time
}

// ContinueResult reports the outcome of handing the countdown to an
// automated substitute.
type ContinueResult struct {
	SessionID              string
	SubstituteID           string
	RemainingTime          int64
	StartTime              time.Time
	Source                 TimerSource
	ContinuedFromPreserved bool
}

// TimerState is the externally visible view of a session's countdown.
type TimerState struct {
	SessionID        string
	ParticipantID    string
	RemainingTime    int64
	OriginalDuration int64
	Source           TimerSource
	IsActive         bool
	Substitute       bool
	PausedAt         *time.Time
}

// ValidationReport lists timer-state invariant violations for a session.
type ValidationReport struct {
	Valid  bool
	Issues []string
}
