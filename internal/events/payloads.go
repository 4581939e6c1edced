package events

import (
	"time"
)

// Event payload types shared between the core components, the gateway and
// the relay.

// StatusUpdatedPayload is the payload for a StatusUpdated event.
type StatusUpdatedPayload struct {
	ParticipantID string    `json:"participant_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ConnectionQualityWarningPayload is emitted when a participant's measured
// connection quality degrades to fair or worse.
type ConnectionQualityWarningPayload struct {
	ParticipantID  string    `json:"participant_id"`
	Quality        string    `json:"quality"`
	LatencyMs      float64   `json:"latency_ms"`
	PacketLossPct  float64   `json:"packet_loss_pct"`
	Recommendation string    `json:"recommendation,omitempty"`
	MeasuredAt     time.Time `json:"measured_at"`
}

// NetworkTypeChangedPayload is emitted when a participant's network type
// changes, carrying the recomputed grace-period sizing.
type NetworkTypeChangedPayload struct {
	ParticipantID  string `json:"participant_id"`
	OldNetworkType string `json:"old_network_type"`
	NewNetworkType string `json:"new_network_type"`
	GracePeriodMs  int64  `json:"grace_period_ms"`
}

// PauseStartedPayload is the payload for a PauseStarted event.
type PauseStartedPayload struct {
	Reason          string    `json:"reason"`
	PausedBy        string    `json:"paused_by"`
	RemainingTimeMs int64     `json:"remaining_time_ms"`
	PausedAt        time.Time `json:"paused_at"`
}

// PauseEndedPayload is the payload for a PauseEnded event.
type PauseEndedPayload struct {
	ResumedBy       string    `json:"resumed_by"`
	RemainingTimeMs int64     `json:"remaining_time_ms"`
	ResumedAt       time.Time `json:"resumed_at"`
}

// GracePeriodStartedPayload is the payload for a GracePeriodStarted event.
type GracePeriodStartedPayload struct {
	TargetParticipantID string    `json:"target_participant_id"`
	DurationMs          int64     `json:"duration_ms"`
	StartedAt           time.Time `json:"started_at"`
}

// GracePeriodExpiredPayload carries the fixed continuation choice set that
// the notification layer presents for voting.
type GracePeriodExpiredPayload struct {
	TargetParticipantID string    `json:"target_participant_id"`
	Options             []string  `json:"options"`
	ExpiredAt           time.Time `json:"expired_at"`
}

// ContinuationDecidedPayload is the payload for a ContinuationDecided event.
type ContinuationDecidedPayload struct {
	Decision          string    `json:"decision"`
	VoteCount         int       `json:"vote_count"`
	NextParticipantID string    `json:"next_participant_id,omitempty"`
	SubstituteID      string    `json:"substitute_id,omitempty"`
	DecidedAt         time.Time `json:"decided_at"`
}

// SessionEndedPayload is the payload for a SessionEnded event.
type SessionEndedPayload struct {
	Reason  string    `json:"reason"`
	EndedAt time.Time `json:"ended_at"`
}
