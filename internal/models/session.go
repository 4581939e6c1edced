package models

import (
	"encoding/json"
	"time"
)

// ConnectionState defines the connection status of a participant as recorded
// on the session document.
type ConnectionState string

const (
	ConnectionConnected     ConnectionState = "CONNECTED"
	ConnectionDisconnecting ConnectionState = "DISCONNECTING"
	ConnectionReconnecting  ConnectionState = "RECONNECTING"
	ConnectionDisconnected  ConnectionState = "DISCONNECTED"
	ConnectionAbandoned     ConnectionState = "ABANDONED"
)

// ContinuationOption is one of the fixed choices presented when a grace
// period expires without the disconnected participant returning.
type ContinuationOption string

const (
	ContinuationSkipTurn      ContinuationOption = "skip_turn"
	ContinuationAddSubstitute ContinuationOption = "add_automated_substitute"
	ContinuationEndSession    ContinuationOption = "end_session"
)

// ContinuationChoices returns the fixed option set in presentation order.
func ContinuationChoices() []ContinuationOption {
	return []ContinuationOption{
		ContinuationSkipTurn,
		ContinuationAddSubstitute,
		ContinuationEndSession,
	}
}

// Participant is one seat at the table. Order within Session.Participants
// defines turn order; TurnState.CurrentParticipantIndex points into it.
type Participant struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Score        int    `json:"score"`
	Automated    bool   `json:"automated"`
	AccountID    string `json:"account_id,omitempty"`    // optional external-account link
	SubstituteID string `json:"substitute_id,omitempty"` // set when an automated substitute took over
}

// TurnState tracks whose turn it is. Board is opaque to the continuity core;
// the rule engine owns its contents. It must be array-shaped when present.
type TurnState struct {
	CurrentParticipantIndex int             `json:"current_participant_index"`
	Board                   json.RawMessage `json:"board,omitempty"`
}

// TurnTimer is the durable view of the turn countdown. RemainingTime is nil
// until the first turn starts. All durations are integer milliseconds.
type TurnTimer struct {
	RemainingTime    *int64     `json:"remaining_time"`
	OriginalDuration int64      `json:"original_duration"`
	PausedAt         *time.Time `json:"paused_at,omitempty"`
}

// GracePeriod is the bounded waiting window after the active participant
// disconnects. When IsActive, StartTime, Duration and TargetParticipantID
// must all be set.
type GracePeriod struct {
	IsActive            bool       `json:"is_active"`
	StartTime           *time.Time `json:"start_time,omitempty"`
	Duration            int64      `json:"duration"` // ms
	TargetParticipantID string     `json:"target_participant_id,omitempty"`
}

// ContinuationVote records one participant's vote on how to continue.
type ContinuationVote struct {
	ParticipantID string             `json:"participant_id"`
	Option        ContinuationOption `json:"option"`
	CastAt        time.Time          `json:"cast_at"`
}

// ContinuationOptions holds the presented choice set and collected votes.
type ContinuationOptions struct {
	Presented bool                 `json:"presented"`
	Options   []ContinuationOption `json:"options,omitempty"`
	Votes     []ContinuationVote   `json:"votes,omitempty"`
}

// ConnectionStatus is the durable per-participant connection entry kept on
// the session document for reconcile-after-restart purposes.
type ConnectionStatus struct {
	ParticipantID string          `json:"participant_id"`
	Status        ConnectionState `json:"status"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Session is the durably persisted session record, also cached in memory
// while the session is live.
type Session struct {
	ID                  string              `json:"session_id"`
	Participants        []Participant       `json:"participants"`
	TurnState           *TurnState          `json:"turn_state"`
	TurnTimer           TurnTimer           `json:"turn_timer"`
	Paused              bool                `json:"paused"`
	PauseReason         string              `json:"pause_reason,omitempty"`
	PausedBy            string              `json:"paused_by_participant,omitempty"`
	GracePeriod         GracePeriod         `json:"grace_period"`
	ContinuationOptions ContinuationOptions `json:"continuation_options"`
	ConnectionStatuses  []ConnectionStatus  `json:"connection_statuses,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	EndedAt             *time.Time          `json:"ended_at,omitempty"`
}

// Ended reports whether the session has been archived.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// CurrentParticipant returns the participant whose turn it is, or nil when
// turn state is missing or out of bounds.
func (s *Session) CurrentParticipant() *Participant {
	if s.TurnState == nil {
		return nil
	}
	i := s.TurnState.CurrentParticipantIndex
	if i < 0 || i >= len(s.Participants) {
		return nil
	}
	return &s.Participants[i]
}

// NextParticipantIndex returns the index following the current one,
// wrapping at the end of the participant list.
func (s *Session) NextParticipantIndex() int {
	if s.TurnState == nil || len(s.Participants) == 0 {
		return 0
	}
	return (s.TurnState.CurrentParticipantIndex + 1) % len(s.Participants)
}

// SetConnectionStatus upserts the durable connection entry for a participant.
func (s *Session) SetConnectionStatus(participantID string, state ConnectionState, at time.Time) {
	for i := range s.ConnectionStatuses {
		if s.ConnectionStatuses[i].ParticipantID == participantID {
			s.ConnectionStatuses[i].Status = state
			s.ConnectionStatuses[i].UpdatedAt = at
			return
		}
	}
	s.ConnectionStatuses = append(s.ConnectionStatuses, ConnectionStatus{
		ParticipantID: participantID,
		Status:        state,
		UpdatedAt:     at,
	})
}
