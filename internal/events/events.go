package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type identifies a continuity domain event.
type Type string

const (
	TypeStatusUpdated            Type = "StatusUpdated"
	TypeConnectionQualityWarning Type = "ConnectionQualityWarning"
	TypeNetworkTypeChanged       Type = "NetworkTypeChanged"
	TypePauseStarted             Type = "PauseStarted"
	TypePauseEnded               Type = "PauseEnded"
	TypeGracePeriodStarted       Type = "GracePeriodStarted"
	TypeGracePeriodExpired       Type = "GracePeriodExpired"
	TypeContinuationDecided      Type = "ContinuationDecided"
	TypeSessionEnded             Type = "SessionEnded"
)

// Event is the envelope for all outbound continuity events. The transport
// layer translates these into client-visible messages; the relay publishes
// them for analytics/notification consumers.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// New builds an event envelope around a typed payload.
func New(sessionID string, typ Type, at time.Time, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs; this only fires on programmer error.
		log.Error().Err(err).Str("event_type", string(typ)).Msg("failed to marshal event payload")
		data = []byte("{}")
	}
	return Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      typ,
		Timestamp: at,
		Data:      data,
	}
}

// Emitter receives every outbound continuity event. Emit must not block on
// slow consumers; implementations buffer or drop.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}

// MultiEmitter fans an event out to several emitters in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}
