package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewPopulatesEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ev := New("s1", TypePauseStarted, at, PauseStartedPayload{
		Reason:          "participant_disconnected",
		PausedBy:        "p1",
		RemainingTimeMs: 45000,
		PausedAt:        at,
	})

	require.NotEmpty(t, ev.ID)
	require.Equal(t, "s1", ev.SessionID)
	require.Equal(t, TypePauseStarted, ev.Type)
	require.Equal(t, at, ev.Timestamp)

	var payload PauseStartedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	require.Equal(t, int64(45000), payload.RemainingTimeMs)
	require.Equal(t, "p1", payload.PausedBy)
}

func TestNewSurvivesUnmarshalablePayload(t *testing.T) {
	ev := New("s1", TypeSessionEnded, time.Now(), make(chan int))
	require.JSONEq(t, "{}", string(ev.Data))
}

func TestMultiEmitterFansOut(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	multi := MultiEmitter{a, b}

	multi.Emit(context.Background(), New("s1", TypePauseEnded, time.Now(), nil))

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
}

func TestRecorderByType(t *testing.T) {
	r := NewRecorder()
	r.Emit(context.Background(), New("s1", TypePauseStarted, time.Now(), nil))
	r.Emit(context.Background(), New("s1", TypePauseEnded, time.Now(), nil))
	r.Emit(context.Background(), New("s1", TypePauseStarted, time.Now(), nil))

	require.Len(t, r.ByType(TypePauseStarted), 2)
	require.Len(t, r.ByType(TypeSessionEnded), 0)
}
