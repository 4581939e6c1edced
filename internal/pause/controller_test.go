package pause

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/awpearlm/rummikub-backend-sub001/internal/connection"
	"github.com/awpearlm/rummikub-backend-sub001/internal/events"
	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
	"github.com/awpearlm/rummikub-backend-sub001/internal/store"
	"github.com/awpearlm/rummikub-backend-sub001/internal/turntimer"
)

type fakeMarker struct {
	mu        sync.Mutex
	abandoned []string
}

func (f *fakeMarker) MarkAbandoned(_ context.Context, participantID string) {
	f.mu.Lock()
	f.abandoned = append(f.abandoned, participantID)
	f.mu.Unlock()
}

func (f *fakeMarker) Abandoned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.abandoned))
	copy(out, f.abandoned)
	return out
}

type fixture struct {
	controller *Controller
	timers     *turntimer.Manager
	store      *store.MemoryStore
	clock      *clockwork.FakeClock
	recorder   *events.Recorder
	marker     *fakeMarker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	recorder := events.NewRecorder()
	timers := turntimer.NewManager(st, clock, 0)
	controller := NewController(st, timers, clock, recorder, Config{})
	marker := &fakeMarker{}
	controller.SetConnectionMarker(marker)
	t.Cleanup(controller.Shutdown)
	return &fixture{
		controller: controller,
		timers:     timers,
		store:      st,
		clock:      clock,
		recorder:   recorder,
		marker:     marker,
	}
}

func (f *fixture) seedSession(t *testing.T, id string) {
	t.Helper()
	_, err := f.controller.CreateSession(context.Background(), id, []models.Participant{
		{ID: "p1", DisplayName: "Alice"},
		{ID: "p2", DisplayName: "Bob"},
		{ID: "p3", DisplayName: "Carol"},
	}, 120000)
	require.NoError(t, err)
}

func (f *fixture) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := f.store.FindOne(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestPauseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	first, err := f.controller.PauseGame(ctx, "s1", "participant_disconnected", "p1", &PreserveRequest{RemainingTime: 45000})
	require.NoError(t, err)
	require.True(t, first.Paused)
	require.Equal(t, int64(45000), first.RemainingTimeMs)

	second, err := f.controller.PauseGame(ctx, "s1", "participant_disconnected", "p1", &PreserveRequest{RemainingTime: 45000})
	require.NoError(t, err)
	require.True(t, second.AlreadyPaused)
	require.False(t, second.Paused)

	require.Len(t, f.recorder.ByType(events.TypePauseStarted), 1)

	doc := f.session(t, "s1")
	require.True(t, doc.Paused)
	require.Equal(t, "participant_disconnected", doc.PauseReason)
	require.Equal(t, "p1", doc.PausedBy)
	require.Equal(t, int64(45000), *doc.TurnTimer.RemainingTime)
}

func TestGracePeriodSizing(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		loss connection.LossContext
		want int64
	}{
		{
			name: "desktop wifi gets the standard window",
			loss: connection.LossContext{Quality: connection.QualityGood, NetworkType: connection.NetworkWifi},
			want: 60000,
		},
		{
			name: "mobile cellular gets the extended window",
			loss: connection.LossContext{Quality: connection.QualityGood, IsMobile: true, NetworkType: connection.NetworkCellular},
			want: 120000,
		},
		{
			name: "mobile unstable gets the extended window",
			loss: connection.LossContext{Quality: connection.QualityFair, IsMobile: true, NetworkType: connection.NetworkUnstable},
			want: 120000,
		},
		{
			name: "poor mobile cellular doubles the extended window",
			loss: connection.LossContext{Quality: connection.QualityPoor, IsMobile: true, NetworkType: connection.NetworkCellular},
			want: 240000,
		},
		{
			name: "poor desktop stays standard",
			loss: connection.LossContext{Quality: connection.QualityPoor, NetworkType: connection.NetworkWifi},
			want: 60000,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedSession(t, "s1")

			grace, err := f.controller.StartGracePeriod(ctx, "s1", "p1", tc.loss)
			require.NoError(t, err)
			require.Equal(t, tc.want, grace.DurationMs)

			doc := f.session(t, "s1")
			require.True(t, doc.GracePeriod.IsActive)
			require.Equal(t, tc.want, doc.GracePeriod.Duration)
			require.Equal(t, "p1", doc.GracePeriod.TargetParticipantID)
		})
	}
}

func TestGraceExpiryPresentsContinuationOptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	_, err := f.controller.PauseGame(ctx, "s1", "participant_disconnected", "p1", &PreserveRequest{RemainingTime: 45000})
	require.NoError(t, err)
	_, err = f.controller.StartGracePeriod(ctx, "s1", "p1", connection.LossContext{NetworkType: connection.NetworkWifi})
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)

	require.Eventually(t, func() bool {
		return f.session(t, "s1").ContinuationOptions.Presented
	}, 2*time.Second, 10*time.Millisecond)

	doc := f.session(t, "s1")
	require.Equal(t, models.ContinuationChoices(), doc.ContinuationOptions.Options)
	require.True(t, doc.GracePeriod.IsActive, "grace period stays active until a decision lands")
	require.Len(t, f.recorder.ByType(events.TypeGracePeriodExpired), 1)

	require.Eventually(t, func() bool {
		return len(f.marker.Abandoned()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "p1", f.marker.Abandoned()[0])
}

func TestResumeCancelsPendingGraceTimer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	_, err := f.controller.PauseGame(ctx, "s1", "participant_disconnected", "p1", &PreserveRequest{RemainingTime: 45000})
	require.NoError(t, err)
	_, err = f.controller.StartGracePeriod(ctx, "s1", "p1", connection.LossContext{NetworkType: connection.NetworkWifi})
	require.NoError(t, err)

	resumed, err := f.controller.ResumeGame(ctx, "s1", "p1", nil)
	require.NoError(t, err)
	require.Equal(t, int64(45000), resumed.RemainingTimeMs)
	require.Equal(t, turntimer.SourcePreserved, resumed.Source)

	// the cancelled timer must not fire after the window elapses
	f.clock.Advance(2 * time.Minute)
	time.Sleep(50 * time.Millisecond)

	doc := f.session(t, "s1")
	require.False(t, doc.Paused)
	require.False(t, doc.GracePeriod.IsActive)
	require.False(t, doc.ContinuationOptions.Presented)
	require.Empty(t, f.marker.Abandoned())
	require.Len(t, f.recorder.ByType(events.TypePauseEnded), 1)
}

func TestSkipTurnDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	_, err := f.controller.PauseGame(ctx, "s1", "participant_disconnected", "p1", &PreserveRequest{RemainingTime: 45000})
	require.NoError(t, err)
	_, err = f.controller.HandleGracePeriodExpired(ctx, "s1")
	require.NoError(t, err)

	votes := []models.ContinuationVote{
		{ParticipantID: "p2", Option: models.ContinuationSkipTurn, CastAt: f.clock.Now()},
		{ParticipantID: "p3", Option: models.ContinuationSkipTurn, CastAt: f.clock.Now()},
	}
	result, err := f.controller.ProcessContinuationDecision(ctx, "s1", "skip_turn", votes)
	require.NoError(t, err)
	require.Equal(t, models.ContinuationSkipTurn, result.Decision)
	require.Equal(t, "p2", result.NextParticipantID)

	doc := f.session(t, "s1")
	require.Equal(t, 1, doc.TurnState.CurrentParticipantIndex)
	require.False(t, doc.Paused)
	require.False(t, doc.GracePeriod.IsActive)
	require.False(t, doc.ContinuationOptions.Presented)
	require.Len(t, doc.ContinuationOptions.Votes, 2, "votes survive for the audit trail")

	// the next participant starts with a full fresh countdown
	state, err := f.timers.GetTimerState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "p2", state.ParticipantID)
	require.Equal(t, int64(120000), state.RemainingTime)
	require.True(t, state.IsActive)
	require.Len(t, f.recorder.ByType(events.TypeContinuationDecided), 1)
}

func TestSkipTurnWrapsAroundParticipantList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	doc := f.session(t, "s1")
	doc.TurnState.CurrentParticipantIndex = 2
	require.NoError(t, f.store.Save(ctx, doc))

	result, err := f.controller.ProcessContinuationDecision(ctx, "s1", "skip_turn", nil)
	require.NoError(t, err)
	require.Equal(t, "p1", result.NextParticipantID)
	require.Equal(t, 0, f.session(t, "s1").TurnState.CurrentParticipantIndex)
}

func TestSubstituteDecisionContinuesPreservedCountdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	_, err := f.controller.PauseGame(ctx, "s1", "participant_disconnected", "p1", &PreserveRequest{RemainingTime: 30000})
	require.NoError(t, err)

	result, err := f.controller.ProcessContinuationDecision(ctx, "s1", "add_automated_substitute", nil)
	require.NoError(t, err)
	require.Equal(t, models.ContinuationAddSubstitute, result.Decision)
	require.True(t, strings.HasPrefix(result.SubstituteID, "auto-"))

	doc := f.session(t, "s1")
	require.True(t, doc.Participants[0].Automated)
	require.Equal(t, result.SubstituteID, doc.Participants[0].SubstituteID)
	require.False(t, doc.Paused)

	state, err := f.timers.GetTimerState(ctx, "s1")
	require.NoError(t, err)
	require.True(t, state.Substitute)
	require.Equal(t, int64(30000), state.RemainingTime, "substitute picks up the preserved countdown, not a fresh one")
}

func TestEndSessionDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	_, err := f.controller.PauseGame(ctx, "s1", "participant_disconnected", "p1", &PreserveRequest{RemainingTime: 30000})
	require.NoError(t, err)

	result, err := f.controller.ProcessContinuationDecision(ctx, "s1", "end_session", nil)
	require.NoError(t, err)
	require.True(t, result.Ended)

	doc := f.session(t, "s1")
	require.True(t, doc.Ended())
	require.False(t, doc.Paused)
	require.Nil(t, doc.TurnTimer.RemainingTime)
	require.False(t, f.timers.HasPreserved("s1"))
	require.Len(t, f.recorder.ByType(events.TypeSessionEnded), 1)
}

func TestUnknownDecisionRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	_, err := f.controller.ProcessContinuationDecision(ctx, "s1", "flip_table", nil)
	var unknown *models.UnknownDecisionError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "flip_table", unknown.Decision)
}

func TestLoadSessionRejectsCorruptDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	doc := f.session(t, "s1")
	doc.TurnState.CurrentParticipantIndex = 99
	require.NoError(t, f.store.Save(ctx, doc))

	result, err := f.controller.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	require.Contains(t, result.FallbackOptions, "reset_current_player")
	require.Equal(t, "contact_support", result.FallbackOptions[len(result.FallbackOptions)-1])
}

func TestLoadSessionReschedulesMidFlightGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	start := f.clock.Now().Add(-30 * time.Second)
	doc := f.session(t, "s1")
	doc.Paused = true
	doc.PauseReason = "participant_disconnected"
	doc.PausedBy = "p1"
	doc.GracePeriod = models.GracePeriod{
		IsActive:            true,
		StartTime:           &start,
		Duration:            60000,
		TargetParticipantID: "p1",
	}
	require.NoError(t, f.store.Save(ctx, doc))

	result, err := f.controller.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, result.Valid)

	// 30s of the 60s window remain; nothing fires before that
	f.clock.Advance(10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	require.False(t, f.session(t, "s1").ContinuationOptions.Presented)

	f.clock.Advance(25 * time.Second)
	require.Eventually(t, func() bool {
		return f.session(t, "s1").ContinuationOptions.Presented
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoadSessionExpiresOverdueGraceImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	start := f.clock.Now().Add(-5 * time.Minute)
	doc := f.session(t, "s1")
	doc.Paused = true
	doc.PauseReason = "participant_disconnected"
	doc.PausedBy = "p1"
	doc.GracePeriod = models.GracePeriod{
		IsActive:            true,
		StartTime:           &start,
		Duration:            60000,
		TargetParticipantID: "p1",
	}
	require.NoError(t, f.store.Save(ctx, doc))

	result, err := f.controller.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.True(t, f.session(t, "s1").ContinuationOptions.Presented)
}

func TestParticipantLossPausesOnlyForActiveParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	// a non-active participant dropping records status but does not pause
	f.controller.HandleParticipantLost(ctx, "s1", "p2", "transport close", connection.LossContext{NetworkType: connection.NetworkWifi})
	doc := f.session(t, "s1")
	require.False(t, doc.Paused)
	require.Len(t, doc.ConnectionStatuses, 1)
	require.Equal(t, models.ConnectionDisconnected, doc.ConnectionStatuses[0].Status)

	// the active participant dropping pauses and opens a grace window
	f.controller.HandleParticipantLost(ctx, "s1", "p1", "transport close", connection.LossContext{NetworkType: connection.NetworkWifi})
	doc = f.session(t, "s1")
	require.True(t, doc.Paused)
	require.True(t, doc.GracePeriod.IsActive)
	require.Equal(t, "p1", doc.GracePeriod.TargetParticipantID)
}

func TestParticipantReturnResumesWhenSessionWaitsOnThem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	f.controller.HandleParticipantLost(ctx, "s1", "p1", "transport close", connection.LossContext{NetworkType: connection.NetworkWifi})
	require.True(t, f.session(t, "s1").Paused)

	f.controller.HandleParticipantReturned(ctx, "s1", "p1")

	doc := f.session(t, "s1")
	require.False(t, doc.Paused)
	require.False(t, doc.GracePeriod.IsActive)
	require.Len(t, f.recorder.ByType(events.TypePauseEnded), 1)

	var status *models.ConnectionStatus
	for i := range doc.ConnectionStatuses {
		if doc.ConnectionStatuses[i].ParticipantID == "p1" {
			status = &doc.ConnectionStatuses[i]
		}
	}
	require.NotNil(t, status)
	require.Equal(t, models.ConnectionConnected, status.Status)
}

func TestParticipantReturnIgnoredWhenSessionNotWaiting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	f.controller.HandleParticipantReturned(ctx, "s1", "p2")

	doc := f.session(t, "s1")
	require.False(t, doc.Paused)
	require.Empty(t, f.recorder.ByType(events.TypePauseEnded))
}

func TestDisconnectReconnectRoundTripKeepsCountdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "s1")

	_, err := f.controller.BeginTurn(ctx, "s1")
	require.NoError(t, err)

	// 75s of a 120s turn elapse before the connection drops
	f.clock.Advance(75 * time.Second)
	f.controller.HandleParticipantLost(ctx, "s1", "p1", "transport close", connection.LossContext{NetworkType: connection.NetworkWifi})

	doc := f.session(t, "s1")
	require.True(t, doc.Paused)
	require.Equal(t, int64(45000), *doc.TurnTimer.RemainingTime)

	// time passing while paused must not drain the countdown
	f.clock.Advance(20 * time.Second)
	f.controller.HandleParticipantReturned(ctx, "s1", "p1")

	state, err := f.timers.GetTimerState(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(45000), state.RemainingTime)
	require.True(t, state.IsActive)
}
