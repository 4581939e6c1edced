package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/awpearlm/rummikub-backend-sub001/internal/events"
	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
)

const (
	iphoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0"
)

type fakeHandle string

func (h fakeHandle) ID() string { return string(h) }

type hookCall struct {
	sessionID     string
	participantID string
	reason        string
	loss          LossContext
}

type fakeHook struct {
	mu       sync.Mutex
	lost     []hookCall
	returned []hookCall
}

func (f *fakeHook) HandleParticipantLost(_ context.Context, sessionID, participantID, reason string, loss LossContext) {
	f.mu.Lock()
	f.lost = append(f.lost, hookCall{sessionID, participantID, reason, loss})
	f.mu.Unlock()
}

func (f *fakeHook) HandleParticipantReturned(_ context.Context, sessionID, participantID string) {
	f.mu.Lock()
	f.returned = append(f.returned, hookCall{sessionID: sessionID, participantID: participantID})
	f.mu.Unlock()
}

func (f *fakeHook) Lost() []hookCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hookCall, len(f.lost))
	copy(out, f.lost)
	return out
}

func (f *fakeHook) Returned() []hookCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hookCall, len(f.returned))
	copy(out, f.returned)
	return out
}

func newTestTracker(t *testing.T) (*Tracker, *fakeHook, *clockwork.FakeClock, *events.Recorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	hook := &fakeHook{}
	recorder := events.NewRecorder()
	tr := NewTracker(clock, recorder, hook, Config{})
	t.Cleanup(tr.Shutdown)
	return tr, hook, clock, recorder
}

func TestDetectDevice(t *testing.T) {
	cases := []struct {
		ua         string
		wantClass  string
		wantMobile bool
	}{
		{iphoneUA, "phone", true},
		{"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)", "tablet", true},
		{"Mozilla/5.0 (Linux; Android 14; SM-X910) Safari/537.36", "tablet", true},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile Safari/537.36", "phone", true},
		{desktopUA, "desktop", false},
		{"", "unknown", false},
	}
	for _, tc := range cases {
		class, mobile := detectDevice(tc.ua)
		require.Equal(t, tc.wantClass, class, tc.ua)
		require.Equal(t, tc.wantMobile, mobile, tc.ua)
	}
}

func TestRegisterConnectionClassifiesDevice(t *testing.T) {
	ctx := context.Background()
	tr, _, _, recorder := newTestTracker(t)

	rec := tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{
		UserAgent:   iphoneUA,
		NetworkType: "cellular",
	})
	require.Equal(t, models.ConnectionConnected, rec.Status)
	require.True(t, rec.IsMobile)
	require.Equal(t, "phone", rec.DeviceClass)
	require.Equal(t, NetworkCellular, rec.NetworkType)
	require.Len(t, recorder.ByType(events.TypeStatusUpdated), 1)
}

func TestMobileBackgroundingIsTolerated(t *testing.T) {
	ctx := context.Background()
	tr, hook, clock, _ := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "wifi"})
	tr.HandlePotentialDisconnection(ctx, fakeHandle("h1"), "transport close")

	rec, ok := tr.Get("p1")
	require.True(t, ok)
	require.Equal(t, models.ConnectionReconnecting, rec.Status)
	require.Empty(t, hook.Lost(), "no disconnect while the tolerance window is open")

	// reconnect inside the window: the pending timer must not fire later
	tr.RegisterConnection(ctx, fakeHandle("h2"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "wifi"})
	require.Len(t, hook.Returned(), 1)

	clock.Advance(30 * time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, hook.Lost())

	rec, _ = tr.Get("p1")
	require.Equal(t, models.ConnectionConnected, rec.Status)
}

func TestToleranceWindowExpiryConfirmsDisconnect(t *testing.T) {
	ctx := context.Background()
	tr, hook, clock, _ := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "wifi"})
	tr.HandlePotentialDisconnection(ctx, fakeHandle("h1"), "transport close")

	clock.Advance(DefaultBackgroundingTolerance + time.Second)

	require.Eventually(t, func() bool {
		return len(hook.Lost()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	lost := hook.Lost()[0]
	require.Equal(t, "s1", lost.sessionID)
	require.Equal(t, "p1", lost.participantID)
	require.Equal(t, "transport close", lost.reason)
	require.True(t, lost.loss.IsMobile)

	rec, _ := tr.Get("p1")
	require.Equal(t, models.ConnectionDisconnected, rec.Status)
}

func TestDesktopDisconnectIsImmediate(t *testing.T) {
	ctx := context.Background()
	tr, hook, _, _ := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: desktopUA, NetworkType: "wifi"})
	tr.HandlePotentialDisconnection(ctx, fakeHandle("h1"), "transport close")

	require.Len(t, hook.Lost(), 1, "backgrounding tolerance only applies to mobile devices")
	rec, _ := tr.Get("p1")
	require.Equal(t, models.ConnectionDisconnected, rec.Status)
}

func TestManualDisconnectSkipsTolerance(t *testing.T) {
	ctx := context.Background()
	tr, hook, _, _ := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "wifi"})
	tr.HandlePotentialDisconnection(ctx, fakeHandle("h1"), "client namespace disconnect")

	require.Len(t, hook.Lost(), 1)
	require.Equal(t, "client namespace disconnect", hook.Lost()[0].reason)
}

func TestRepeatedBackgroundingShrinksTolerance(t *testing.T) {
	ctx := context.Background()
	tr, hook, clock, _ := newTestTracker(t)

	// two tolerated drops with reconnects put the record on notice
	for i := 0; i < 2; i++ {
		tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "wifi"})
		tr.HandlePotentialDisconnection(ctx, fakeHandle("h1"), "transport close")
	}
	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "wifi"})

	// the third drop inside the flap window gets half the usual tolerance
	tr.HandlePotentialDisconnection(ctx, fakeHandle("h1"), "transport close")

	clock.Advance(DefaultBackgroundingTolerance/2 + time.Second)
	require.Eventually(t, func() bool {
		return len(hook.Lost()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCellularExtendsTolerance(t *testing.T) {
	ctx := context.Background()
	tr, hook, clock, _ := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "cellular"})
	tr.HandlePotentialDisconnection(ctx, fakeHandle("h1"), "transport close")

	// the plain window has passed but the cellular-scaled one has not
	clock.Advance(DefaultBackgroundingTolerance + time.Second)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, hook.Lost())

	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return len(hook.Lost()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownHandleDisconnectIsNoOp(t *testing.T) {
	ctx := context.Background()
	tr, hook, _, _ := newTestTracker(t)

	tr.HandlePotentialDisconnection(ctx, fakeHandle("nope"), "transport close")
	require.Empty(t, hook.Lost())
}

func TestMetricsClassifyQuality(t *testing.T) {
	ctx := context.Background()
	tr, _, _, recorder := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "cellular"})

	tr.UpdateConnectionMetrics(ctx, "p1", Metrics{LatencyMs: 50, PacketLossPct: 0.2})
	rec, _ := tr.Get("p1")
	require.Equal(t, QualityExcellent, rec.Quality)
	require.Empty(t, recorder.ByType(events.TypeConnectionQualityWarning))

	// drag the rolling average into poor territory
	for i := 0; i < 20; i++ {
		tr.UpdateConnectionMetrics(ctx, "p1", Metrics{LatencyMs: 800, PacketLossPct: 9})
	}
	rec, _ = tr.Get("p1")
	require.Equal(t, QualityPoor, rec.Quality)

	warnings := recorder.ByType(events.TypeConnectionQualityWarning)
	require.NotEmpty(t, warnings)
}

func TestMetricsClampNegativeValues(t *testing.T) {
	ctx := context.Background()
	tr, _, _, _ := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: desktopUA})
	tr.UpdateConnectionMetrics(ctx, "p1", Metrics{LatencyMs: -50, PacketLossPct: -3})

	rec, _ := tr.Get("p1")
	require.Equal(t, QualityExcellent, rec.Quality)
}

func TestMetricsForUnknownParticipantIgnored(t *testing.T) {
	ctx := context.Background()
	tr, _, _, _ := newTestTracker(t)
	tr.UpdateConnectionMetrics(ctx, "ghost", Metrics{LatencyMs: 100})
}

func TestClassifyQualityThresholds(t *testing.T) {
	require.Equal(t, QualityExcellent, classifyQuality(99, 0.9))
	require.Equal(t, QualityGood, classifyQuality(100, 0.9))
	require.Equal(t, QualityGood, classifyQuality(249, 2.4))
	require.Equal(t, QualityFair, classifyQuality(250, 2.4))
	require.Equal(t, QualityFair, classifyQuality(499, 4.9))
	require.Equal(t, QualityPoor, classifyQuality(500, 4.9))
	require.Equal(t, QualityPoor, classifyQuality(50, 80))
}

func TestGracePeriodSizing(t *testing.T) {
	ctx := context.Background()
	tr, _, _, _ := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "desktop", DeviceInfo{UserAgent: desktopUA, NetworkType: "wifi"})
	tr.RegisterConnection(ctx, fakeHandle("h2"), "s1", "mobile-wifi", DeviceInfo{UserAgent: iphoneUA, NetworkType: "wifi"})
	tr.RegisterConnection(ctx, fakeHandle("h3"), "s1", "mobile-cell", DeviceInfo{UserAgent: iphoneUA, NetworkType: "cellular"})

	require.Equal(t, DefaultStandardGracePeriodMs, tr.GetGracePeriodForParticipant("desktop"))
	require.Equal(t, DefaultStandardGracePeriodMs, tr.GetGracePeriodForParticipant("mobile-wifi"))
	require.Equal(t, DefaultExtendedGracePeriodMs, tr.GetGracePeriodForParticipant("mobile-cell"))
	require.Equal(t, DefaultStandardGracePeriodMs, tr.GetGracePeriodForParticipant("ghost"))
}

func TestNetworkTypeChangeUpdatesGraceSizing(t *testing.T) {
	ctx := context.Background()
	tr, _, _, recorder := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "wifi"})
	require.Equal(t, DefaultStandardGracePeriodMs, tr.GetGracePeriodForParticipant("p1"))

	tr.HandleNetworkTypeChange(ctx, "p1", "cellular")
	require.Equal(t, DefaultExtendedGracePeriodMs, tr.GetGracePeriodForParticipant("p1"))

	changes := recorder.ByType(events.TypeNetworkTypeChanged)
	require.Len(t, changes, 1)
}

func TestMarkAbandonedKeepsRecord(t *testing.T) {
	ctx := context.Background()
	tr, _, _, recorder := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: iphoneUA, NetworkType: "cellular"})
	tr.MarkAbandoned(ctx, "p1")

	rec, ok := tr.Get("p1")
	require.True(t, ok, "the record survives so a late reconnect keeps its classification")
	require.Equal(t, models.ConnectionAbandoned, rec.Status)
	require.Len(t, recorder.ByType(events.TypeStatusUpdated), 2)
}

func TestRemoveConnectionDropsRecord(t *testing.T) {
	ctx := context.Background()
	tr, _, _, _ := newTestTracker(t)

	tr.RegisterConnection(ctx, fakeHandle("h1"), "s1", "p1", DeviceInfo{UserAgent: desktopUA})
	tr.RemoveConnection("p1")

	_, ok := tr.Get("p1")
	require.False(t, ok)
}
