// Package connection tracks per-participant connection state for live
// sessions. It classifies transport-level disconnect reasons, absorbs brief
// mobile backgrounding drops behind a tolerance window, and sizes grace
// periods from device and network classification.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/awpearlm/rummikub-backend-sub001/internal/events"
	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
)

// Tolerance and grace-period sizing defaults. Durations in the public
// surface are integer milliseconds, consistent with the timer manager.
const (
	DefaultBackgroundingTolerance = 10 * time.Second
	DefaultStandardGracePeriodMs  = int64(60000)
	DefaultExtendedGracePeriodMs  = int64(120000)

	// Repeated backgrounding inside this window shrinks the tolerance.
	backgroundingFlapWindow    = 5 * time.Minute
	backgroundingFlapThreshold = 3

	// Cellular networks drop longer when an app backgrounds.
	cellularToleranceFactor = 1.5
)

// Config tunes the tracker. Zero values fall back to the defaults above.
type Config struct {
	BackgroundingTolerance time.Duration
	StandardGracePeriodMs  int64
	ExtendedGracePeriodMs  int64
}

// Tracker owns the connection registry. All access to records goes through
// its methods; callers only ever see value copies.
type Tracker struct {
	clock   clockwork.Clock
	emitter events.Emitter
	hook    ContinuityHook
	cfg     Config

	mu              sync.Mutex
	byParticipant   map[string]*Record
	byHandle        map[string]*Record
	toleranceTimers map[string]clockwork.Timer

	done chan struct{}
}

func NewTracker(clock clockwork.Clock, emitter events.Emitter, hook ContinuityHook, cfg Config) *Tracker {
	if cfg.BackgroundingTolerance <= 0 {
		cfg.BackgroundingTolerance = DefaultBackgroundingTolerance
	}
	if cfg.StandardGracePeriodMs <= 0 {
		cfg.StandardGracePeriodMs = DefaultStandardGracePeriodMs
	}
	if cfg.ExtendedGracePeriodMs <= 0 {
		cfg.ExtendedGracePeriodMs = DefaultExtendedGracePeriodMs
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Tracker{
		clock:           clock,
		emitter:         emitter,
		hook:            hook,
		cfg:             cfg,
		byParticipant:   make(map[string]*Record),
		byHandle:        make(map[string]*Record),
		toleranceTimers: make(map[string]clockwork.Timer),
		done:            make(chan struct{}),
	}
}

// RegisterConnection records a fresh transport connection for a
// participant. Re-registering while a tolerance window is pending counts as
// a reconnection: the pending timer is cancelled and the continuity hook is
// told the participant returned.
func (t *Tracker) RegisterConnection(ctx context.Context, handle TransportHandle, sessionID, participantID string, info DeviceInfo) Record {
	now := t.clock.Now()
	class, isMobile := detectDevice(info.UserAgent)

	t.mu.Lock()
	rec, exists := t.byParticipant[participantID]
	wasAbsent := false
	if exists {
		wasAbsent = rec.Status != models.ConnectionConnected
		delete(t.byHandle, rec.HandleID)
		t.cancelToleranceTimerLocked(participantID)
	} else {
		rec = &Record{
			ParticipantID: participantID,
			SessionID:     sessionID,
			ConnectedAt:   now,
			Quality:       QualityGood,
		}
		t.byParticipant[participantID] = rec
	}
	rec.SessionID = sessionID
	rec.HandleID = handle.ID()
	rec.Status = models.ConnectionConnected
	rec.IsMobile = isMobile
	rec.DeviceClass = class
	if nt := parseNetworkType(info.NetworkType); nt != NetworkUnknown || rec.NetworkType == "" {
		rec.NetworkType = nt
	}
	rec.LastSeen = now
	rec.pendingReason = ""
	t.byHandle[rec.HandleID] = rec
	snapshot := *rec
	t.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("device_class", class).
		Bool("mobile", isMobile).
		Str("network_type", string(snapshot.NetworkType)).
		Bool("reconnected", wasAbsent).
		Msg("connection registered")

	t.emitStatus(ctx, snapshot, "")
	if wasAbsent && t.hook != nil {
		t.hook.HandleParticipantReturned(ctx, sessionID, participantID)
	}
	return snapshot
}

// HandlePotentialDisconnection classifies a transport-level disconnect. A
// backgrounding-style reason on a mobile device starts a tolerance window
// instead of disconnecting immediately; the window's callback re-checks
// that the participant is still absent before proceeding. Unknown handles
// are a logged no-op since connection races are expected.
func (t *Tracker) HandlePotentialDisconnection(ctx context.Context, handle TransportHandle, reason string) {
	t.mu.Lock()
	rec, ok := t.byHandle[handle.ID()]
	if !ok {
		t.mu.Unlock()
		log.Debug().Str("handle_id", handle.ID()).Str("reason", reason).Msg("disconnect for unknown handle, ignoring")
		return
	}
	if rec.Status != models.ConnectionConnected && rec.Status != models.ConnectionReconnecting {
		t.mu.Unlock()
		log.Debug().
			Str("participant_id", rec.ParticipantID).
			Str("status", string(rec.Status)).
			Msg("disconnect while already transitioning, ignoring")
		return
	}

	if isBackgroundingReason(reason) && rec.IsMobile {
		now := t.clock.Now()
		rec.backgroundingEvents = pruneOld(append(rec.backgroundingEvents, now), now.Add(-backgroundingFlapWindow))
		window := t.toleranceWindowLocked(rec)
		rec.Status = models.ConnectionReconnecting
		rec.pendingReason = reason
		snapshot := *rec
		t.scheduleToleranceLocked(rec.ParticipantID, window)
		t.mu.Unlock()

		log.Info().
			Str("participant_id", snapshot.ParticipantID).
			Str("reason", reason).
			Dur("tolerance", window).
			Int("recent_backgrounding_events", len(snapshot.backgroundingEvents)).
			Msg("tolerating probable app backgrounding")
		t.emitStatus(ctx, snapshot, reason)
		return
	}

	snapshot := *rec
	t.mu.Unlock()
	t.confirmDisconnect(ctx, snapshot.ParticipantID, reason)
}

// UpdateConnectionMetrics appends a latency/packet-loss sample to the
// rolling window and recomputes the quality label. Degraded quality emits a
// warning event with remediation text. Unknown participants are a no-op.
func (t *Tracker) UpdateConnectionMetrics(ctx context.Context, participantID string, m Metrics) {
	// Clamp, never reject: callers feed raw transport measurements.
	if m.LatencyMs < 0 {
		m.LatencyMs = 0
	}
	if m.PacketLossPct < 0 {
		m.PacketLossPct = 0
	}

	t.mu.Lock()
	rec, ok := t.byParticipant[participantID]
	if !ok {
		t.mu.Unlock()
		log.Debug().Str("participant_id", participantID).Msg("metrics for unknown participant, ignoring")
		return
	}
	rec.history = append(rec.history, MetricsSample{
		LatencyMs:     m.LatencyMs,
		PacketLossPct: m.PacketLossPct,
		At:            t.clock.Now(),
	})
	if len(rec.history) > qualityHistoryLimit {
		rec.history = rec.history[len(rec.history)-qualityHistoryLimit:]
	}
	avgLatency, avgLoss := rollingAverages(rec.history)
	rec.Quality = classifyQuality(avgLatency, avgLoss)
	snapshot := *rec
	t.mu.Unlock()

	if snapshot.Quality == QualityFair || snapshot.Quality == QualityPoor {
		t.emitter.Emit(ctx, events.New(snapshot.SessionID, events.TypeConnectionQualityWarning, t.clock.Now(),
			events.ConnectionQualityWarningPayload{
				ParticipantID:  participantID,
				Quality:        string(snapshot.Quality),
				LatencyMs:      avgLatency,
				PacketLossPct:  avgLoss,
				Recommendation: qualityRecommendation(snapshot.Quality, snapshot.IsMobile, snapshot.NetworkType),
				MeasuredAt:     t.clock.Now(),
			}))
	}
}

// HandleNetworkTypeChange updates a participant's network type, recomputes
// grace-period sizing, and emits a network-change event.
func (t *Tracker) HandleNetworkTypeChange(ctx context.Context, participantID, newType string) {
	t.mu.Lock()
	rec, ok := t.byParticipant[participantID]
	if !ok {
		t.mu.Unlock()
		log.Debug().Str("participant_id", participantID).Msg("network change for unknown participant, ignoring")
		return
	}
	old := rec.NetworkType
	rec.NetworkType = parseNetworkType(newType)
	snapshot := *rec
	t.mu.Unlock()

	grace := t.gracePeriodFor(snapshot)
	log.Info().
		Str("participant_id", participantID).
		Str("old_network_type", string(old)).
		Str("new_network_type", string(snapshot.NetworkType)).
		Int64("grace_period_ms", grace).
		Msg("network type changed")

	t.emitter.Emit(ctx, events.New(snapshot.SessionID, events.TypeNetworkTypeChanged, t.clock.Now(),
		events.NetworkTypeChangedPayload{
			ParticipantID:  participantID,
			OldNetworkType: string(old),
			NewNetworkType: string(snapshot.NetworkType),
			GracePeriodMs:  grace,
		}))
}

// GetGracePeriodForParticipant returns the extended grace duration for
// mobile participants on cellular or unstable networks, the standard one
// otherwise. Unknown participants get the standard duration.
func (t *Tracker) GetGracePeriodForParticipant(participantID string) int64 {
	t.mu.Lock()
	rec, ok := t.byParticipant[participantID]
	if !ok {
		t.mu.Unlock()
		return t.cfg.StandardGracePeriodMs
	}
	snapshot := *rec
	t.mu.Unlock()
	return t.gracePeriodFor(snapshot)
}

// Get returns a snapshot of a participant's connection record.
func (t *Tracker) Get(participantID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byParticipant[participantID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// RemoveConnection drops a participant's record and cancels any pending
// tolerance timer. Used on session teardown or extended absence.
func (t *Tracker) RemoveConnection(participantID string) {
	t.mu.Lock()
	rec, ok := t.byParticipant[participantID]
	if ok {
		delete(t.byHandle, rec.HandleID)
		delete(t.byParticipant, participantID)
		t.cancelToleranceTimerLocked(participantID)
	}
	t.mu.Unlock()
}

// Shutdown cancels all pending tolerance timers.
func (t *Tracker) Shutdown() {
	close(t.done)
	t.mu.Lock()
	for pid, timer := range t.toleranceTimers {
		stopAndDrainTimer(timer)
		delete(t.toleranceTimers, pid)
	}
	t.mu.Unlock()
}

// confirmDisconnect runs the real disconnection path after classification
// (and any tolerance window) decided the participant is gone.
func (t *Tracker) confirmDisconnect(ctx context.Context, participantID, reason string) {
	t.mu.Lock()
	rec, ok := t.byParticipant[participantID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.Status = models.ConnectionDisconnecting
	snapshot := *rec
	t.mu.Unlock()

	log.Info().
		Str("session_id", snapshot.SessionID).
		Str("participant_id", participantID).
		Str("reason", reason).
		Msg("participant disconnected")

	t.emitStatus(ctx, snapshot, reason)
	if t.hook != nil {
		t.hook.HandleParticipantLost(ctx, snapshot.SessionID, participantID, reason, LossContext{
			Quality:     snapshot.Quality,
			IsMobile:    snapshot.IsMobile,
			NetworkType: snapshot.NetworkType,
		})
	}

	t.mu.Lock()
	if rec, ok := t.byParticipant[participantID]; ok && rec.Status == models.ConnectionDisconnecting {
		rec.Status = models.ConnectionDisconnected
	}
	t.mu.Unlock()
}

// MarkAbandoned flags a participant whose grace period expired without
// return. The record is kept so a very late reconnect still finds its
// device and network classification.
func (t *Tracker) MarkAbandoned(ctx context.Context, participantID string) {
	t.mu.Lock()
	rec, ok := t.byParticipant[participantID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.Status = models.ConnectionAbandoned
	t.cancelToleranceTimerLocked(participantID)
	snapshot := *rec
	t.mu.Unlock()

	log.Info().
		Str("session_id", snapshot.SessionID).
		Str("participant_id", participantID).
		Msg("participant marked abandoned")
	t.emitStatus(ctx, snapshot, "grace period expired")
}

// toleranceWindowLocked sizes the backgrounding tolerance for a record:
// the default window, halved after repeated flapping, scaled up on
// cellular. Caller holds t.mu.
func (t *Tracker) toleranceWindowLocked(rec *Record) time.Duration {
	window := t.cfg.BackgroundingTolerance
	if len(rec.backgroundingEvents) >= backgroundingFlapThreshold {
		window /= 2
	}
	if rec.NetworkType == NetworkCellular {
		window = time.Duration(float64(window) * cellularToleranceFactor)
	}
	return window
}

// scheduleToleranceLocked replaces any pending tolerance timer for the
// participant with a fresh one. Caller holds t.mu.
func (t *Tracker) scheduleToleranceLocked(participantID string, window time.Duration) {
	if existing, ok := t.toleranceTimers[participantID]; ok {
		stopAndDrainTimer(existing)
	}
	timer := t.clock.NewTimer(window)
	t.toleranceTimers[participantID] = timer

	go func() {
		select {
		case <-timer.Chan():
			t.mu.Lock()
			delete(t.toleranceTimers, participantID)
			rec, ok := t.byParticipant[participantID]
			// The participant may have legitimately reconnected while the
			// timer was pending; only proceed if they are still absent.
			if !ok || rec.Status != models.ConnectionReconnecting {
				t.mu.Unlock()
				log.Debug().Str("participant_id", participantID).Msg("tolerance window expired but participant returned")
				return
			}
			reason := rec.pendingReason
			t.mu.Unlock()
			t.confirmDisconnect(context.Background(), participantID, reason)
		case <-t.done:
			stopAndDrainTimer(timer)
		}
	}()
}

// cancelToleranceTimerLocked stops and removes a pending tolerance timer.
// Caller holds t.mu.
func (t *Tracker) cancelToleranceTimerLocked(participantID string) {
	if timer, ok := t.toleranceTimers[participantID]; ok {
		stopAndDrainTimer(timer)
		delete(t.toleranceTimers, participantID)
	}
}

func (t *Tracker) gracePeriodFor(rec Record) int64 {
	if rec.IsMobile && (rec.NetworkType == NetworkCellular || rec.NetworkType == NetworkUnstable) {
		return t.cfg.ExtendedGracePeriodMs
	}
	return t.cfg.StandardGracePeriodMs
}

func (t *Tracker) emitStatus(ctx context.Context, rec Record, reason string) {
	t.emitter.Emit(ctx, events.New(rec.SessionID, events.TypeStatusUpdated, t.clock.Now(),
		events.StatusUpdatedPayload{
			ParticipantID: rec.ParticipantID,
			Status:        string(rec.Status),
			Reason:        reason,
			UpdatedAt:     t.clock.Now(),
		}))
}

// stopAndDrainTimer safely stops a timer and drains its channel so the
// waiting goroutine cannot observe a stale fire.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// pruneOld drops timestamps before cutoff from a sorted slice.
func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
