package connection

import (
	"context"
	"time"

	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
)

// NetworkType classifies the transport network a participant is on.
type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkUnstable NetworkType = "unstable"
	NetworkUnknown  NetworkType = "unknown"
)

// Quality is the rolling connection-quality label for a participant.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// TransportHandle identifies a live transport connection. The gateway's
// websocket connection satisfies this.
type TransportHandle interface {
	ID() string
}

// DeviceInfo is the optional device/network metadata supplied at
// registration time. Absent metadata defaults to non-mobile/unknown.
type DeviceInfo struct {
	UserAgent   string
	NetworkType string
}

// Metrics is a single latency/packet-loss measurement reported by the
// transport layer. Negative values are clamped, not rejected.
type Metrics struct {
	LatencyMs     float64
	PacketLossPct float64
}

// MetricsSample is one entry in a record's rolling quality history.
type MetricsSample struct {
	LatencyMs     float64
	PacketLossPct float64
	At            time.Time
}

// Record is the in-memory connection state for one live participant. It is
// owned by the Tracker; callers receive value copies.
type Record struct {
	ParticipantID string
	SessionID     string
	HandleID      string
	Status        models.ConnectionState
	IsMobile      bool
	DeviceClass   string
	NetworkType   NetworkType
	Quality       Quality
	ConnectedAt   time.Time
	LastSeen      time.Time

	history             []MetricsSample
	backgroundingEvents []time.Time
	pendingReason       string
}

// LossContext carries the connection classification the pause controller
// needs to size a grace period.
type LossContext struct {
	Quality     Quality
	IsMobile    bool
	NetworkType NetworkType
}

// ContinuityHook receives confirmed connection transitions. The session
// pause controller implements it; a nil hook means transitions are only
// logged and emitted.
type ContinuityHook interface {
	// HandleParticipantLost is invoked once a disconnection is confirmed,
	// after any backgrounding-tolerance window has run out.
	HandleParticipantLost(ctx context.Context, sessionID, participantID, reason string, loss LossContext)
	// HandleParticipantReturned is invoked when a previously absent
	// participant registers a fresh connection.
	HandleParticipantReturned(ctx context.Context, sessionID, participantID string)
}
