package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/awpearlm/rummikub-backend-sub001/internal/connection"
	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
)

// clientMessage is the envelope for everything a client sends after the
// upgrade handshake.
type clientMessage struct {
	Type string `json:"type"`

	// metrics
	LatencyMs     float64 `json:"latency_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`

	// network_change
	NetworkType string `json:"network_type"`

	// vote
	Option string `json:"option"`
}

func (c *Conn) handleClientMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.id).
			Msg("discarding malformed client message")
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case "metrics":
		c.gateway.tracker.UpdateConnectionMetrics(ctx, c.ParticipantID, connection.Metrics{
			LatencyMs:     msg.LatencyMs,
			PacketLossPct: msg.PacketLossPct,
		})

	case "network_change":
		c.gateway.tracker.HandleNetworkTypeChange(ctx, c.ParticipantID, msg.NetworkType)

	case "vote":
		c.gateway.recordVote(ctx, c.SessionID, c.ParticipantID, msg.Option)

	default:
		log.Debug().
			Str("connection_id", c.id).
			Str("message_type", msg.Type).
			Msg("ignoring unknown client message type")
	}
}

// recordVote tallies a continuation vote. Once every connected participant
// in the session has voted, the plurality option is submitted as the
// decision; ties break toward the safer option order (skip_turn before
// substitute before end_session).
func (g *Gateway) recordVote(ctx context.Context, sessionID, participantID, option string) {
	if !validContinuationOption(option) {
		log.Warn().
			Str("session_id", sessionID).
			Str("participant_id", participantID).
			Str("option", option).
			Msg("discarding vote for unknown option")
		return
	}

	g.mu.Lock()
	if g.tallies[sessionID] == nil {
		g.tallies[sessionID] = make(map[string]string)
	}
	g.tallies[sessionID][participantID] = option
	tally := g.tallies[sessionID]

	connected := 0
	seen := make(map[string]bool)
	for conn := range g.sessionConnections[sessionID] {
		if !seen[conn.ParticipantID] {
			seen[conn.ParticipantID] = true
			connected++
		}
	}
	complete := connected > 0 && len(tally) >= connected

	var votes []models.ContinuationVote
	var decision string
	if complete {
		now := time.Now()
		for voter, opt := range tally {
			votes = append(votes, models.ContinuationVote{
				ParticipantID: voter,
				Option:        models.ContinuationOption(opt),
				CastAt:        now,
			})
		}
		decision = pluralityOption(tally)
		delete(g.tallies, sessionID)
	}
	g.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("option", option).
		Bool("complete", complete).
		Msg("continuation vote recorded")

	if !complete {
		return
	}

	if _, err := g.votes.ProcessContinuationDecision(ctx, sessionID, decision, votes); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("decision", decision).
			Msg("failed to process continuation decision")
	}
}

func validContinuationOption(option string) bool {
	for _, opt := range models.ContinuationChoices() {
		if string(opt) == option {
			return true
		}
	}
	return false
}

func pluralityOption(tally map[string]string) string {
	counts := make(map[string]int)
	for _, opt := range tally {
		counts[opt]++
	}

	best := ""
	bestCount := -1
	for _, opt := range models.ContinuationChoices() {
		if counts[string(opt)] > bestCount {
			best = string(opt)
			bestCount = counts[string(opt)]
		}
	}
	return best
}
