// Package gateway is the websocket transport adapter. It owns connection
// pools per session, feeds transport-level signals into the connection
// tracker, and broadcasts continuity events back to session members.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/awpearlm/rummikub-backend-sub001/internal/connection"
	"github.com/awpearlm/rummikub-backend-sub001/internal/events"
	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
	"github.com/awpearlm/rummikub-backend-sub001/internal/pause"
)

// Gateway manages websocket connections for continuity sessions.
type Gateway struct {
	sessionConnections map[string]map[*Conn]bool
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	config   Config

	tracker *connection.Tracker
	votes   VoteSink

	broadcastCh chan broadcastMessage

	// per-session vote tallies, cleared when a decision is submitted
	tallies map[string]map[string]string
}

// VoteSink receives a continuation decision once every connected
// participant has voted. Satisfied by pause.Controller.
type VoteSink interface {
	ProcessContinuationDecision(ctx context.Context, sessionID, decision string, votes []models.ContinuationVote) (*pause.DecisionResult, error)
}

// Conn is a single websocket connection. Its ID identifies the transport
// handle to the connection tracker.
type Conn struct {
	id            string
	SessionID     string
	ParticipantID string
	ws            *websocket.Conn
	send          chan []byte
	gateway       *Gateway

	ConnectedAt time.Time
	LastPing    time.Time

	// set by readPump before it exits
	closeReason string
}

// ID implements connection.TransportHandle.
func (c *Conn) ID() string { return c.id }

// Config holds websocket tuning knobs.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	SessionID string
	Data      []byte
}

// DefaultConfig returns default websocket configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// New creates a gateway wired to the given tracker and vote sink.
func New(config Config, tracker *connection.Tracker, votes VoteSink) *Gateway {
	return &Gateway{
		sessionConnections: make(map[string]map[*Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		tracker:     tracker,
		votes:       votes,
		broadcastCh: make(chan broadcastMessage, 1000),
		tallies:     make(map[string]map[string]string),
	}
}

// Start processes broadcast messages until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	log.Info().Msg("gateway started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway shutting down")
			return
		case message := <-g.broadcastCh:
			g.handleBroadcast(message)
		}
	}
}

// HandleWS upgrades an HTTP request to a websocket connection. The client
// identifies itself with session_id and participant_id query parameters;
// device characteristics come from the User-Agent and X-Network-Type
// headers.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	participantID := r.URL.Query().Get("participant_id")
	if sessionID == "" || participantID == "" {
		http.Error(w, "session_id and participant_id are required", http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	conn := &Conn{
		id:            uuid.New().String(),
		SessionID:     sessionID,
		ParticipantID: participantID,
		ws:            ws,
		send:          make(chan []byte, 256),
		gateway:       g,
		ConnectedAt:   time.Now(),
		LastPing:      time.Now(),
	}

	g.register(conn)

	g.tracker.RegisterConnection(r.Context(), conn, sessionID, participantID, connection.DeviceInfo{
		UserAgent:   r.Header.Get("User-Agent"),
		NetworkType: r.Header.Get("X-Network-Type"),
	})

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.id).
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Msg("websocket connection established")
}

func (g *Gateway) register(conn *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sessionConnections[conn.SessionID] == nil {
		g.sessionConnections[conn.SessionID] = make(map[*Conn]bool)
	}
	g.sessionConnections[conn.SessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.id).
		Str("session_id", conn.SessionID).
		Int("total_connections", len(g.sessionConnections[conn.SessionID])).
		Msg("connection registered")
}

func (g *Gateway) unregister(conn *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	connections, exists := g.sessionConnections[conn.SessionID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	close(conn.send)

	if len(connections) == 0 {
		delete(g.sessionConnections, conn.SessionID)
	}

	log.Info().
		Str("connection_id", conn.id).
		Str("participant_id", conn.ParticipantID).
		Str("session_id", conn.SessionID).
		Msg("connection unregistered")
}

// Emit implements events.Emitter: every core event is broadcast to the
// members of its session.
func (g *Gateway) Emit(ctx context.Context, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to marshal event for broadcast")
		return
	}

	select {
	case g.broadcastCh <- broadcastMessage{SessionID: event.SessionID, Data: data}:
	default:
		log.Warn().Str("session_id", event.SessionID).Msg("broadcast channel full, dropping message")
	}
}

func (g *Gateway) handleBroadcast(message broadcastMessage) {
	g.mu.RLock()
	connections, exists := g.sessionConnections[message.SessionID]
	if !exists {
		g.mu.RUnlock()
		return
	}

	targets := make([]*Conn, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	g.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.send <- message.Data:
		default:
			log.Warn().
				Str("connection_id", conn.id).
				Str("participant_id", conn.ParticipantID).
				Msg("connection send buffer full, closing connection")
			g.unregister(conn)
			conn.ws.Close()
		}
	}
}

// ConnectedParticipants returns the distinct participant IDs with at least
// one live connection in the session.
func (g *Gateway) ConnectedParticipants(sessionID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for conn := range g.sessionConnections[sessionID] {
		if !seen[conn.ParticipantID] {
			seen[conn.ParticipantID] = true
			out = append(out, conn.ParticipantID)
		}
	}
	return out
}

// Stats returns counts of active connections per session.
func (g *Gateway) Stats() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	total := 0
	perSession := make(map[string]int)
	for sessionID, connections := range g.sessionConnections {
		perSession[sessionID] = len(connections)
		total += len(connections)
	}

	return map[string]interface{}{
		"total_connections":   total,
		"active_sessions":     len(g.sessionConnections),
		"session_connections": perSession,
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.gateway.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.gateway.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		reason := c.closeReason
		if reason == "" {
			reason = "transport error"
		}
		c.gateway.tracker.HandlePotentialDisconnection(context.Background(), c, reason)
		c.gateway.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.gateway.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.gateway.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.gateway.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.closeReason = disconnectReason(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected websocket close")
			}
			break
		}

		c.handleClientMessage(message)
		c.ws.SetReadDeadline(time.Now().Add(c.gateway.config.ReadTimeout))
	}
}

// disconnectReason maps a websocket read error to the transport reason
// string the connection tracker classifies on.
func disconnectReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return "client namespace disconnect"
	}
	if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
		return "transport close"
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return "ping timeout"
	}
	return "transport error"
}
