// Package relay publishes session continuity events to NATS JetStream so
// other services (matchmaking, notifications, analytics) can react to
// pauses and continuation decisions.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/awpearlm/rummikub-backend-sub001/internal/events"
)

// Publisher emits continuity events onto a JetStream stream. It satisfies
// events.Emitter so it can sit behind a MultiEmitter alongside the gateway.
type Publisher struct {
	nc            *nats.Conn
	js            jetstream.JetStream
	streamName    string
	subjectPrefix string
}

// Config holds NATS connection settings for the relay.
type Config struct {
	URL           string
	StreamName    string
	SubjectPrefix string
}

// NewPublisher connects to NATS and ensures the continuity stream exists.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	p := &Publisher{
		nc:            nc,
		js:            js,
		streamName:    cfg.StreamName,
		subjectPrefix: cfg.SubjectPrefix,
	}

	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	_, err := p.js.Stream(ctx, p.streamName)
	if err == nil {
		return nil
	}

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      p.streamName,
		Subjects:  []string{p.subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", p.streamName, err)
	}

	log.Info().Str("stream", p.streamName).Msg("created jetstream stream")
	return nil
}

// Emit publishes the event. The event ID doubles as the JetStream message
// ID so redeliveries after reconnect dedupe on the server side. Publish
// failures are logged and swallowed; the relay is best-effort and must not
// block pause handling.
func (p *Publisher) Emit(ctx context.Context, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to marshal event for relay")
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", p.subjectPrefix, event.SessionID, event.Type)
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		log.Error().Err(err).
			Str("subject", subject).
			Str("event_id", event.ID).
			Msg("failed to publish continuity event")
		return
	}

	log.Debug().
		Str("subject", subject).
		Str("event_type", string(event.Type)).
		Msg("published continuity event")
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
