package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/awpearlm/rummikub-backend-sub001/internal/config"
	"github.com/awpearlm/rummikub-backend-sub001/internal/connection"
	"github.com/awpearlm/rummikub-backend-sub001/internal/events"
	"github.com/awpearlm/rummikub-backend-sub001/internal/gateway"
	"github.com/awpearlm/rummikub-backend-sub001/internal/pause"
	"github.com/awpearlm/rummikub-backend-sub001/internal/relay"
	"github.com/awpearlm/rummikub-backend-sub001/internal/store"
	"github.com/awpearlm/rummikub-backend-sub001/internal/turntimer"
)

// deferredEmitter lets the controller and tracker be constructed before
// the gateway they emit through exists.
type deferredEmitter struct {
	inner events.Emitter
}

func (d *deferredEmitter) Emit(ctx context.Context, ev events.Event) {
	if d.inner != nil {
		d.inner.Emit(ctx, ev)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()

	sessionStore := store.NewPostgresStore(pool)
	if err := sessionStore.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}

	clock := clockwork.NewRealClock()
	emitter := &deferredEmitter{}

	timers := turntimer.NewManager(sessionStore, clock, cfg.Continuity.DefaultTurnDurationMs)

	controller := pause.NewController(sessionStore, timers, clock, emitter, pause.Config{
		StandardGracePeriodMs: cfg.Continuity.StandardGracePeriodMs,
		ExtendedGracePeriodMs: cfg.Continuity.ExtendedGracePeriodMs,
	})

	tracker := connection.NewTracker(clock, emitter, controller, connection.Config{
		BackgroundingTolerance: cfg.Continuity.BackgroundingTolerance(),
		StandardGracePeriodMs:  cfg.Continuity.StandardGracePeriodMs,
		ExtendedGracePeriodMs:  cfg.Continuity.ExtendedGracePeriodMs,
	})
	controller.SetConnectionMarker(tracker)

	gw := gateway.New(gateway.DefaultConfig(), tracker, controller)

	sinks := events.MultiEmitter{gw}
	var publisher *relay.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = relay.NewPublisher(ctx, relay.Config{
			URL:           cfg.NATS.URL,
			StreamName:    cfg.NATS.StreamName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create relay publisher")
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	} else {
		log.Info().Msg("NATS_URL not set, relay disabled")
	}
	emitter.inner = sinks

	go gw.Start(ctx)

	server := setupServer(cfg.Server.Addr, gw)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("continuity server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	controller.Shutdown()
	tracker.Shutdown()
}

func setupServer(addr string, gw *gateway.Gateway) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	mux.HandleFunc("/ws", gw.HandleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(gw.Stats()); err != nil {
			log.Error().Err(err).Msg("failed to write stats response")
		}
	})

	handler := c.Handler(mux)

	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}
