package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carelink/telehealth-session-go/internal/clock"
	"github.com/carelink/telehealth-session-go/internal/config"
	"github.com/carelink/telehealth-session-go/internal/database"
	"github.com/carelink/telehealth-session-go/internal/governor"
	"github.com/carelink/telehealth-session-go/internal/handler"
	"github.com/carelink/telehealth-session-go/internal/jobs"
	"github.com/carelink/telehealth-session-go/internal/live"
	"github.com/carelink/telehealth-session-go/internal/middleware"
	"github.com/carelink/telehealth-session-go/internal/redis"
	"github.com/carelink/telehealth-session-go/internal/repository"
	"github.com/carelink/telehealth-session-go/internal/rtc"
	"github.com/carelink/telehealth-session-go/internal/service"
	"github.com/carelink/telehealth-session-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)
	appointmentRepo := repository.NewAppointmentRepository(db.DB)
	metricsRepo := repository.NewMetricsRepository(db.DB)
	consentRepo := repository.NewConsentRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	clk := clock.System{}
	registry := service.NewSessionRegistry(db, sessionRepo, appointmentRepo, clk)
	consentGate := service.NewConsentGate(consentRepo, clk)
	rateLimiter := service.NewRateLimiter(redisClient.Client)

	liveSessions := live.NewManager(live.Config{
		Policy: governor.Policy{
			Cap:              cfg.SessionCap(),
			WarningThreshold: cfg.WarningThreshold(),
			Extension:        cfg.Extension(),
			MaxExtensions:    cfg.MaxExtensions,
		},
		SampleInterval: cfg.MetricsInterval(),
		CheckInterval:  cfg.TimeoutCheckInterval(),
		WriteTimeout:   config.MetricsWriteTimeout,
	}, registry, consentGate, broker, metricsRepo, clk)
	defer liveSessions.Shutdown()

	rtcConfig := rtc.Config(cfg.STUNURLs)
	dial := func(sessionID, participantID string) (handler.PeerTransport, error) {
		return rtc.NewConnection(rtcConfig, sessionID, participantID)
	}

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	createLimitMiddleware := middleware.NewIPRateLimitMiddleware(
		rateLimiter, cfg.RateLimitPerMin, config.SessionCreateWindow, "session-create",
	)

	eventsHandler := handler.NewEventsHandler(broker, registry)
	sessionHandler := handler.NewSessionHandler(registry, liveSessions, consentGate, metricsRepo, dial, eventsHandler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"timestamp":    time.Now().UnixMilli(),
			"liveSessions": liveSessions.Active(),
			"sseClients":   broker.TotalClients(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		// Session routes include the SSE stream, which must outlive any
		// request deadline.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.With(createLimitMiddleware.Handler).
				Post("/appointments/{appointmentId}/session", sessionHandler.EnsureSession)
		})
		r.Mount("/sessions", sessionHandler.Routes())
	})

	sweepJob := jobs.NewSweepJob(
		registry, liveSessions, cfg.HardCeiling(), config.SweepJobInterval, clk.Now,
	)
	sweepJob.Start()
	defer sweepJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
