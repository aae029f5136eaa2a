package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/api"
	"carelink-realtime/pkg/chat"
	"carelink-realtime/pkg/config"
	"carelink-realtime/pkg/connection"
	"carelink-realtime/pkg/emergency"
	"carelink-realtime/pkg/events"
	"carelink-realtime/pkg/handlers"
	"carelink-realtime/pkg/identity"
	"carelink-realtime/pkg/metrics"
	"carelink-realtime/pkg/models"
	redisClient "carelink-realtime/pkg/redis"
	"carelink-realtime/pkg/reminder"
	"carelink-realtime/pkg/server"
	"carelink-realtime/pkg/signaling"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("client_id", cfg.ClientID).Info("Starting carelink realtime client")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := metrics.NewMetrics(registry)
	clock := clockwork.NewRealClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiClient := api.NewClient(cfg.APIBaseURL, cfg.AuthToken, cfg.HTTPTimeout(), logger, metrics)
	resolver := identity.NewResolver(apiClient, logger)

	currentUser := func(ctx context.Context) (models.Profile, error) {
		if cfg.AuthToken == "" && cfg.Username != "" {
			return models.Profile{ID: cfg.Username, Username: cfg.Username}, nil
		}
		return resolver.Resolve(ctx, apiClient.Token())
	}

	username := cfg.Username
	if username == "" {
		profile, err := currentUser(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Failed to resolve user identity")
		}
		username = profile.Username
	}
	logger.WithField("username", username).Info("Resolved user identity")

	// Reminder records live in Redis when configured so that every client of
	// the same user shares them.
	var store reminder.Store = reminder.NewMemoryStore()
	var redisPinger handlers.Pinger
	if cfg.RedisURL != "" {
		redis, err := redisClient.NewClient(ctx, redisClient.DefaultConnectionConfig(cfg.RedisURL), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
		store = reminder.NewRedisStore(redis.Raw(), username, logger, metrics)
		redisPinger = redis
	}

	router := events.NewRouter(logger, metrics)
	conn := connection.NewManager(connection.OptionsFromConfig(cfg), router, clock, logger, metrics)

	presence := chat.NewPresence(router, logger)
	presence.Start()
	messenger := chat.NewMessenger(username, conn, 0, clock, logger)

	router.On(events.TypeTopic(models.TypeConversationUpdated), func(d events.Delivery) {
		logger.WithField("conversation_id", d.Envelope.ConversationID).Debug("Conversation updated")
	})

	calls := signaling.NewManager(signaling.Options{
		Self:        username,
		RingTimeout: cfg.RingTimeout(),
	}, conn, router, signaling.Hooks{
		OnIncomingCall: func(call models.CallSession) {
			logger.WithFields(logrus.Fields{
				"conversation_id": call.ConversationID,
				"caller":          call.PeerUsername,
				"media":           call.Media,
			}).Info("Incoming call")
		},
		OnCallEnded: func(call models.CallSession, reason string) {
			logger.WithFields(logrus.Fields{
				"conversation_id": call.ConversationID,
				"phase":           call.Phase,
				"reason":          reason,
			}).Info("Call ended")
		},
	}, clock, logger, metrics)
	calls.Start()

	var locator emergency.FixedLocation
	if lat, lon, ok := cfg.FixedLocation(); ok {
		locator.Point = &models.GeoPoint{Latitude: lat, Longitude: lon}
	}

	alerts := emergency.NewController(emergency.Deps{
		Alerts:        apiClient,
		Conversations: apiClient,
		CurrentUser:   currentUser,
		Recorder:      emergency.NoRecorder{},
		Locator:       locator,
		Calls:         calls,
	}, emergency.Options{
		CountdownSeconds:    cfg.CountdownSeconds,
		LocationTimeout:     cfg.LocationTimeout(),
		CollaboratorTimeout: cfg.HTTPTimeout(),
	}, emergency.Hooks{
		OnCountdown: func(remaining int) {
			logger.WithField("remaining", remaining).Warn("Emergency alert countdown")
		},
	}, clock, logger, metrics)

	scheduler := reminder.NewScheduler(apiClient, store, reminder.LogNotifier{Logger: logger}, reminder.Options{
		PollInterval:    cfg.ReminderPollInterval(),
		RefreshInterval: cfg.ScheduleRefreshInterval(),
		Location:        cfg.Location(),
	}, clock, logger, metrics)
	scheduler.Start(ctx)

	if err := conn.Connect(ctx, username); err != nil {
		logger.WithError(err).Warn("Initial connection failed, retrying in background")
	}

	handler := handlers.NewHandler(handlers.Deps{
		Connection: conn,
		Calls:      calls,
		Alerts:     alerts,
		Reminders:  scheduler,
		Messages:   messenger,
		Online:     presence.Online,
		Redis:      redisPinger,
	}, logger)
	srv := server.NewHTTPServer(cfg.DiagnosticsPort, handler, registry, logger)

	go func() {
		logger.WithField("port", cfg.DiagnosticsPort).Info("Starting diagnostics server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Diagnostics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	alerts.Close(shutdownCtx)
	scheduler.Stop()
	calls.Stop()
	presence.Stop()
	messenger.Close()
	conn.Disconnect()
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown diagnostics server gracefully")
	}

	logger.Info("Carelink realtime client shutdown complete")
}
