package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mockmate/coaching-session-engine/internal/call"
	"github.com/mockmate/coaching-session-engine/internal/notifier"
	"github.com/mockmate/coaching-session-engine/internal/recording"
	"github.com/mockmate/coaching-session-engine/internal/session"
)

type RouterConfig struct {
	Sessions  *session.Service
	Calls     *call.Manager
	Recording *recording.Pipeline
	Registry  *notifier.Registry
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Logger    *zap.Logger
	URLTTL    time.Duration
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Signed-token downloads carry their own credential.
	r.Get("/recordings/download", downloadRecordingHandler(cfg.Recording))

	// Everything else requires an authenticated identity.
	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)

		r.Get("/experts/{id}/slots", availabilityHandler(cfg.Sessions))

		r.Post("/sessions", reserveHandler(cfg.Sessions))
		r.Get("/sessions", listSessionsHandler(cfg.Sessions))
		r.Get("/sessions/{id}", getSessionHandler(cfg.Sessions))
		r.Post("/sessions/{id}/cancel", cancelSessionHandler(cfg.Sessions))
		r.Post("/sessions/{id}/reschedule", rescheduleSessionHandler(cfg.Sessions))
		r.Post("/sessions/{id}/status", forceStatusHandler(cfg.Sessions))
		r.Get("/sessions/{id}/recording", recordingURLHandler(cfg.Sessions, cfg.Recording, cfg.URLTTL))

		r.Get("/events", eventsHandler(cfg.Registry))

		r.Post("/calls/{meetingID}/join", joinCallHandler(cfg.Calls))
		r.Post("/calls/{meetingID}/leave", leaveCallHandler(cfg.Calls))
		r.Post("/calls/{meetingID}/end", endCallHandler(cfg.Calls))
		r.Post("/calls/{meetingID}/signal", signalHandler(cfg.Calls))
		r.Post("/calls/{meetingID}/heartbeat", heartbeatHandler(cfg.Calls))
		r.Post("/calls/{meetingID}/media", mediaChunkHandler(cfg.Calls, cfg.Recording))
	})

	return r
}
