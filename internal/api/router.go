package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Queue   QueueService
	Tickets TicketService
	Health  *HealthHandler
	Metrics http.Handler
	Logger  zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/tickets", func(r chi.Router) {
		r.Post("/", openTicketHandler(cfg.Tickets))
		r.Get("/{id}", getTicketHandler(cfg.Tickets))
		r.Post("/{id}/clinic-appointments", createClinicAppointmentHandler(cfg.Tickets))
	})
	r.Post("/dependent-appointments", createDependentAppointmentHandler(cfg.Tickets))

	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Get("/", getAppointmentHandler(cfg.Queue))
		r.Post("/admit", transitionHandler(cfg.Queue.Admit))
		r.Delete("/queue", transitionHandler(cfg.Queue.Remove))
		r.Post("/start", transitionHandler(cfg.Queue.Start))
		r.Post("/complete", transitionHandler(cfg.Queue.Complete))
		r.Post("/terminate", transitionHandler(cfg.Queue.Terminate))
		r.Post("/cancel", transitionHandler(cfg.Queue.Cancel))
		r.Post("/reschedule", rescheduleHandler(cfg.Queue))
		r.Post("/outcome", clinicOutcomeHandler(cfg.Tickets))
		r.Post("/result", testResultHandler(cfg.Tickets))
	})

	r.Post("/queues/swap", swapHandler(cfg.Queue))
	r.Get("/departments/{id}/queue", queueSnapshotHandler(cfg.Queue))

	return r
}
