package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/clock"
	redisclient "github.com/hackgods/hospital-patient-flow/internal/redis"
)

// JobScheduler enqueues durable one-shot jobs.
type JobScheduler interface {
	ScheduleOnce(ctx context.Context, job redisclient.Job) error
}

// Notifier hands patient notifications to the delivery side.
type Notifier interface {
	Enqueue(ctx context.Context, patientID uuid.UUID, msg redisclient.Notification) error
}

// CompletionHook is told about every completed appointment.
type CompletionHook interface {
	OnAppointmentCompleted(ctx context.Context, appt appointment.Appointment) error
}

// Config holds the timing rules of the engine.
type Config struct {
	AdmissionLeadTime time.Duration
	ExpiryGrace       time.Duration
	BackgroundTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AdmissionLeadTime <= 0 {
		c.AdmissionLeadTime = 12 * time.Hour
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = time.Minute
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = 10 * time.Second
	}
	return c
}

type options struct {
	Logger   zerolog.Logger
	Clock    clock.Clock
	Notifier Notifier
	Hook     CompletionHook
}

// Option applies configuration to the engine.
type Option func(*options)

func defaultOptions() options {
	return options{Logger: zerolog.Nop(), Clock: clock.System()}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock replaces the wall clock, mostly for tests and simulations.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithNotifier enables patient notifications on admission.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.Notifier = n
	}
}

// WithCompletionHook registers the listener for completed appointments.
func WithCompletionHook(h CompletionHook) Option {
	return func(o *options) {
		o.Hook = h
	}
}
