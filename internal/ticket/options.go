package ticket

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/clock"
)

type options struct {
	Logger            zerolog.Logger
	Clock             clock.Clock
	BackgroundTimeout time.Duration
}

// Option applies configuration to the manager.
type Option func(*options)

func defaultOptions() options {
	return options{
		Logger:            zerolog.Nop(),
		Clock:             clock.System(),
		BackgroundTimeout: 10 * time.Second,
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithBackgroundTimeout bounds closure evaluations started in the background.
func WithBackgroundTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.BackgroundTimeout = d
		}
	}
}
