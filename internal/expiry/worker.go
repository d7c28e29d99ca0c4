package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/clock"
	redisclient "github.com/hackgods/hospital-patient-flow/internal/redis"
)

// JobSource leases due jobs and acknowledges finished ones.
type JobSource interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]redisclient.Job, error)
	Ack(ctx context.Context, job redisclient.Job) error
}

// Expirer terminates appointments that overstayed.
type Expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
}

// Result summarizes one sweep.
type Result struct {
	Claimed int
	Expired int
	Skipped int
	Failed  int
}

// Worker sweeps the deferred job queue on a cron schedule and runs the expiry
// check for every due job. Jobs are acked only after they were handled, so a
// crash mid-sweep redelivers them once their lease runs out.
type Worker struct {
	jobs    JobSource
	expirer Expirer
	clock   clock.Clock
	log     zerolog.Logger

	batchSize int
	timeout   time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

type Option func(*Worker)

func WithLogger(l zerolog.Logger) Option {
	return func(w *Worker) {
		w.log = l
	}
}

func WithClock(c clock.Clock) Option {
	return func(w *Worker) {
		w.clock = c
	}
}

// WithBatchSize caps how many jobs one sweep claims.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithRunTimeout bounds a single sweep.
func WithRunTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func NewWorker(jobs JobSource, expirer Expirer, opts ...Option) *Worker {
	w := &Worker{
		jobs:      jobs,
		expirer:   expirer,
		clock:     clock.System(),
		log:       zerolog.Nop(),
		batchSize: 100,
		timeout:   20 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With().Str("component", "expiry-worker").Logger()
	return w
}

// RunOnce claims the due jobs and handles them.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	jobs, err := w.jobs.ClaimDue(ctx, w.clock.Now(), w.batchSize)
	if err != nil {
		return res, fmt.Errorf("claim due jobs: %w", err)
	}
	res.Claimed = len(jobs)

	for _, job := range jobs {
		logger := w.log.With().
			Str("job_id", job.ID.String()).
			Str("job_type", string(job.Type)).
			Str("appointment_id", job.AppointmentID.String()).
			Logger()

		switch job.Type {
		case redisclient.JobExpireAppointment:
			expired, err := w.expirer.Expire(ctx, job.AppointmentID)
			switch {
			case err == nil && expired:
				res.Expired++
			case err == nil:
				res.Skipped++
			case appointment.KindOf(err) == appointment.KindNotFound:
				logger.Warn().Err(err).Msg("appointment for expiry check no longer exists")
				res.Skipped++
			default:
				// Left unacked; the lease hands it out again.
				logger.Error().Err(err).Msg("expiry check failed")
				res.Failed++
				continue
			}
		default:
			logger.Warn().Msg("dropping job of unknown type")
			res.Skipped++
		}

		if err := w.jobs.Ack(ctx, job); err != nil {
			logger.Error().Err(err).Msg("failed to ack job")
		}
	}

	return res, nil
}

func (w *Worker) run(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	res, err := w.RunOnce(runCtx)
	if err != nil {
		w.log.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	if res.Claimed > 0 {
		w.log.Info().
			Int("claimed", res.Claimed).
			Int("expired", res.Expired).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Dur("took", time.Since(start)).
			Msg("expiry sweep complete")
	}
}

// Start runs a sweep immediately and then on every tick of spec. Overlapping
// sweeps are skipped.
func (w *Worker) Start(ctx context.Context, spec string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return fmt.Errorf("expiry worker already started")
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, func() { w.run(ctx) }); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", spec, err)
	}

	w.run(ctx)
	c.Start()
	w.cron = c
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
