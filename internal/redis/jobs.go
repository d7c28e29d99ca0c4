package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type JobType string

const (
	JobExpireAppointment JobType = "appointment.expire"
)

// Job is a one-shot deferred task.
type Job struct {
	ID            uuid.UUID `json:"id"`
	Type          JobType   `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	FireAt        time.Time `json:"fire_at"`

	raw string
}

// JobQueue is a durable deferred job queue. Pending jobs live in a sorted set
// scored by fire time; claimed jobs move to a processing set scored by their
// lease deadline and return to pending if not acked in time, which gives
// at-least-once delivery across worker restarts.
type JobQueue struct {
	client     *redis.Client
	pending    string
	processing string
	visibility time.Duration
}

func NewJobQueue(client *redis.Client, visibility time.Duration) *JobQueue {
	return &JobQueue{
		client:     client,
		pending:    "jobs:deferred:pending",
		processing: "jobs:deferred:processing",
		visibility: visibility,
	}
}

func (q *JobQueue) ScheduleOnce(ctx context.Context, job Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	err = q.client.ZAdd(ctx, q.pending, redis.Z{
		Score:  float64(job.FireAt.UnixMilli()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return nil
}

var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, m in ipairs(expired) do
  redis.call("ZREM", KEYS[2], m)
  redis.call("ZADD", KEYS[1], ARGV[1], m)
end
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for _, m in ipairs(due) do
  redis.call("ZREM", KEYS[1], m)
  redis.call("ZADD", KEYS[2], ARGV[2], m)
end
return due
`)

// ClaimDue leases up to limit jobs whose fire time has passed.
func (q *JobQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	members, err := claimScript.Run(ctx, q.client,
		[]string{q.pending, q.processing},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), limit,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	jobs := make([]Job, 0, len(members))
	for _, m := range members {
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			// Drop poison entries so they are not redelivered forever.
			_ = q.client.ZRem(ctx, q.processing, m).Err()
			continue
		}
		job.raw = m
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ack removes a finished job from the processing set.
func (q *JobQueue) Ack(ctx context.Context, job Job) error {
	if job.raw == "" {
		return fmt.Errorf("ack job %s: job was not claimed", job.ID)
	}
	if err := q.client.ZRem(ctx, q.processing, job.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Pending reports how many jobs wait to fire.
func (q *JobQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.pending).Result()
}
