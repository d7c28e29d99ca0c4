package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	NotificationQueueAdmitted = "queue.admitted"
)

// Notification is a patient-facing message handed to the delivery side.
type Notification struct {
	Type          string
	AppointmentID uuid.UUID
	Payload       map[string]any
}

// StreamNotifier appends notifications to a capped Redis stream; delivery
// workers consume it independently.
type StreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamNotifier(client *redis.Client, stream string) *StreamNotifier {
	return &StreamNotifier{client: client, stream: stream, maxLen: 10000}
}

func (n *StreamNotifier) Enqueue(ctx context.Context, patientID uuid.UUID, msg Notification) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	err = n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"patient_id":     patientID.String(),
			"type":           msg.Type,
			"appointment_id": msg.AppointmentID.String(),
			"payload":        string(payload),
			"created_at":     time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue notification for patient %s: %w", patientID, err)
	}
	return nil
}
