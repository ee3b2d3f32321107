package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Frohrer/codux/internal/common/mq"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

// FinalEventType marks a finished job event.
const FinalEventType = "job.final"

// FinalEvent is the payload published when a job finishes.
type FinalEvent struct {
	Type      string `json:"type"`
	Entry     Entry  `json:"entry"`
	CreatedAt int64  `json:"created_at"`
}

// MQEventPublisher publishes final job events to a message queue.
type MQEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQEventPublisher creates a publisher for topic.
func NewMQEventPublisher(producer mq.Producer, topic string) *MQEventPublisher {
	return &MQEventPublisher{producer: producer, topic: topic}
}

// PublishFinal publishes entry keyed by job id.
func (p *MQEventPublisher) PublishFinal(ctx context.Context, entry Entry) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	if entry.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	payload, err := json.Marshal(FinalEvent{Type: FinalEventType, Entry: entry, CreatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal final event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = entry.ID
	message.SetHeader("status", string(entry.Status))
	message.SetHeader("language", entry.Language)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish final event failed")
	}
	return nil
}
