package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Frohrer/codux/internal/common/mq"
	"github.com/Frohrer/codux/internal/runner/repository"
	appErr "github.com/Frohrer/codux/pkg/errors"
)

type fakeProducer struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if f.err != nil {
		return f.err
	}
	f.topic = topic
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := f.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestPublishFinalPayload(t *testing.T) {
	producer := &fakeProducer{}
	pub := repository.NewMQEventPublisher(producer, "codux.jobs.final")
	entry := repository.Entry{ID: "job-9", Language: "python", Status: repository.StatusSetupFailed}
	if err := pub.PublishFinal(context.Background(), entry); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if producer.topic != "codux.jobs.final" || len(producer.messages) != 1 {
		t.Fatalf("unexpected publish: topic=%s count=%d", producer.topic, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != "job-9" {
		t.Fatalf("message key should be the job id, got %s", msg.ID)
	}
	if status, _ := msg.GetHeader("status"); status != "setup-failed" {
		t.Fatalf("unexpected status header: %s", status)
	}
	var ev repository.FinalEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ev.Type != repository.FinalEventType || ev.Entry.ID != "job-9" {
		t.Fatalf("unexpected payload: %+v", ev)
	}
}

func TestPublishFinalErrors(t *testing.T) {
	pub := repository.NewMQEventPublisher(&fakeProducer{err: errors.New("broker down")}, "topic")
	err := pub.PublishFinal(context.Background(), repository.Entry{ID: "x"})
	if appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
	err = repository.NewMQEventPublisher(&fakeProducer{}, "").PublishFinal(context.Background(), repository.Entry{ID: "x"})
	if appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
}
