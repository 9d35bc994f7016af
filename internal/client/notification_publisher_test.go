package client

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/workflow"
)

type published struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	msgs []published
	err  error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func testRequest() *repository.ApprovalRequest {
	return &repository.ApprovalRequest{
		ID:          "req-1",
		SubjectID:   "exp-1",
		RequesterID: "sam",
		CurrentStep: 2,
		Status:      repository.StatusPending,
		UpdatedAt:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNotificationPublisher_Publish(t *testing.T) {
	fake := &fakeNATS{}
	p := &NotificationPublisher{nats: fake, prefix: "notifications.approval", log: zerolog.Nop()}

	p.PublishApprovalEvent(context.Background(), workflow.EventStepAdvanced, testRequest(), "mia", []string{"eve"})

	require.Len(t, fake.msgs, 1)
	assert.Equal(t, "notifications.approval.step_advanced", fake.msgs[0].subject)

	var event NotificationEvent
	require.NoError(t, json.Unmarshal(fake.msgs[0].data, &event))
	assert.Equal(t, "step_advanced", event.EventType)
	assert.Equal(t, "mia", event.ActorID)
	assert.Equal(t, []string{"eve"}, event.Recipients)
	assert.Equal(t, "approval_request", event.ResourceType)
	assert.Equal(t, "req-1", event.ResourceID)
	assert.True(t, event.IsActionable)
	assert.Equal(t, "exp-1", event.Payload["subject_id"])
	assert.EqualValues(t, 2, event.Payload["current_step"])
}

func TestNotificationPublisher_Skips(t *testing.T) {
	fake := &fakeNATS{}
	p := &NotificationPublisher{nats: fake, prefix: "n", log: zerolog.Nop()}

	p.PublishApprovalEvent(context.Background(), workflow.EventNone, testRequest(), "mia", []string{"eve"})
	p.PublishApprovalEvent(context.Background(), workflow.EventApproved, testRequest(), "mia", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.PublishApprovalEvent(ctx, workflow.EventApproved, testRequest(), "mia", []string{"sam"})

	assert.Empty(t, fake.msgs)

	disabled := NewNotificationPublisher(nil, "n", zerolog.Nop())
	assert.NotPanics(t, func() {
		disabled.PublishApprovalEvent(context.Background(), workflow.EventApproved, testRequest(), "mia", []string{"sam"})
	})
}

func TestNotificationPublisher_FailureIsNonFatal(t *testing.T) {
	fake := &fakeNATS{err: fmt.Errorf("nats: connection closed")}
	p := &NotificationPublisher{nats: fake, log: zerolog.Nop()}

	assert.NotPanics(t, func() {
		p.PublishApprovalEvent(context.Background(), workflow.EventRejected, testRequest(), "mia", []string{"sam"})
	})
	assert.Equal(t, "request_rejected", p.subject(workflow.EventRejected))
}
