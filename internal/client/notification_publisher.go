package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/workflow"
)

// natsPublisher is the part of *nats.Conn the publisher needs.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes approval lifecycle events to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>
// Event types: request_submitted, step_advanced, request_approved,
//              request_rejected, request_cancelled
//
// All publish operations are non-fatal: errors are logged and never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	nats   natsPublisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// ConnectNATS dials the NATS server with reconnects and logged connection
// state changes.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection makes every publish a no-op.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *NotificationPublisher {
	p := &NotificationPublisher{prefix: prefix, log: log}
	if conn != nil {
		p.nats = conn
	}
	return p
}

// PublishApprovalEvent publishes one lifecycle event for req.
func (p *NotificationPublisher) PublishApprovalEvent(
	ctx context.Context,
	event workflow.Event,
	req *repository.ApprovalRequest,
	actorID string,
	recipients []string,
) {
	if p.nats == nil || event == workflow.EventNone {
		return
	}
	if len(recipients) == 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	payload := &NotificationEvent{
		EventType:    string(event),
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   req.ID,
		IsActionable: event == workflow.EventSubmitted || event == workflow.EventStepAdvanced,
		Severity:     "info",
		Category:     "approval_routing",
		OccurredAt:   req.UpdatedAt,
		Payload: map[string]any{
			"subject_id":   req.SubjectID,
			"requester_id": req.RequesterID,
			"status":       string(req.Status),
			"current_step": req.CurrentStep,
		},
	}
	if event == workflow.EventRejected {
		payload.Severity = "warning"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", string(event)).Msg("notification: failed to marshal event")
		return
	}

	subject := p.subject(event)
	if err := p.nats.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", req.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", req.ID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}

func (p *NotificationPublisher) subject(event workflow.Event) string {
	if p.prefix == "" {
		return string(event)
	}
	return fmt.Sprintf("%s.%s", p.prefix, event)
}
