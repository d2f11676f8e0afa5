package client

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes disposition workflow events to NATS for
// consumption by the platform notification service. Events double as a
// cache-invalidation hint: list views listen and refetch instead of trusting
// event payloads for state.
//
// Subject convention: notifications.rm.<event_type>
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt workflow operations.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType     string                 `json:"event_type"`
	WorkPackageID string                 `json:"work_package_id"`
	ActorID       string                 `json:"actor_id"`
	Recipients    []string               `json:"recipients,omitempty"`
	Severity      string                 `json:"severity,omitempty"`
	Category      string                 `json:"category,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// Publish sends one work package event. Subject: notifications.rm.<eventType>
func (p *NotificationPublisher) Publish(eventType, workPackageID, actorID string, recipients []string, payload map[string]interface{}) {
	if p.conn == nil {
		return
	}

	event := &NotificationEvent{
		EventType:     eventType,
		WorkPackageID: workPackageID,
		ActorID:       actorID,
		Recipients:    recipients,
		Severity:      "info",
		Category:      "rm_disposition",
		Payload:       payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.rm.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("work_package_id", workPackageID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("work_package_id", workPackageID).
		Msg("notification: event published")
}
