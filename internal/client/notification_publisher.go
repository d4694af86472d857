// Package client holds outbound collaborator adapters.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ledgerly/be-om-lineedits/internal/repository"
	"github.com/ledgerly/be-om-lineedits/internal/rules"
)

// NotificationPublisher publishes approval workflow events to NATS for the
// notification service to fan out to approvers and requestors.
//
// Subject convention: notifications.om.<event_type>
// Event types: edit_approval_required, edit_approved, edit_rejected,
// edit_expired
//
// All publish operations are non-fatal. A notification that cannot be
// delivered is logged and dropped; it never interrupts the workflow.
type NotificationPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType        string         `json:"event_type"`
	ApprovalRecordID string         `json:"approval_record_id"`
	LineItemID       string         `json:"line_item_id"`
	RecipientRole    string         `json:"recipient_role,omitempty"`
	RecipientID      string         `json:"recipient_id,omitempty"`
	ApprovalLevel    int            `json:"approval_level,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher connects to NATS. A nil return with no error
// never happens; callers wanting notifications disabled pass url == "".
func NewNotificationPublisher(url string, log zerolog.Logger) (*NotificationPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("om-lineedits"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NotificationPublisher{nc: nc, log: log}, nil
}

// Close drains the connection.
func (p *NotificationPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// NotifyApprovers tells the approver queue for a role that a pending edit
// awaits decision. Subject: notifications.om.edit_approval_required
func (p *NotificationPublisher) NotifyApprovers(ctx context.Context, role string, level rules.ApprovalLevel, rec *repository.ApprovalRecord) {
	p.publish("edit_approval_required", &NotificationEvent{
		EventType:        "edit_approval_required",
		ApprovalRecordID: rec.ID,
		LineItemID:       rec.LineItemID,
		RecipientRole:    role,
		ApprovalLevel:    int(level),
		Payload: map[string]any{
			"triggered_rules": rec.TriggeredRules,
			"expires_at":      rec.ExpiresAt,
		},
	})
}

// NotifyRequestor tells the original submitter how their edit was decided.
// Subject: notifications.om.edit_<status>
func (p *NotificationPublisher) NotifyRequestor(ctx context.Context, requestorID string, rec *repository.ApprovalRecord) {
	eventType := "edit_" + string(rec.Status)
	p.publish(eventType, &NotificationEvent{
		EventType:        eventType,
		ApprovalRecordID: rec.ID,
		LineItemID:       rec.LineItemID,
		RecipientID:      requestorID,
		Payload: map[string]any{
			"reason": rec.Reason,
		},
	})
}

func (p *NotificationPublisher) publish(eventType string, event *NotificationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.om.%s", eventType)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("approval_record_id", event.ApprovalRecordID).
			Msg("notification: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("approval_record_id", event.ApprovalRecordID).
		Msg("notification: event published")
}

// NoopNotifier is used when NATS is not configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyApprovers(context.Context, string, rules.ApprovalLevel, *repository.ApprovalRecord) {
}
func (NoopNotifier) NotifyRequestor(context.Context, string, *repository.ApprovalRecord) {}
