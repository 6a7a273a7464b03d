/**
 * @description
 * Outbound event shapes: the signed webhook payload delivered to merchant endpoints
 * and the internal payment fact published to RabbitMQ for other services (e.g. the
 * dispute workflow, which only consumes "payment succeeded" facts).
 */

package domain

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the event type carried in the payload and the event header.
type WebhookEvent string

const (
	WebhookEventPaid    WebhookEvent = "payment.paid"
	WebhookEventExpired WebhookEvent = "payment.expired"
	WebhookEventFailed  WebhookEvent = "payment.failed"
)

const webhookTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// WebhookEventForStatus maps a terminal status to the event that announces it.
func WebhookEventForStatus(status SessionStatus) (WebhookEvent, bool) {
	switch status {
	case SessionStatusPaid:
		return WebhookEventPaid, true
	case SessionStatusExpired:
		return WebhookEventExpired, true
	case SessionStatusFailed:
		return WebhookEventFailed, true
	default:
		return "", false
	}
}

// Status is the session status the event announces.
func (e WebhookEvent) Status() (SessionStatus, bool) {
	switch e {
	case WebhookEventPaid:
		return SessionStatusPaid, true
	case WebhookEventExpired:
		return SessionStatusExpired, true
	case WebhookEventFailed:
		return SessionStatusFailed, true
	default:
		return "", false
	}
}

// WebhookPayload is serialized with a fixed field order so the signed bytes are stable.
type WebhookPayload struct {
	Event       WebhookEvent `json:"event"`
	SessionID   string       `json:"sessionId"`
	MerchantID  string       `json:"merchantId"`
	Amount      json.Number  `json:"amount"`
	Currency    string       `json:"currency"`
	Status      string       `json:"status"`
	TxHash      *string      `json:"txHash"`
	BlockNumber *uint64      `json:"blockNumber"`
	Timestamp   string       `json:"timestamp"`
	Metadata    Metadata     `json:"metadata"`
}

// NewWebhookPayload builds the payload for a session at the given instant. The
// status is the one the event announces, even if the session moved on since
// (a paid session refunded before delivery still reports "paid").
func NewWebhookPayload(session *PaymentSession, event WebhookEvent, at time.Time) WebhookPayload {
	status, ok := event.Status()
	if !ok {
		status = session.Status
	}
	var metadata Metadata
	if len(session.Metadata) > 0 {
		metadata = session.Metadata
	}
	return WebhookPayload{
		Event:       event,
		SessionID:   session.ID,
		MerchantID:  session.MerchantID,
		Amount:      json.Number(session.Amount.String()),
		Currency:    session.Currency,
		Status:      string(status),
		TxHash:      session.TxHash,
		BlockNumber: session.BlockNumber,
		Timestamp:   at.UTC().Format(webhookTimestampLayout),
		Metadata:    metadata,
	}
}

// Marshal encodes the payload deterministically. encoding/json emits struct fields
// in declaration order and map keys sorted.
func (p WebhookPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// PaymentFactEvent is published on the checkout events exchange after a transition.
type PaymentFactEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	SessionID   string    `json:"session_id"`
	MerchantID  string    `json:"merchant_id"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	TxHash      *string   `json:"tx_hash,omitempty"`
	BlockNumber *uint64   `json:"block_number,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// WebhookRedeliveryCommand asks the dispatcher to retry a session's webhook out of band.
type WebhookRedeliveryCommand struct {
	SessionID   string `json:"session_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}
