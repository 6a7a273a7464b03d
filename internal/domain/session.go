/**
 * @description
 * This file defines the core domain models for the checkout-service: the payment
 * session (the unit of work a merchant creates and the ledger settles), its status
 * state machine, and the immutable transaction record produced by a successful match.
 *
 * @notes
 * - Amounts are held as shopspring decimals for display and as base-unit integer
 *   strings (`AmountUnits`) at the token's fixed precision. Matching only ever
 *   compares base units, never floating point values.
 * - Metadata is an opaque string -> primitive map that is passed through verbatim.
 */

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionStatus is the closed set of states a payment session can be in.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusPaid     SessionStatus = "paid"
	SessionStatusExpired  SessionStatus = "expired"
	SessionStatusFailed   SessionStatus = "failed"
	SessionStatusRefunded SessionStatus = "refunded"
)

// sessionTransitions lists every allowed edge of the session state machine.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {SessionStatusPaid, SessionStatusExpired},
	SessionStatusPaid:    {SessionStatusRefunded},
}

// ParseSessionStatus converts a stored status into a SessionStatus.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	status := SessionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case SessionStatusPending, SessionStatusPaid, SessionStatusExpired, SessionStatusFailed, SessionStatusRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("unknown session status %q", raw)
	}
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the session has left Pending.
func (s SessionStatus) IsTerminal() bool {
	return s != SessionStatusPending
}

// Metadata is passed through to webhooks without interpretation.
type Metadata map[string]any

// UnmarshalJSON keeps numbers as json.Number so large integers and exact decimals
// survive the round trip to storage and webhooks digit for digit.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	*m = raw
	return nil
}

// Validate rejects nested objects and arrays; only primitives are allowed.
func (m Metadata) Validate() error {
	for key, value := range m {
		switch value.(type) {
		case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		default:
			return fmt.Errorf("metadata key %q must hold a string, number, boolean or null", key)
		}
	}
	return nil
}

// PaymentSession represents a single payment request and maps to the
// `payment_sessions` table.
type PaymentSession struct {
	ID                 string          `json:"session_id"`
	MerchantID         string          `json:"merchant_id"`
	RecipientAddress   string          `json:"recipient_address"`
	Amount             decimal.Decimal `json:"amount"`
	AmountUnits        string          `json:"-"`
	Currency           string          `json:"currency"`
	Description        *string         `json:"description,omitempty"`
	Metadata           Metadata        `json:"metadata,omitempty"`
	Status             SessionStatus   `json:"status"`
	TxHash             *string         `json:"tx_hash,omitempty"`
	BlockNumber        *uint64         `json:"block_number,omitempty"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
	ExpiresAt          time.Time       `json:"expires_at"`
	StartBlock         *uint64         `json:"-"`
	WebhookAttempts    int             `json:"webhook_attempts"`
	WebhookLastAttempt *time.Time      `json:"webhook_last_attempt,omitempty"`
	WebhookDelivered   bool            `json:"webhook_delivered"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsExpiredAt reports whether the session deadline has passed at the given instant.
func (s *PaymentSession) IsExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

const TransactionStatusConfirmed = "confirmed"

// Transaction is the immutable audit record created exactly once per successful match.
// The tx_hash column is unique, which is what stops one transfer from crediting two sessions.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	TxHash      string          `json:"tx_hash"`
	SessionID   string          `json:"session_id"`
	MerchantID  string          `json:"merchant_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	AmountUnits string          `json:"-"`
	BlockNumber uint64          `json:"block_number"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      string          `json:"status"`
}

// CreateSessionRequest is the DTO for creating a payment session.
type CreateSessionRequest struct {
	RecipientAddress string          `json:"recipient_address"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Description      *string         `json:"description,omitempty"`
	Metadata         Metadata        `json:"metadata,omitempty"`
	ExpiresInMinutes *int            `json:"expires_in_minutes,omitempty"`
}
