/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the checkout-service needs. The store is the single source of truth for
 * session state; all state transitions are conditional writes keyed on the current
 * status so that concurrent writers resolve to exactly one winner.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/checkout-service/internal/domain"
)

var (
	ErrSessionNotFound      = errors.New("payment session not found")
	ErrMerchantNotFound     = errors.New("merchant not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrSessionNotPending    = errors.New("payment session is no longer pending")
	ErrDuplicateTransaction = errors.New("transaction hash already recorded")
	ErrInvalidTransition    = errors.New("invalid session status transition")
)

// Repository defines the set of methods for interacting with the session store.
type Repository interface {
	EnsureSchema(ctx context.Context) error

	// Merchant methods (merchants are managed by another service; read only here)
	GetMerchant(ctx context.Context, merchantID string) (*domain.Merchant, error)

	// Session methods
	CreateSession(ctx context.Context, session *domain.PaymentSession) error
	GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error)
	FindPendingSessionsForTransfer(ctx context.Context, params FindPendingParams) ([]domain.PaymentSession, error)
	FindExpiredPendingSessions(ctx context.Context, now time.Time, limit int) ([]domain.PaymentSession, error)
	ListPendingRecipients(ctx context.Context, now time.Time) ([]string, error)
	ListUndeliveredSessions(ctx context.Context, merchantID string, limit int) ([]domain.PaymentSession, error)

	// State transitions. Each is a compare-and-swap on status.
	MarkSessionPaid(ctx context.Context, params MarkPaidParams) (*domain.PaymentSession, error)
	ExpireSession(ctx context.Context, sessionID string, now time.Time) (*domain.PaymentSession, error)
	MarkSessionRefunded(ctx context.Context, sessionID string) (*domain.PaymentSession, error)

	// Webhook bookkeeping
	RecordWebhookAttempt(ctx context.Context, sessionID string, delivered bool, attemptedAt time.Time) error

	// Transaction methods
	FindTransactionByHash(ctx context.Context, txHash string) (*domain.Transaction, error)
}

// FindPendingParams selects pending sessions a transfer could satisfy.
type FindPendingParams struct {
	RecipientAddress string
	AmountUnits      string
	Currency         string
	Now              time.Time
}

// MarkPaidParams carries the matched transfer into the pending -> paid transition.
type MarkPaidParams struct {
	SessionID string
	Transfer  domain.TransferEvent
	Amount    string
	PaidAt    time.Time
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
