package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/pkg/rabbitmq"
)

const publishTimeout = 5 * time.Second

// publishPaymentFact announces a session transition on the event bus. The store is
// already committed; a failed publish is logged and not retried.
func publishPaymentFact(ctx context.Context, publisher rabbitmq.Publisher, logger *slog.Logger, session *domain.PaymentSession, eventType string, at time.Time) {
	if publisher == nil {
		return
	}
	fact := domain.PaymentFactEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		SessionID:   session.ID,
		MerchantID:  session.MerchantID,
		Amount:      session.Amount.String(),
		Currency:    session.Currency,
		Status:      string(session.Status),
		TxHash:      session.TxHash,
		BlockNumber: session.BlockNumber,
		OccurredAt:  at.UTC(),
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := publisher.PublishPaymentFact(publishCtx, fact); err != nil {
		logger.Warn("failed to publish payment fact", "session_id", session.ID, "event_type", eventType, "error", err)
	}
}
