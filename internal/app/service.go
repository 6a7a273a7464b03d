/**
 * @description
 * This file contains the business logic for the checkout-service: creating payment
 * sessions, on-demand payment verification, refunds and administrative webhook
 * redelivery. State transitions go through the store's conditional writes, the same
 * ones the reconciler and the expiry sweeper use.
 *
 * @dependencies
 * - internal/store: For database interactions.
 * - internal/domain: For domain models.
 * - github.com/ethereum/go-ethereum/common: Address validation.
 */
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/internal/store"
	"github.com/transfa/checkout-service/pkg/rabbitmq"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive and within the asset precision")
	ErrInvalidCurrency  = errors.New("unsupported currency")
	ErrInvalidRecipient = errors.New("recipient must be a hex address")
	ErrInvalidTTL       = errors.New("expiry is outside the allowed range")
	ErrInvalidMetadata  = errors.New("metadata values must be primitives")
)

// RateLimitError is returned when a caller exceeded its verification budget.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %s", e.RetryAfter)
}

// Redeliverer triggers an administrative webhook retry.
type Redeliverer interface {
	Redeliver(ctx context.Context, sessionID string) error
}

// WebhookQueue is the dispatcher surface the service needs.
type WebhookQueue interface {
	Notifier
	Redeliverer
}

// ServiceConfig holds the session policy.
type ServiceConfig struct {
	AssetSymbol              string
	TokenDecimals            int32
	DefaultTTL               time.Duration
	MaxTTL                   time.Duration
	VerifyScanWindowBlocks   uint64
	VerifyRateLimitPerMinute int
}

// Service provides the session operations exposed over HTTP.
type Service struct {
	repo        store.Repository
	ledger      TransferScanner
	matcher     TransferMatcher
	watch       *WatchSet
	limiter     RateLimiter
	redeliverer Redeliverer
	publisher   rabbitmq.Publisher
	notifier    Notifier
	logger      *slog.Logger
	config      ServiceConfig
	now         func() time.Time
}

// NewService creates a new service. limiter may be nil to disable rate limiting.
func NewService(
	repo store.Repository,
	ledger TransferScanner,
	matcher TransferMatcher,
	watch *WatchSet,
	limiter RateLimiter,
	webhooks WebhookQueue,
	publisher rabbitmq.Publisher,
	logger *slog.Logger,
	cfg ServiceConfig,
) *Service {
	svc := &Service{
		repo:      repo,
		ledger:    ledger,
		matcher:   matcher,
		watch:     watch,
		limiter:   limiter,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
	}
	if webhooks != nil {
		svc.redeliverer = webhooks
		svc.notifier = webhooks
	}
	return svc
}

// NewSessionID returns an unguessable public session id.
func NewSessionID() string {
	id := uuid.New()
	return "cs_" + hex.EncodeToString(id[:])
}

// CreateSession validates the request and stores a new pending session.
func (s *Service) CreateSession(ctx context.Context, merchantID string, req domain.CreateSessionRequest) (*domain.PaymentSession, error) {
	merchantID = strings.TrimSpace(merchantID)
	if _, err := s.repo.GetMerchant(ctx, merchantID); err != nil {
		return nil, err
	}

	recipient := strings.TrimSpace(req.RecipientAddress)
	if !common.IsHexAddress(recipient) {
		return nil, ErrInvalidRecipient
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency != s.config.AssetSymbol {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCurrency, req.Currency)
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	units, err := domain.ToBaseUnits(req.Amount, s.config.TokenDecimals)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	ttl := s.config.DefaultTTL
	if req.ExpiresInMinutes != nil {
		ttl = time.Duration(*req.ExpiresInMinutes) * time.Minute
		if ttl <= 0 || (s.config.MaxTTL > 0 && ttl > s.config.MaxTTL) {
			return nil, ErrInvalidTTL
		}
	}

	now := s.now().UTC()
	session := &domain.PaymentSession{
		ID:               NewSessionID(),
		MerchantID:       merchantID,
		RecipientAddress: domain.NormalizeAddress(recipient),
		Amount:           req.Amount,
		AmountUnits:      units.String(),
		Currency:         currency,
		Description:      req.Description,
		Metadata:         req.Metadata,
		Status:           domain.SessionStatusPending,
		ExpiresAt:        now.Add(ttl),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// The head at creation bounds the on-demand scan. A ledger outage must not block
	// session creation; verification falls back to the configured window.
	if head, err := s.ledger.HeadBlock(ctx); err != nil {
		s.logger.Warn("could not read ledger head for new session", "error", err)
	} else {
		session.StartBlock = &head
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.watch.Add(session.RecipientAddress)

	s.logger.Info("payment session created",
		"session_id", session.ID,
		"merchant_id", merchantID,
		"amount", session.Amount.String(),
		"currency", currency,
		"expires_at", session.ExpiresAt,
	)
	return session, nil
}

// GetSession returns a session owned by the merchant.
func (s *Service) GetSession(ctx context.Context, merchantID, sessionID string) (*domain.PaymentSession, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if merchantID != "" && session.MerchantID != merchantID {
		return nil, store.ErrSessionNotFound
	}
	return session, nil
}

// VerifySessionPayment scans the ledger for a payment to a pending session and
// returns the session's resulting state. Terminal sessions are returned as-is.
func (s *Service) VerifySessionPayment(ctx context.Context, merchantID, sessionID string) (*domain.PaymentSession, error) {
	if s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, "verify_payment", sessionID, s.config.VerifyRateLimitPerMinute, time.Minute)
		if err != nil {
			s.logger.Warn("verify rate limiter unavailable; allowing request", "session_id", sessionID, "error", err)
		} else if !decision.Allowed {
			return nil, &RateLimitError{RetryAfter: decision.RetryAfter}
		}
	}

	session, err := s.GetSession(ctx, merchantID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return session, nil
	}

	head, err := s.ledger.HeadBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger head: %w", err)
	}
	var from uint64
	if session.StartBlock != nil {
		from = *session.StartBlock
	} else if head > s.config.VerifyScanWindowBlocks {
		from = head - s.config.VerifyScanWindowBlocks
	}

	events, err := s.ledger.ScanTransfers(ctx, session.RecipientAddress, from, head)
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	for _, event := range events {
		if event.Value == nil || event.Value.String() != session.AmountUnits {
			continue
		}
		result := s.matcher.MatchTransfer(ctx, event, SourceVerify)
		if result.Outcome == OutcomeTransitioned && result.SessionID == session.ID {
			break
		}
	}

	session, err = s.repo.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionStatusPending && session.IsExpiredAt(s.now()) {
		return s.expireNow(ctx, session)
	}
	return session, nil
}

func (s *Service) expireNow(ctx context.Context, session *domain.PaymentSession) (*domain.PaymentSession, error) {
	now := s.now()
	expired, err := s.repo.ExpireSession(ctx, session.ID, now)
	if errors.Is(err, store.ErrSessionNotPending) {
		return s.repo.GetSession(ctx, session.ID)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment session expired during verification", "session_id", expired.ID)
	if s.notifier != nil {
		s.notifier.Enqueue(expired.ID, domain.WebhookEventExpired)
	}
	publishPaymentFact(ctx, s.publisher, s.logger, expired, rabbitmq.RoutingKeyPaymentExpired, now)
	return expired, nil
}

// MarkSessionRefunded records a refund performed outside this service.
func (s *Service) MarkSessionRefunded(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	current, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(domain.SessionStatusRefunded) {
		s.logRejectedTransition(current, domain.SessionStatusRefunded)
		return nil, store.ErrInvalidTransition
	}

	session, err := s.repo.MarkSessionRefunded(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost a race with another writer; report the state it left behind.
			if latest, lookupErr := s.repo.GetSession(ctx, sessionID); lookupErr == nil {
				s.logRejectedTransition(latest, domain.SessionStatusRefunded)
			}
		}
		return nil, err
	}
	s.logger.Info("payment session refunded", "session_id", session.ID, "merchant_id", session.MerchantID)
	publishPaymentFact(ctx, s.publisher, s.logger, session, rabbitmq.RoutingKeyPaymentRefunded, s.now())
	return session, nil
}

func (s *Service) logRejectedTransition(session *domain.PaymentSession, to domain.SessionStatus) {
	s.logger.Warn("rejected invalid session status transition",
		"session_id", session.ID,
		"from", string(session.Status),
		"to", string(to),
	)
}

// ListUndelivered returns terminal sessions whose webhook was never acknowledged.
func (s *Service) ListUndelivered(ctx context.Context, merchantID string, limit int) ([]domain.PaymentSession, error) {
	sessions, err := s.repo.ListUndeliveredSessions(ctx, merchantID, limit)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []domain.PaymentSession{}
	}
	return sessions, nil
}

// RedeliverWebhook asks the dispatcher to send the session's outcome again.
func (s *Service) RedeliverWebhook(ctx context.Context, sessionID string) error {
	if s.redeliverer == nil {
		return ErrDispatcherStopped
	}
	return s.redeliverer.Redeliver(ctx, sessionID)
}
