/**
 * @description
 * The reconciler maps ledger transfers onto pending payment sessions. Every ingestion
 * path (live subscription, scheduled backfill, on-demand verification) funnels into
 * MatchTransfer, so a transfer seen several times through different paths resolves
 * to the same single outcome.
 *
 * @notes
 * - Correctness rests on the store: the pending -> paid transition is conditional on
 *   status and deadline, and the transaction hash is unique.
 * - A transfer satisfies at most one session. Candidates are tried oldest first and
 *   the loop stops at the first winner.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/internal/store"
	"github.com/transfa/checkout-service/pkg/rabbitmq"
)

// TransferSource identifies which ingestion path observed a transfer.
type TransferSource string

const (
	SourceLive     TransferSource = "live"
	SourceBackfill TransferSource = "backfill"
	SourceVerify   TransferSource = "verify"
)

// MatchOutcome is the definite result of reconciling one transfer.
type MatchOutcome string

const (
	OutcomeTransitioned MatchOutcome = "transitioned"
	OutcomeDuplicate    MatchOutcome = "duplicate"
	OutcomeUnmatched    MatchOutcome = "unmatched"
	OutcomeUnconfirmed  MatchOutcome = "unconfirmed"
	OutcomeNotWatched   MatchOutcome = "not_watched"
	OutcomeError        MatchOutcome = "error"
)

// MatchResult reports what happened to a transfer. SessionID is set when a session
// transitioned.
type MatchResult struct {
	Outcome   MatchOutcome
	SessionID string
	Err       error
}

// HeadSource reports the current ledger head.
type HeadSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
}

// Notifier schedules a webhook delivery without blocking the caller.
type Notifier interface {
	Enqueue(sessionID string, event domain.WebhookEvent)
}

// ReconcilerConfig holds the matching parameters.
type ReconcilerConfig struct {
	AssetSymbol           string
	TokenDecimals         int32
	LiveConfirmationDepth uint64
	BackfillConfirmations uint64
}

// Reconciler owns the transfer matching logic.
type Reconciler struct {
	repo      store.Repository
	head      HeadSource
	notifier  Notifier
	publisher rabbitmq.Publisher
	logger    *slog.Logger
	config    ReconcilerConfig
	now       func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(repo store.Repository, head HeadSource, notifier Notifier, publisher rabbitmq.Publisher, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		repo:      repo,
		head:      head,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
	}
}

func (r *Reconciler) confirmationDepth(source TransferSource) uint64 {
	if source == SourceBackfill {
		return r.config.BackfillConfirmations
	}
	return r.config.LiveConfirmationDepth
}

// MatchTransfer reconciles a single transfer. It never panics and always returns a
// definite outcome; store or ledger failures surface as OutcomeError.
func (r *Reconciler) MatchTransfer(ctx context.Context, event domain.TransferEvent, source TransferSource) MatchResult {
	log := r.logger.With("tx_hash", event.TxHash, "block", event.BlockNumber, "source", string(source))

	if event.Value == nil || event.Value.Sign() <= 0 {
		return MatchResult{Outcome: OutcomeUnmatched}
	}

	if depth := r.confirmationDepth(source); depth > 0 {
		head, err := r.head.HeadBlock(ctx)
		if err != nil {
			log.Warn("failed to read ledger head for confirmation check", "error", err)
			return MatchResult{Outcome: OutcomeError, Err: err}
		}
		if head < event.BlockNumber || head-event.BlockNumber < depth {
			log.Debug("transfer below confirmation depth", "head", head, "depth", depth)
			return MatchResult{Outcome: OutcomeUnconfirmed}
		}
	}

	// Replays (same hash through another path, or a reconnect overlap) stop here.
	if _, err := r.repo.FindTransactionByHash(ctx, event.TxHash); err == nil {
		return MatchResult{Outcome: OutcomeDuplicate}
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		log.Error("failed to look up transaction hash", "error", err)
		return MatchResult{Outcome: OutcomeError, Err: err}
	}

	amount := domain.FromBaseUnits(event.Value, r.config.TokenDecimals)
	now := r.now()
	candidates, err := r.repo.FindPendingSessionsForTransfer(ctx, store.FindPendingParams{
		RecipientAddress: domain.NormalizeAddress(event.To),
		AmountUnits:      event.Value.String(),
		Currency:         r.config.AssetSymbol,
		Now:              now,
	})
	if err != nil {
		log.Error("failed to query pending sessions", "error", err)
		return MatchResult{Outcome: OutcomeError, Err: err}
	}
	if len(candidates) == 0 {
		log.Info("transfer matched no pending session", "to", event.To, "amount", amount.String())
		return MatchResult{Outcome: OutcomeUnmatched}
	}

	for _, candidate := range candidates {
		session, err := r.repo.MarkSessionPaid(ctx, store.MarkPaidParams{
			SessionID: candidate.ID,
			Transfer:  event,
			Amount:    amount.String(),
			PaidAt:    now,
		})
		switch {
		case err == nil:
			log.Info("payment session paid", "session_id", session.ID, "merchant_id", session.MerchantID)
			r.notifier.Enqueue(session.ID, domain.WebhookEventPaid)
			publishPaymentFact(ctx, r.publisher, r.logger, session, rabbitmq.RoutingKeyPaymentPaid, now)
			return MatchResult{Outcome: OutcomeTransitioned, SessionID: session.ID}
		case errors.Is(err, store.ErrSessionNotPending):
			// Another writer (a concurrent match or the expiry sweeper) got there first.
			log.Debug("candidate no longer pending", "session_id", candidate.ID)
			continue
		case errors.Is(err, store.ErrDuplicateTransaction):
			return MatchResult{Outcome: OutcomeDuplicate}
		default:
			log.Error("failed to mark session paid", "session_id", candidate.ID, "error", err)
			return MatchResult{Outcome: OutcomeError, Err: err}
		}
	}

	log.Info("every candidate session left pending before the transfer could be applied", "candidates", len(candidates))
	return MatchResult{Outcome: OutcomeUnmatched}
}
