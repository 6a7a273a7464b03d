/**
 * @description
 * Scheduled job implementations: the backfill scan that recovers transfers the live
 * subscription missed, and the expiry sweeper that closes sessions past their
 * deadline. Both also keep the listener's watch set in step with the store.
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

const expirySweepBatchSize = 200

// TransferScanner reads historical transfers from the ledger.
type TransferScanner interface {
	HeadBlock(ctx context.Context) (uint64, error)
	ScanTransfers(ctx context.Context, to string, fromBlock, toBlock uint64) ([]domain.TransferEvent, error)
}

// ListenerSupervisor restarts the live listener after a disconnect.
type ListenerSupervisor interface {
	EnsureRunning(ctx context.Context) (bool, error)
}

// JobsConfig holds the scan parameters for the scheduled jobs.
type JobsConfig struct {
	BackfillWindowBlocks      uint64
	BackfillConfirmationDepth uint64
}

// BackfillReport summarizes one backfill run.
type BackfillReport struct {
	FromBlock  uint64
	ToBlock    uint64
	Recipients int
	Scanned    int
	Outcomes   map[MatchOutcome]int
}

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Candidates int
	Expired    int
	Skipped    int
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      store.Repository
	ledger    TransferScanner
	matcher   TransferMatcher
	notifier  Notifier
	publisher rabbitmq.Publisher
	watch     *WatchSet
	listener  ListenerSupervisor
	logger    *slog.Logger
	config    JobsConfig
	now       func() time.Time
}

// NewJobs creates a new Jobs runner. listener may be nil when the live path is disabled.
func NewJobs(repo store.Repository, ledger TransferScanner, matcher TransferMatcher, notifier Notifier, publisher rabbitmq.Publisher, watch *WatchSet, listener ListenerSupervisor, logger *slog.Logger, cfg JobsConfig) *Jobs {
	return &Jobs{
		repo:      repo,
		ledger:    ledger,
		matcher:   matcher,
		notifier:  notifier,
		publisher: publisher,
		watch:     watch,
		listener:  listener,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
	}
}

// RefreshWatchSet reloads the recipients of live pending sessions.
func (j *Jobs) RefreshWatchSet(ctx context.Context) error {
	since := j.watch.Generation()
	recipients, err := j.repo.ListPendingRecipients(ctx, j.now())
	if err != nil {
		return err
	}
	j.watch.Replace(since, recipients)
	return nil
}

// RunBackfill is the cron entry point for the backfill scan.
func (j *Jobs) RunBackfill() {
	j.logger.Info("starting backfill job")
	report, err := j.Backfill(context.Background())
	if err != nil {
		j.logger.Error("backfill job failed", "error", err)
		return
	}
	j.logger.Info("backfill job finished",
		"from_block", report.FromBlock,
		"to_block", report.ToBlock,
		"recipients", report.Recipients,
		"scanned", report.Scanned,
		"transitioned", report.Outcomes[OutcomeTransitioned],
		"duplicates", report.Outcomes[OutcomeDuplicate],
		"errors", report.Outcomes[OutcomeError],
	)
}

// Backfill scans [head-window, head-depth] for every watched recipient and runs each
// transfer through the matcher. It also restarts the live listener if it dropped.
func (j *Jobs) Backfill(ctx context.Context) (BackfillReport, error) {
	report := BackfillReport{Outcomes: make(map[MatchOutcome]int)}

	if j.listener != nil {
		restarted, err := j.listener.EnsureRunning(context.WithoutCancel(ctx))
		if err != nil {
			j.logger.Warn("failed to restart ledger listener", "error", err)
		} else if restarted {
			j.logger.Info("ledger listener resubscribed")
		}
	}

	if err := j.RefreshWatchSet(ctx); err != nil {
		return report, err
	}
	recipients := j.watch.Snapshot()
	report.Recipients = len(recipients)
	if len(recipients) == 0 {
		return report, nil
	}

	head, err := j.ledger.HeadBlock(ctx)
	if err != nil {
		return report, err
	}
	if head < j.config.BackfillConfirmationDepth {
		return report, nil
	}
	report.ToBlock = head - j.config.BackfillConfirmationDepth
	if head > j.config.BackfillWindowBlocks {
		report.FromBlock = head - j.config.BackfillWindowBlocks
	}
	if report.FromBlock > report.ToBlock {
		return report, nil
	}

	for _, recipient := range recipients {
		events, err := j.ledger.ScanTransfers(ctx, recipient, report.FromBlock, report.ToBlock)
		if err != nil {
			j.logger.Warn("backfill scan failed for recipient", "recipient", recipient, "error", err)
			report.Outcomes[OutcomeError]++
			continue
		}
		for _, event := range events {
			report.Scanned++
			result := j.matcher.MatchTransfer(ctx, event, SourceBackfill)
			report.Outcomes[result.Outcome]++
		}
	}
	return report, nil
}

// RunExpirySweep is the cron entry point for the expiry sweeper.
func (j *Jobs) RunExpirySweep() {
	report, err := j.SweepExpired(context.Background())
	if err != nil {
		j.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if report.Candidates > 0 {
		j.logger.Info("expiry sweep finished", "candidates", report.Candidates, "expired", report.Expired, "skipped", report.Skipped)
	}
}

// SweepExpired moves pending sessions past their deadline to expired. A session the
// reconciler paid in the meantime is skipped.
func (j *Jobs) SweepExpired(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := j.now()

	sessions, err := j.repo.FindExpiredPendingSessions(ctx, now, expirySweepBatchSize)
	if err != nil {
		return report, err
	}
	report.Candidates = len(sessions)

	for _, candidate := range sessions {
		session, err := j.repo.ExpireSession(ctx, candidate.ID, now)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotPending) {
				report.Skipped++
				continue
			}
			j.logger.Error("failed to expire session", "session_id", candidate.ID, "error", err)
			continue
		}
		report.Expired++
		j.logger.Info("payment session expired", "session_id", session.ID, "merchant_id", session.MerchantID)
		j.notifier.Enqueue(session.ID, domain.WebhookEventExpired)
		publishPaymentFact(ctx, j.publisher, j.logger, session, rabbitmq.RoutingKeyPaymentExpired, now)
	}

	if err := j.RefreshWatchSet(ctx); err != nil {
		j.logger.Warn("failed to refresh watch set", "error", err)
	}
	return report, nil
}
