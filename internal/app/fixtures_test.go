package app

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/internal/store"
)

const (
	testMerchantID = "m_1"
	testRecipient  = "0x00000000000000000000000000000000000000ab"
	testAsset      = "PYUSD"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T, webhookURL string) *store.SQLiteRepository {
	t.Helper()
	repo, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	merchant := domain.Merchant{ID: testMerchantID, APISecret: "sk_test"}
	if webhookURL != "" {
		secret := "whsec_test"
		merchant.WebhookURL = &webhookURL
		merchant.WebhookSecret = &secret
	}
	if err := repo.UpsertMerchant(ctx, merchant); err != nil {
		t.Fatalf("upsert merchant: %v", err)
	}
	return repo
}

func createPending(t *testing.T, repo store.Repository, id, amount string, createdAt, expiresAt time.Time) *domain.PaymentSession {
	t.Helper()
	value := decimal.RequireFromString(amount)
	units, err := domain.ToBaseUnits(value, 6)
	if err != nil {
		t.Fatalf("base units: %v", err)
	}
	session := &domain.PaymentSession{
		ID:               id,
		MerchantID:       testMerchantID,
		RecipientAddress: testRecipient,
		Amount:           value,
		AmountUnits:      units.String(),
		Currency:         testAsset,
		Status:           domain.SessionStatusPending,
		ExpiresAt:        expiresAt,
		CreatedAt:        createdAt,
	}
	if err := repo.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func transfer(hash string, units int64, block uint64) domain.TransferEvent {
	return domain.TransferEvent{
		From:        "0x00000000000000000000000000000000000000f1",
		To:          testRecipient,
		Value:       big.NewInt(units),
		TxHash:      hash,
		BlockNumber: block,
	}
}

type notification struct {
	SessionID string
	Event     domain.WebhookEvent
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) Enqueue(sessionID string, event domain.WebhookEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{SessionID: sessionID, Event: event})
}

func (n *recordingNotifier) Redeliver(ctx context.Context, sessionID string) error {
	return nil
}

func (n *recordingNotifier) snapshot() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.events...)
}

type recordingPublisher struct {
	mu    sync.Mutex
	facts []domain.PaymentFactEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *recordingPublisher) PublishPaymentFact(ctx context.Context, event domain.PaymentFactEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.facts = append(p.facts, event)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.facts))
	for _, fact := range p.facts {
		out = append(out, fact.EventType)
	}
	return out
}

type scanCall struct {
	To   string
	From uint64
	ToBl uint64
}

type ledgerStub struct {
	mu        sync.Mutex
	head      uint64
	headErr   error
	transfers []domain.TransferEvent
	scans     []scanCall
}

func (l *ledgerStub) HeadBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, l.headErr
}

func (l *ledgerStub) setHead(head uint64) {
	l.mu.Lock()
	l.head = head
	l.mu.Unlock()
}

func (l *ledgerStub) ScanTransfers(ctx context.Context, to string, fromBlock, toBlock uint64) ([]domain.TransferEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scans = append(l.scans, scanCall{To: to, From: fromBlock, ToBl: toBlock})
	var out []domain.TransferEvent
	for _, ev := range l.transfers {
		if domain.NormalizeAddress(ev.To) == domain.NormalizeAddress(to) && ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestReconciler(repo store.Repository, ledger HeadSource, notifier Notifier, publisher *recordingPublisher, liveDepth, backfillDepth uint64) *Reconciler {
	return NewReconciler(repo, ledger, notifier, publisher, testLogger(), ReconcilerConfig{
		AssetSymbol:           testAsset,
		TokenDecimals:         6,
		LiveConfirmationDepth: liveDepth,
		BackfillConfirmations: backfillDepth,
	})
}
