package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/internal/store"
)

func TestMatchTransfer_ScenarioA_PaysSession(t *testing.T) {
	repo := newTestRepo(t, "")
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	reconciler := newTestReconciler(repo, &ledgerStub{head: 100}, notifier, publisher, 0, 12)
	now := time.Now().UTC()
	createPending(t, repo, "cs_a", "25.00", now, now.Add(30*time.Minute))

	event := transfer("0xt1", 25_000_000, 100)
	event.To = "0x00000000000000000000000000000000000000AB"
	result := reconciler.MatchTransfer(context.Background(), event, SourceLive)
	if result.Outcome != OutcomeTransitioned || result.SessionID != "cs_a" {
		t.Fatalf("expected cs_a to transition, got %+v", result)
	}

	session, err := repo.GetSession(context.Background(), "cs_a")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != domain.SessionStatusPaid || session.TxHash == nil || *session.TxHash != "0xt1" {
		t.Fatalf("unexpected session state %+v", session)
	}
	if _, err := repo.FindTransactionByHash(context.Background(), "0xt1"); err != nil {
		t.Fatalf("expected transaction row, got %v", err)
	}

	events := notifier.snapshot()
	if len(events) != 1 || events[0].Event != domain.WebhookEventPaid {
		t.Fatalf("expected one payment.paid webhook, got %+v", events)
	}
	if types := publisher.eventTypes(); len(types) != 1 || types[0] != "payment.paid" {
		t.Fatalf("expected payment.paid fact, got %v", types)
	}
}

func TestMatchTransfer_ReplayIsIdempotent(t *testing.T) {
	repo := newTestRepo(t, "")
	notifier := &recordingNotifier{}
	ledger := &ledgerStub{head: 200}
	reconciler := newTestReconciler(repo, ledger, notifier, &recordingPublisher{}, 0, 12)
	now := time.Now().UTC()
	createPending(t, repo, "cs_1", "25", now, now.Add(time.Hour))
	createPending(t, repo, "cs_2", "25", now.Add(time.Second), now.Add(time.Hour))

	event := transfer("0xt1", 25_000_000, 100)
	if got := reconciler.MatchTransfer(context.Background(), event, SourceLive); got.Outcome != OutcomeTransitioned {
		t.Fatalf("first application should transition, got %+v", got)
	}
	// Same transfer through the backfill path (Scenario D).
	if got := reconciler.MatchTransfer(context.Background(), event, SourceBackfill); got.Outcome != OutcomeDuplicate {
		t.Fatalf("replay should be a duplicate, got %+v", got)
	}

	other, err := repo.GetSession(context.Background(), "cs_2")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if other.Status != domain.SessionStatusPending {
		t.Fatalf("replayed transfer must not pay a second session, got %s", other.Status)
	}
	if n := len(notifier.snapshot()); n != 1 {
		t.Fatalf("expected exactly one webhook, got %d", n)
	}
}

func TestMatchTransfer_ScenarioC_OneTransferPaysOneSession(t *testing.T) {
	repo := newTestRepo(t, "")
	reconciler := newTestReconciler(repo, &ledgerStub{}, &recordingNotifier{}, &recordingPublisher{}, 0, 0)
	now := time.Now().UTC()
	createPending(t, repo, "cs_first", "10.00", now.Add(-time.Minute), now.Add(time.Hour))
	createPending(t, repo, "cs_second", "10.00", now, now.Add(time.Hour))

	result := reconciler.MatchTransfer(context.Background(), transfer("0xt1", 10_000_000, 5), SourceLive)
	if result.Outcome != OutcomeTransitioned || result.SessionID != "cs_first" {
		t.Fatalf("expected oldest session to win, got %+v", result)
	}

	second, err := repo.GetSession(context.Background(), "cs_second")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if second.Status != domain.SessionStatusPending {
		t.Fatalf("expected second session to stay pending, got %s", second.Status)
	}

	// An independent transfer of the same amount settles the other session.
	result = reconciler.MatchTransfer(context.Background(), transfer("0xt2", 10_000_000, 6), SourceLive)
	if result.Outcome != OutcomeTransitioned || result.SessionID != "cs_second" {
		t.Fatalf("expected second transfer to pay cs_second, got %+v", result)
	}
}

func TestMatchTransfer_AmountMustMatchExactly(t *testing.T) {
	repo := newTestRepo(t, "")
	reconciler := newTestReconciler(repo, &ledgerStub{}, &recordingNotifier{}, &recordingPublisher{}, 0, 0)
	now := time.Now().UTC()
	createPending(t, repo, "cs_1", "25.00", now, now.Add(time.Hour))

	for _, units := range []int64{24_999_999, 25_000_001, 250_000_000} {
		got := reconciler.MatchTransfer(context.Background(), transfer(fmt.Sprintf("0x%d", units), units, 1), SourceLive)
		if got.Outcome != OutcomeUnmatched {
			t.Fatalf("value %d: expected unmatched, got %+v", units, got)
		}
	}
	session, err := repo.GetSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != domain.SessionStatusPending {
		t.Fatalf("expected session to stay pending, got %s", session.Status)
	}
}

func TestMatchTransfer_NeverPaysAfterExpiry(t *testing.T) {
	repo := newTestRepo(t, "")
	reconciler := newTestReconciler(repo, &ledgerStub{}, &recordingNotifier{}, &recordingPublisher{}, 0, 0)
	now := time.Now().UTC()
	createPending(t, repo, "cs_1", "25", now.Add(-time.Hour), now.Add(-time.Second))

	got := reconciler.MatchTransfer(context.Background(), transfer("0xt1", 25_000_000, 1), SourceLive)
	if got.Outcome != OutcomeUnmatched {
		t.Fatalf("expected unmatched after expiry, got %+v", got)
	}
	session, err := repo.GetSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status == domain.SessionStatusPaid {
		t.Fatal("expired session must never become paid")
	}
	if _, err := repo.FindTransactionByHash(context.Background(), "0xt1"); !errors.Is(err, store.ErrTransactionNotFound) {
		t.Fatalf("expected no transaction, got %v", err)
	}
}

func TestMatchTransfer_ConfirmationDepth(t *testing.T) {
	repo := newTestRepo(t, "")
	ledger := &ledgerStub{head: 105}
	reconciler := newTestReconciler(repo, ledger, &recordingNotifier{}, &recordingPublisher{}, 0, 12)
	now := time.Now().UTC()
	createPending(t, repo, "cs_1", "25", now, now.Add(time.Hour))
	event := transfer("0xt1", 25_000_000, 100)

	if got := reconciler.MatchTransfer(context.Background(), event, SourceBackfill); got.Outcome != OutcomeUnconfirmed {
		t.Fatalf("expected unconfirmed at depth 5, got %+v", got)
	}

	ledger.setHead(112)
	if got := reconciler.MatchTransfer(context.Background(), event, SourceBackfill); got.Outcome != OutcomeTransitioned {
		t.Fatalf("expected transition at depth 12, got %+v", got)
	}
}

func TestMatchTransfer_LedgerHeadFailureIsAnOutcome(t *testing.T) {
	repo := newTestRepo(t, "")
	ledger := &ledgerStub{headErr: errors.New("rpc timeout")}
	reconciler := newTestReconciler(repo, ledger, &recordingNotifier{}, &recordingPublisher{}, 0, 12)

	got := reconciler.MatchTransfer(context.Background(), transfer("0xt1", 1, 1), SourceBackfill)
	if got.Outcome != OutcomeError || got.Err == nil {
		t.Fatalf("expected error outcome, got %+v", got)
	}
}

func TestReconcilerAndSweeper_ExactlyOneWinnerPerSession(t *testing.T) {
	repo := newTestRepo(t, "")
	notifier := &recordingNotifier{}
	reconciler := newTestReconciler(repo, &ledgerStub{}, notifier, &recordingPublisher{}, 0, 0)
	jobs := NewJobs(repo, &ledgerStub{}, reconciler, notifier, &recordingPublisher{}, NewWatchSet(), nil, testLogger(), JobsConfig{})

	deadline := time.Now().UTC().Truncate(time.Millisecond)
	const sessions = 20
	for i := 0; i < sessions; i++ {
		createPending(t, repo, fmt.Sprintf("cs_%02d", i), fmt.Sprintf("%d", i+1), deadline.Add(-time.Hour), deadline)
	}
	// The transfer is observed just before the deadline; the sweeper runs at it.
	reconciler.now = func() time.Time { return deadline.Add(-time.Millisecond) }
	jobs.now = func() time.Time { return deadline }

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reconciler.MatchTransfer(context.Background(), transfer(fmt.Sprintf("0xt%02d", i), int64(i+1)*1_000_000, 1), SourceLive)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := jobs.SweepExpired(context.Background()); err != nil {
			t.Errorf("sweep: %v", err)
		}
	}()
	wg.Wait()

	perSession := make(map[string]int)
	for _, n := range notifier.snapshot() {
		perSession[n.SessionID]++
	}
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("cs_%02d", i)
		session, err := repo.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if session.Status != domain.SessionStatusPaid && session.Status != domain.SessionStatusExpired {
			t.Fatalf("%s: expected a terminal state, got %s", id, session.Status)
		}
		if perSession[id] != 1 {
			t.Fatalf("%s: expected exactly one webhook, got %d", id, perSession[id])
		}
	}
}
