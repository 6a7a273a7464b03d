package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/internal/store"
	"github.com/transfa/checkout-service/pkg/webhook"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestDispatcher(repo store.Repository) (*Dispatcher, *sleepRecorder) {
	dispatcher := NewDispatcher(repo, testLogger(), DispatcherConfig{
		Timeout:        2 * time.Second,
		RetrySchedule:  []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		MaxConcurrency: 4,
	})
	recorder := &sleepRecorder{}
	dispatcher.sleep = recorder.sleep
	return dispatcher, recorder
}

func paidSession(t *testing.T, repo *store.SQLiteRepository, id string) *domain.PaymentSession {
	t.Helper()
	now := time.Now().UTC()
	createPending(t, repo, id, "25", now, now.Add(time.Hour))
	session, err := repo.MarkSessionPaid(context.Background(), store.MarkPaidParams{
		SessionID: id,
		Transfer:  transfer("0x"+id, 25_000_000, 10),
		Amount:    "25",
		PaidAt:    now,
	})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	return session
}

func TestDispatcher_RetryBoundAgainstFailingEndpoint(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := newTestRepo(t, server.URL)
	dispatcher, recorder := newTestDispatcher(repo)
	paidSession(t, repo, "cs_fail")

	delivered, err := dispatcher.DeliverSession(context.Background(), "cs_fail", domain.WebhookEventPaid)
	if delivered || err == nil {
		t.Fatalf("expected delivery failure, got delivered=%t err=%v", delivered, err)
	}
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", got)
	}
	want := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	if len(recorder.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, recorder.delays)
	}
	for i := range want {
		if recorder.delays[i] < want[i] {
			t.Fatalf("delay %d: expected at least %s, got %s", i, want[i], recorder.delays[i])
		}
	}

	session, err := repo.GetSession(context.Background(), "cs_fail")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.WebhookAttempts != 4 || session.WebhookDelivered || session.WebhookLastAttempt == nil {
		t.Fatalf("unexpected bookkeeping: attempts=%d delivered=%t", session.WebhookAttempts, session.WebhookDelivered)
	}
	if session.Status != domain.SessionStatusPaid {
		t.Fatalf("delivery failure must not roll back the session, got %s", session.Status)
	}
}

func TestDispatcher_SignsAndRecordsSuccess(t *testing.T) {
	type captured struct {
		body      []byte
		signature string
		event     string
		timestamp string
	}
	received := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- captured{
			body:      body,
			signature: r.Header.Get(webhook.HeaderSignature),
			event:     r.Header.Get(webhook.HeaderEvent),
			timestamp: r.Header.Get(webhook.HeaderTimestamp),
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	repo := newTestRepo(t, server.URL)
	dispatcher, recorder := newTestDispatcher(repo)
	paidSession(t, repo, "cs_ok")

	delivered, err := dispatcher.DeliverSession(context.Background(), "cs_ok", domain.WebhookEventPaid)
	if !delivered || err != nil {
		t.Fatalf("expected delivery, got delivered=%t err=%v", delivered, err)
	}
	if len(recorder.delays) != 0 {
		t.Fatalf("expected no backoff on success, got %v", recorder.delays)
	}

	got := <-received
	if !webhook.Verify("whsec_test", got.body, got.signature) {
		t.Fatal("signature did not verify with the merchant webhook secret")
	}
	if got.event != "payment.paid" || got.timestamp == "" {
		t.Fatalf("unexpected headers event=%q timestamp=%q", got.event, got.timestamp)
	}

	session, err := repo.GetSession(context.Background(), "cs_ok")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.WebhookAttempts != 1 || !session.WebhookDelivered {
		t.Fatalf("unexpected bookkeeping: attempts=%d delivered=%t", session.WebhookAttempts, session.WebhookDelivered)
	}
}

func TestDispatcher_RecoversAfterTransientFailure(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newTestRepo(t, server.URL)
	dispatcher, recorder := newTestDispatcher(repo)
	paidSession(t, repo, "cs_flaky")

	delivered, err := dispatcher.DeliverSession(context.Background(), "cs_flaky", domain.WebhookEventPaid)
	if !delivered || err != nil {
		t.Fatalf("expected eventual delivery, got delivered=%t err=%v", delivered, err)
	}
	if len(recorder.delays) != 2 || recorder.delays[0] != time.Second || recorder.delays[1] != 5*time.Second {
		t.Fatalf("unexpected delays %v", recorder.delays)
	}
}

func TestDispatcher_NoWebhookURLIsNoop(t *testing.T) {
	repo := newTestRepo(t, "")
	dispatcher, _ := newTestDispatcher(repo)
	paidSession(t, repo, "cs_quiet")

	delivered, err := dispatcher.DeliverSession(context.Background(), "cs_quiet", domain.WebhookEventPaid)
	if delivered || err != nil {
		t.Fatalf("expected silent no-op, got delivered=%t err=%v", delivered, err)
	}
	session, err := repo.GetSession(context.Background(), "cs_quiet")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.WebhookAttempts != 0 {
		t.Fatalf("no-op must not record attempts, got %d", session.WebhookAttempts)
	}
}

func TestDispatcher_EnqueueAndStopDrains(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newTestRepo(t, server.URL)
	dispatcher, _ := newTestDispatcher(repo)
	paidSession(t, repo, "cs_1")
	paidSession(t, repo, "cs_2")

	dispatcher.Enqueue("cs_1", domain.WebhookEventPaid)
	dispatcher.Enqueue("cs_2", domain.WebhookEventPaid)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dispatcher.Stop(ctx)

	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected both deliveries before Stop returned, got %d", got)
	}

	dispatcher.Enqueue("cs_1", domain.WebhookEventPaid)
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected enqueue after stop to be dropped, got %d", got)
	}
	if err := dispatcher.Redeliver(context.Background(), "cs_1"); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected ErrDispatcherStopped, got %v", err)
	}
}

func TestDispatcher_RedeliverRequiresOutcome(t *testing.T) {
	repo := newTestRepo(t, "")
	dispatcher, _ := newTestDispatcher(repo)
	now := time.Now().UTC()
	createPending(t, repo, "cs_pending", "1", now, now.Add(time.Hour))

	if err := dispatcher.Redeliver(context.Background(), "cs_pending"); !errors.Is(err, ErrNotDeliverable) {
		t.Fatalf("expected ErrNotDeliverable, got %v", err)
	}
	if err := dispatcher.Redeliver(context.Background(), "cs_missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
