/**
 * @description
 * The webhook dispatcher delivers session outcomes to merchant endpoints. Each
 * enqueued delivery runs in its own goroutine so retries and slow endpoints never
 * hold up ledger ingestion. Deliveries are signed with HMAC-SHA256 and retried on a
 * fixed schedule; every attempt is recorded on the session.
 *
 * @notes
 * - Delivery is at least once. Receivers de-duplicate on sessionId + event.
 * - After the schedule is exhausted the session stays undelivered until an
 *   administrative redelivery.
 */
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/internal/store"
	"github.com/transfa/checkout-service/pkg/webhook"
)

var (
	ErrNotDeliverable    = errors.New("session has no outcome to deliver")
	ErrDispatcherStopped = errors.New("webhook dispatcher is stopped")
)

// DispatcherConfig controls delivery timing.
type DispatcherConfig struct {
	Timeout        time.Duration
	RetrySchedule  []time.Duration
	MaxConcurrency int
}

// Dispatcher implements Notifier.
type Dispatcher struct {
	repo     store.Repository
	client   *http.Client
	timeout  time.Duration
	schedule []time.Duration
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(repo store.Repository, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 32
	}
	schedule := append([]time.Duration(nil), cfg.RetrySchedule...)

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		repo:     repo,
		client:   &http.Client{},
		timeout:  cfg.Timeout,
		schedule: schedule,
		logger:   logger.With("component", "webhook_dispatcher"),
		sleep:    sleepContext,
		now:      time.Now,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules delivery of event for a session and returns immediately.
func (d *Dispatcher) Enqueue(sessionID string, event domain.WebhookEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("dropping webhook after shutdown", "session_id", sessionID, "event", string(event))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()

		if _, err := d.DeliverSession(d.ctx, sessionID, event); err != nil {
			d.logger.Warn("webhook delivery not completed", "session_id", sessionID, "event", string(event), "error", err)
		}
	}()
}

// Redeliver re-sends the webhook for a session's current outcome. It validates
// synchronously and delivers in the background.
func (d *Dispatcher) Redeliver(ctx context.Context, sessionID string) error {
	session, err := d.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	event, ok := domain.WebhookEventForStatus(session.Status)
	if !ok {
		return ErrNotDeliverable
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherStopped
	}

	d.logger.Info("webhook redelivery requested", "session_id", sessionID, "event", string(event))
	d.Enqueue(sessionID, event)
	return nil
}

// DeliverSession loads the session and its merchant and runs the bounded delivery
// loop. It reports whether the merchant acknowledged the event.
func (d *Dispatcher) DeliverSession(ctx context.Context, sessionID string, event domain.WebhookEvent) (bool, error) {
	session, err := d.repo.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	merchant, err := d.repo.GetMerchant(ctx, session.MerchantID)
	if err != nil {
		return false, fmt.Errorf("load merchant: %w", err)
	}
	return d.Deliver(ctx, merchant, session, event)
}

// Deliver posts the signed payload, retrying per the schedule. A merchant without a
// webhook URL is a deliberate no-op and is not recorded.
func (d *Dispatcher) Deliver(ctx context.Context, merchant *domain.Merchant, session *domain.PaymentSession, event domain.WebhookEvent) (bool, error) {
	if !merchant.HasWebhook() {
		d.logger.Debug("merchant has no webhook url; skipping", "merchant_id", merchant.ID, "session_id", session.ID)
		return false, nil
	}

	payload := domain.NewWebhookPayload(session, event, d.now())
	body, err := payload.Marshal()
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	signature := webhook.Sign(merchant.SigningSecret(), body)

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = d.post(ctx, *merchant.WebhookURL, body, signature, event, payload.Timestamp)
		delivered := lastErr == nil

		if err := d.repo.RecordWebhookAttempt(context.WithoutCancel(ctx), session.ID, delivered, d.now()); err != nil {
			d.logger.Error("failed to record webhook attempt", "session_id", session.ID, "error", err)
		}
		if delivered {
			d.logger.Info("webhook delivered", "session_id", session.ID, "event", string(event), "attempt", attempt+1)
			return true, nil
		}

		d.logger.Warn("webhook attempt failed", "session_id", session.ID, "event", string(event), "attempt", attempt+1, "error", lastErr)
		if attempt >= len(d.schedule) {
			break
		}
		if err := d.sleep(ctx, d.schedule[attempt]); err != nil {
			return false, err
		}
	}

	d.logger.Error("webhook retries exhausted", "session_id", session.ID, "event", string(event), "attempts", len(d.schedule)+1)
	return false, lastErr
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, signature string, event domain.WebhookEvent, timestamp string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderSignature, signature)
	req.Header.Set(webhook.HeaderEvent, string(event))
	req.Header.Set(webhook.HeaderTimestamp, timestamp)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("merchant endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Stop refuses new deliveries and waits for in-flight ones. When ctx expires first
// the remaining deliveries are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}
