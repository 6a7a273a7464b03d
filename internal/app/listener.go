/**
 * @description
 * The live ingestion path. The listener holds one ledger subscription, filters
 * incoming transfers against the watch set and matches each accepted transfer in its
 * own goroutine. It does not reconnect: when the subscription drops, the listener
 * exits and the next backfill tick both rescans the gap and restarts it.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/transfa/checkout-service/internal/domain"
	"github.com/transfa/checkout-service/pkg/ledgerclient"
)

var (
	ErrListenerRunning = errors.New("ledger listener already running")
	ErrListenerClosed  = errors.New("ledger listener is shut down")
)

// TransferSubscriber opens a live feed of token transfers.
type TransferSubscriber interface {
	SubscribeTransfers(ctx context.Context, sink chan<- domain.TransferEvent) (ledgerclient.Subscription, error)
}

// TransferMatcher is the shared matching function.
type TransferMatcher interface {
	MatchTransfer(ctx context.Context, event domain.TransferEvent, source TransferSource) MatchResult
}

// Listener drives the live subscription.
type Listener struct {
	ledger  TransferSubscriber
	matcher TransferMatcher
	watch   *WatchSet
	logger  *slog.Logger

	mu      sync.Mutex
	current *ListenerHandle
	closed  bool
}

// ListenerHandle controls one running subscription.
type ListenerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stop cancels the subscription and waits for in-flight matches to finish.
func (h *ListenerHandle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed when the listener exits, either through Stop or a disconnect.
func (h *ListenerHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the disconnect cause once Done is closed. It is nil after Stop.
func (h *ListenerHandle) Err() error {
	<-h.done
	return h.err
}

func (h *ListenerHandle) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func NewListener(ledger TransferSubscriber, matcher TransferMatcher, watch *WatchSet, logger *slog.Logger) *Listener {
	return &Listener{
		ledger:  ledger,
		matcher: matcher,
		watch:   watch,
		logger:  logger.With("component", "ledger_listener"),
	}
}

// Start opens the subscription. It fails with ErrListenerRunning when a previous
// handle is still live.
func (l *Listener) Start(ctx context.Context) (*ListenerHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLocked(ctx)
}

func (l *Listener) startLocked(ctx context.Context) (*ListenerHandle, error) {
	if l.closed {
		return nil, ErrListenerClosed
	}
	if l.current != nil && l.current.running() {
		return nil, ErrListenerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	sink := make(chan domain.TransferEvent, 256)
	sub, err := l.ledger.SubscribeTransfers(runCtx, sink)
	if err != nil {
		cancel()
		return nil, err
	}

	handle := &ListenerHandle{cancel: cancel, done: make(chan struct{})}
	l.current = handle
	go l.run(runCtx, handle, sub, sink)
	l.logger.Info("ledger subscription started", "watched_addresses", l.watch.Len())
	return handle, nil
}

// EnsureRunning starts the listener when it is not running. It reports whether a
// new subscription was opened.
func (l *Listener) EnsureRunning(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, nil
	}
	if l.current != nil && l.current.running() {
		return false, nil
	}
	if _, err := l.startLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Running reports whether a subscription is live.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current != nil && l.current.running()
}

// Stop shuts the listener down for good; EnsureRunning becomes a no-op.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.closed = true
	current := l.current
	l.mu.Unlock()

	if current != nil {
		current.Stop()
	}
}

func (l *Listener) run(ctx context.Context, handle *ListenerHandle, sub ledgerclient.Subscription, sink <-chan domain.TransferEvent) {
	var inflight sync.WaitGroup
	defer func() {
		sub.Unsubscribe()
		inflight.Wait()
		handle.cancel()
		close(handle.done)
	}()

	for {
		select {
		case event := <-sink:
			if !l.watch.Contains(event.To) {
				continue
			}
			inflight.Add(1)
			go func(event domain.TransferEvent) {
				defer inflight.Done()
				result := l.matcher.MatchTransfer(ctx, event, SourceLive)
				if result.Outcome == OutcomeError {
					l.logger.Warn("live transfer match failed; backfill will retry", "tx_hash", event.TxHash, "error", result.Err)
				}
			}(event)
		case err := <-sub.Err():
			handle.err = err
			if err == nil {
				handle.err = errors.New("ledger subscription closed")
			}
			l.logger.Warn("ledger subscription dropped; waiting for backfill to resume", "error", handle.err)
			return
		case <-ctx.Done():
			l.logger.Info("ledger subscription stopped")
			return
		}
	}
}
