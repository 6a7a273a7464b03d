/**
 * @description
 * SQLite implementation of the `Repository` interface, used for single-node
 * deployments (STORE_DRIVER=sqlite) and as the real store behind the package tests.
 * It follows the same conditional-write rules as the PostgreSQL store.
 *
 * @notes
 * - Timestamps are stored as unix nanoseconds so range comparisons are numeric.
 * - The pool is pinned to one connection; SQLite serializes writers anyway and an
 *   in-memory database only exists on the connection that created it.
 */

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/checkout-service/internal/domain"

	_ "modernc.org/sqlite"
)

const sqliteSessionColumns = `
	id, merchant_id, recipient_address, amount, amount_units, currency,
	description, metadata, status, tx_hash, block_number, paid_at, expires_at, start_block,
	webhook_attempts, webhook_last_attempt, webhook_delivered, created_at, updated_at`

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS merchants (
		id TEXT PRIMARY KEY,
		webhook_url TEXT,
		webhook_secret TEXT,
		api_secret TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_sessions (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		recipient_address TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_units TEXT NOT NULL,
		currency TEXT NOT NULL,
		description TEXT,
		metadata TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		tx_hash TEXT,
		block_number INTEGER,
		paid_at INTEGER,
		expires_at INTEGER NOT NULL,
		start_block INTEGER,
		webhook_attempts INTEGER NOT NULL DEFAULT 0,
		webhook_last_attempt INTEGER,
		webhook_delivered INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_sessions_match ON payment_sessions(status, recipient_address, amount_units)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_sessions_expires ON payment_sessions(status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id TEXT PRIMARY KEY,
		tx_hash TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES payment_sessions(id),
		merchant_id TEXT NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_units TEXT NOT NULL,
		block_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
}

// SQLiteRepository implements Repository on an embedded SQLite database.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) a SQLite database at the given path.
// Pass ":memory:" for an in-memory database.
func OpenSQLite(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertMerchant stores merchant webhook settings. Merchants are owned by another
// service; this exists for local mode seeding and tests.
func (r *SQLiteRepository) UpsertMerchant(ctx context.Context, merchant domain.Merchant) error {
	query := `
		INSERT INTO merchants (id, webhook_url, webhook_secret, api_secret) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET webhook_url = excluded.webhook_url,
			webhook_secret = excluded.webhook_secret, api_secret = excluded.api_secret
	`
	_, err := r.db.ExecContext(ctx, query, merchant.ID, merchant.WebhookURL, merchant.WebhookSecret, merchant.APISecret)
	return err
}

func (r *SQLiteRepository) GetMerchant(ctx context.Context, merchantID string) (*domain.Merchant, error) {
	var merchant domain.Merchant
	err := r.db.QueryRowContext(ctx, `SELECT id, webhook_url, webhook_secret, api_secret FROM merchants WHERE id = ?`, merchantID).
		Scan(&merchant.ID, &merchant.WebhookURL, &merchant.WebhookSecret, &merchant.APISecret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, err
	}
	return &merchant, nil
}

func (r *SQLiteRepository) CreateSession(ctx context.Context, session *domain.PaymentSession) error {
	metadata, err := encodeMetadata(session.Metadata)
	if err != nil {
		return err
	}
	var metadataText *string
	if metadata != nil {
		text := string(metadata)
		metadataText = &text
	}

	query := `
		INSERT INTO payment_sessions (
			id, merchant_id, recipient_address, amount, amount_units, currency,
			description, metadata, status, expires_at, start_block, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	createdAt := session.CreatedAt.UnixNano()
	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.MerchantID,
		domain.NormalizeAddress(session.RecipientAddress),
		session.Amount.String(),
		session.AmountUnits,
		session.Currency,
		session.Description,
		metadataText,
		string(session.Status),
		session.ExpiresAt.UnixNano(),
		int64PtrFromUint(session.StartBlock),
		createdAt,
		createdAt,
	)
	return err
}

func (r *SQLiteRepository) GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return r.getSession(ctx, r.db, sessionID)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLiteRepository) getSession(ctx context.Context, q sqliteQuerier, sessionID string) (*domain.PaymentSession, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM payment_sessions WHERE id = ?`
	session, err := scanSQLiteSession(q.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

func (r *SQLiteRepository) FindPendingSessionsForTransfer(ctx context.Context, params FindPendingParams) ([]domain.PaymentSession, error) {
	query := `
		SELECT ` + sqliteSessionColumns + `
		FROM payment_sessions
		WHERE status = 'pending'
		  AND recipient_address = lower(?)
		  AND amount_units = ?
		  AND currency = ?
		  AND expires_at > ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, params.RecipientAddress, params.AmountUnits, params.Currency, params.Now.UnixNano())
	if err != nil {
		return nil, err
	}
	return collectSQLiteSessions(rows)
}

func (r *SQLiteRepository) FindExpiredPendingSessions(ctx context.Context, now time.Time, limit int) ([]domain.PaymentSession, error) {
	query := `
		SELECT ` + sqliteSessionColumns + `
		FROM payment_sessions
		WHERE status = 'pending' AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, now.UnixNano(), normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectSQLiteSessions(rows)
}

func (r *SQLiteRepository) ListPendingRecipients(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT recipient_address FROM payment_sessions WHERE status = 'pending' AND expires_at > ?`, now.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	return addresses, rows.Err()
}

func (r *SQLiteRepository) ListUndeliveredSessions(ctx context.Context, merchantID string, limit int) ([]domain.PaymentSession, error) {
	query := `
		SELECT ` + sqliteSessionColumns + `
		FROM payment_sessions
		WHERE merchant_id = ?
		  AND status IN ('paid', 'expired', 'failed')
		  AND webhook_delivered = 0
		ORDER BY updated_at DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, merchantID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectSQLiteSessions(rows)
}

func (r *SQLiteRepository) MarkSessionPaid(ctx context.Context, params MarkPaidParams) (*domain.PaymentSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	paidAt := params.PaidAt.UnixNano()
	result, err := tx.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = 'paid', tx_hash = ?, block_number = ?, paid_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at > ?
	`, params.Transfer.TxHash, int64(params.Transfer.BlockNumber), paidAt, paidAt, params.SessionID, paidAt)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, ErrSessionNotPending
	}

	session, err := r.getSession(ctx, tx, params.SessionID)
	if err != nil {
		return nil, err
	}

	result, err = tx.ExecContext(ctx, `
		INSERT INTO payment_transactions (
			id, tx_hash, session_id, merchant_id, from_address, to_address,
			amount, amount_units, block_number, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO NOTHING
	`,
		uuid.New().String(),
		params.Transfer.TxHash,
		session.ID,
		session.MerchantID,
		domain.NormalizeAddress(params.Transfer.From),
		domain.NormalizeAddress(params.Transfer.To),
		params.Amount,
		params.Transfer.Value.String(),
		int64(params.Transfer.BlockNumber),
		domain.TransactionStatusConfirmed,
		paidAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, ErrDuplicateTransaction
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

func (r *SQLiteRepository) ExpireSession(ctx context.Context, sessionID string, now time.Time) (*domain.PaymentSession, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions SET status = 'expired', updated_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at <= ?
	`, now.UnixNano(), sessionID, now.UnixNano())
	if err != nil {
		return nil, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, ErrSessionNotPending
	}
	return r.GetSession(ctx, sessionID)
}

func (r *SQLiteRepository) MarkSessionRefunded(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions SET status = 'refunded', updated_at = ?
		WHERE id = ? AND status = 'paid'
	`, r.now().UnixNano(), sessionID)
	if err != nil {
		return nil, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, lookupErr := r.GetSession(ctx, sessionID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, ErrInvalidTransition
	}
	return r.GetSession(ctx, sessionID)
}

func (r *SQLiteRepository) RecordWebhookAttempt(ctx context.Context, sessionID string, delivered bool, attemptedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET webhook_attempts = webhook_attempts + 1,
			webhook_last_attempt = ?,
			webhook_delivered = MAX(webhook_delivered, ?),
			updated_at = ?
		WHERE id = ?
	`, attemptedAt.UnixNano(), boolToInt(delivered), r.now().UnixNano(), sessionID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *SQLiteRepository) FindTransactionByHash(ctx context.Context, txHash string) (*domain.Transaction, error) {
	var (
		txn       domain.Transaction
		id        string
		amount    string
		block     int64
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tx_hash, session_id, merchant_id, from_address, to_address,
			amount, amount_units, block_number, status, created_at
		FROM payment_transactions WHERE tx_hash = ?
	`, txHash).Scan(&id, &txn.TxHash, &txn.SessionID, &txn.MerchantID, &txn.From, &txn.To,
		&amount, &txn.AmountUnits, &block, &txn.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if txn.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if txn.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	txn.BlockNumber = uint64(block)
	txn.Timestamp = time.Unix(0, createdAt).UTC()
	return &txn, nil
}

func collectSQLiteSessions(rows *sql.Rows) ([]domain.PaymentSession, error) {
	defer rows.Close()

	var sessions []domain.PaymentSession
	for rows.Next() {
		session, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSQLiteSession(row rowScanner) (*domain.PaymentSession, error) {
	var (
		session       domain.PaymentSession
		amount        string
		metadata      *string
		status        string
		blockNumber   *int64
		startBlock    *int64
		paidAt        *int64
		expiresAt     int64
		lastAttempt   *int64
		delivered     int64
		createdAt     int64
		updatedAt     int64
		metadataBytes []byte
	)
	err := row.Scan(
		&session.ID,
		&session.MerchantID,
		&session.RecipientAddress,
		&amount,
		&session.AmountUnits,
		&session.Currency,
		&session.Description,
		&metadata,
		&status,
		&session.TxHash,
		&blockNumber,
		&paidAt,
		&expiresAt,
		&startBlock,
		&session.WebhookAttempts,
		&lastAttempt,
		&delivered,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.PaidAt = timePtrFromNanos(paidAt)
	session.ExpiresAt = time.Unix(0, expiresAt).UTC()
	session.WebhookLastAttempt = timePtrFromNanos(lastAttempt)
	session.WebhookDelivered = delivered != 0
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if metadata != nil {
		metadataBytes = []byte(*metadata)
	}
	return finishSession(&session, amount, metadataBytes, status, blockNumber, startBlock)
}

func timePtrFromNanos(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(0, *v).UTC()
	return &t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
