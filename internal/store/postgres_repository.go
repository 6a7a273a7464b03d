/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Session transitions are conditional UPDATEs on `status`; the pending -> paid
 * transition and the transaction insert share one database transaction so that a
 * duplicate tx_hash rolls back the speculative status change.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/checkout-service/internal/domain"
)

const postgresSessionColumns = `
	id, merchant_id, recipient_address, amount::text, amount_units::text, currency,
	description, metadata, status, tx_hash, block_number, paid_at, expires_at, start_block,
	webhook_attempts, webhook_last_attempt, webhook_delivered, created_at, updated_at`

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS merchants (
		id TEXT PRIMARY KEY,
		webhook_url TEXT,
		webhook_secret TEXT,
		api_secret TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_sessions (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		recipient_address TEXT NOT NULL,
		amount NUMERIC(36,18) NOT NULL,
		amount_units NUMERIC(78,0) NOT NULL,
		currency TEXT NOT NULL,
		description TEXT,
		metadata JSONB,
		status TEXT NOT NULL DEFAULT 'pending',
		tx_hash TEXT,
		block_number BIGINT,
		paid_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		start_block BIGINT,
		webhook_attempts INTEGER NOT NULL DEFAULT 0,
		webhook_last_attempt TIMESTAMPTZ,
		webhook_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_sessions_pending_match
		ON payment_sessions (recipient_address, amount_units) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_payment_sessions_status_expires ON payment_sessions (status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_sessions_merchant ON payment_sessions (merchant_id, updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id UUID PRIMARY KEY,
		tx_hash TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES payment_sessions(id),
		merchant_id TEXT NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		amount NUMERIC(36,18) NOT NULL,
		amount_units NUMERIC(78,0) NOT NULL,
		block_number BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// GetMerchant loads the webhook settings of a merchant.
func (r *PostgresRepository) GetMerchant(ctx context.Context, merchantID string) (*domain.Merchant, error) {
	var merchant domain.Merchant
	query := `SELECT id, webhook_url, webhook_secret, api_secret FROM merchants WHERE id = $1`
	err := r.db.QueryRow(ctx, query, merchantID).Scan(&merchant.ID, &merchant.WebhookURL, &merchant.WebhookSecret, &merchant.APISecret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, err
	}
	return &merchant, nil
}

// CreateSession inserts a new pending session.
func (r *PostgresRepository) CreateSession(ctx context.Context, session *domain.PaymentSession) error {
	metadata, err := encodeMetadata(session.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payment_sessions (
			id, merchant_id, recipient_address, amount, amount_units, currency,
			description, metadata, status, expires_at, start_block, created_at, updated_at
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $12)
	`
	_, err = r.db.Exec(ctx, query,
		session.ID,
		session.MerchantID,
		domain.NormalizeAddress(session.RecipientAddress),
		session.Amount.String(),
		session.AmountUnits,
		session.Currency,
		session.Description,
		metadata,
		string(session.Status),
		session.ExpiresAt,
		int64PtrFromUint(session.StartBlock),
		session.CreatedAt,
	)
	return err
}

// GetSession retrieves a single session by id.
func (r *PostgresRepository) GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	query := `SELECT ` + postgresSessionColumns + ` FROM payment_sessions WHERE id = $1`
	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// FindPendingSessionsForTransfer returns live pending sessions a transfer could satisfy, oldest first.
func (r *PostgresRepository) FindPendingSessionsForTransfer(ctx context.Context, params FindPendingParams) ([]domain.PaymentSession, error) {
	query := `
		SELECT ` + postgresSessionColumns + `
		FROM payment_sessions
		WHERE status = 'pending'
		  AND recipient_address = lower($1)
		  AND amount_units = $2::numeric
		  AND currency = $3
		  AND expires_at > $4
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, params.RecipientAddress, params.AmountUnits, params.Currency, params.Now)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// FindExpiredPendingSessions returns pending sessions whose deadline has passed.
func (r *PostgresRepository) FindExpiredPendingSessions(ctx context.Context, now time.Time, limit int) ([]domain.PaymentSession, error) {
	query := `
		SELECT ` + postgresSessionColumns + `
		FROM payment_sessions
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListPendingRecipients returns the distinct recipient addresses of live pending sessions.
func (r *PostgresRepository) ListPendingRecipients(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT recipient_address FROM payment_sessions WHERE status = 'pending' AND expires_at > $1`, now)
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

// ListUndeliveredSessions returns terminal sessions whose webhook was never acknowledged.
func (r *PostgresRepository) ListUndeliveredSessions(ctx context.Context, merchantID string, limit int) ([]domain.PaymentSession, error) {
	query := `
		SELECT ` + postgresSessionColumns + `
		FROM payment_sessions
		WHERE merchant_id = $1
		  AND status IN ('paid', 'expired', 'failed')
		  AND webhook_delivered = FALSE
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, merchantID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// MarkSessionPaid transitions a session pending -> paid and records the transaction
// in one database transaction.
func (r *PostgresRepository) MarkSessionPaid(ctx context.Context, params MarkPaidParams) (*domain.PaymentSession, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE payment_sessions
		SET status = 'paid', tx_hash = $2, block_number = $3, paid_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'pending' AND expires_at > $4
		RETURNING ` + postgresSessionColumns
	session, err := scanSession(tx.QueryRow(ctx, update, params.SessionID, params.Transfer.TxHash, int64(params.Transfer.BlockNumber), params.PaidAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotPending
		}
		return nil, fmt.Errorf("update session: %w", err)
	}

	insert := `
		INSERT INTO payment_transactions (
			id, tx_hash, session_id, merchant_id, from_address, to_address,
			amount, amount_units, block_number, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11)
		ON CONFLICT (tx_hash) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insert,
		uuid.New(),
		params.Transfer.TxHash,
		session.ID,
		session.MerchantID,
		domain.NormalizeAddress(params.Transfer.From),
		domain.NormalizeAddress(params.Transfer.To),
		params.Amount,
		params.Transfer.Value.String(),
		int64(params.Transfer.BlockNumber),
		domain.TransactionStatusConfirmed,
		params.PaidAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrDuplicateTransaction
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// ExpireSession transitions a session pending -> expired once its deadline has passed.
func (r *PostgresRepository) ExpireSession(ctx context.Context, sessionID string, now time.Time) (*domain.PaymentSession, error) {
	query := `
		UPDATE payment_sessions
		SET status = 'expired', updated_at = $2
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2
		RETURNING ` + postgresSessionColumns
	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotPending
		}
		return nil, err
	}
	return session, nil
}

// MarkSessionRefunded transitions a session paid -> refunded, keeping its tx_hash.
func (r *PostgresRepository) MarkSessionRefunded(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	query := `
		UPDATE payment_sessions
		SET status = 'refunded', updated_at = NOW()
		WHERE id = $1 AND status = 'paid'
		RETURNING ` + postgresSessionColumns
	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, lookupErr := r.GetSession(ctx, sessionID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, ErrInvalidTransition
}

// RecordWebhookAttempt increments the attempt counter; delivered never flips back to false.
func (r *PostgresRepository) RecordWebhookAttempt(ctx context.Context, sessionID string, delivered bool, attemptedAt time.Time) error {
	query := `
		UPDATE payment_sessions
		SET webhook_attempts = webhook_attempts + 1,
			webhook_last_attempt = $2,
			webhook_delivered = webhook_delivered OR $3,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, sessionID, attemptedAt, delivered)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// FindTransactionByHash looks up the audit record for a transfer.
func (r *PostgresRepository) FindTransactionByHash(ctx context.Context, txHash string) (*domain.Transaction, error) {
	var (
		txn         domain.Transaction
		amount      string
		blockNumber int64
	)
	query := `
		SELECT id, tx_hash, session_id, merchant_id, from_address, to_address,
			amount::text, amount_units::text, block_number, status, created_at
		FROM payment_transactions
		WHERE tx_hash = $1
	`
	err := r.db.QueryRow(ctx, query, txHash).Scan(
		&txn.ID, &txn.TxHash, &txn.SessionID, &txn.MerchantID, &txn.From, &txn.To,
		&amount, &txn.AmountUnits, &blockNumber, &txn.Status, &txn.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if txn.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	txn.BlockNumber = uint64(blockNumber)
	return &txn, nil
}

func collectSessions(rows pgx.Rows) ([]domain.PaymentSession, error) {
	defer rows.Close()

	var sessions []domain.PaymentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*domain.PaymentSession, error) {
	var (
		session     domain.PaymentSession
		amount      string
		metadata    []byte
		status      string
		blockNumber *int64
		startBlock  *int64
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
		&session.PaidAt,
		&session.ExpiresAt,
		&startBlock,
		&session.WebhookAttempts,
		&session.WebhookLastAttempt,
		&session.WebhookDelivered,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return finishSession(&session, amount, metadata, status, blockNumber, startBlock)
}

// finishSession converts the raw column values shared by both store implementations.
func finishSession(session *domain.PaymentSession, amount string, metadata []byte, status string, blockNumber, startBlock *int64) (*domain.PaymentSession, error) {
	var err error
	if session.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if session.Status, err = domain.ParseSessionStatus(status); err != nil {
		return nil, err
	}
	if session.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	session.BlockNumber = uintPtrFromInt64(blockNumber)
	session.StartBlock = uintPtrFromInt64(startBlock)
	return session, nil
}

func encodeMetadata(metadata domain.Metadata) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return encoded, nil
}
