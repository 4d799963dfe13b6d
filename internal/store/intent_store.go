package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vbonduro/lendchain/internal/domain"
)

// IntentStore archives intents and their status history.
type IntentStore struct {
	db *sql.DB
}

func NewIntentStore(db *sql.DB) *IntentStore {
	return &IntentStore{db: db}
}

const intentColumns = `id, item_id, kind, user_id, status, reason, admitted_version,
	tx_hash, tx_account, tx_nonce, tx_submitted_at, anomaly, submitted_at, updated_at`

func (s *IntentStore) Create(ctx context.Context, intent domain.Intent) error {
	hash, account, nonce, txAt := txColumns(intent.Tx)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intents (`+intentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, intent.ID, intent.ItemID, intent.Kind, intent.UserID, intent.Status, intent.Reason,
		intent.AdmittedVersion, hash, account, nonce, txAt, intent.Anomaly,
		intent.SubmittedAt.UnixMilli(), intent.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
	}
	return nil
}

// Update persists the mutable fields of intent.
func (s *IntentStore) Update(ctx context.Context, intent domain.Intent) error {
	hash, account, nonce, txAt := txColumns(intent.Tx)
	result, err := s.db.ExecContext(ctx, `
		UPDATE intents
		SET status = ?, reason = ?, admitted_version = ?, tx_hash = ?, tx_account = ?,
		    tx_nonce = ?, tx_submitted_at = ?, anomaly = ?, updated_at = ?
		WHERE id = ?
	`, intent.Status, intent.Reason, intent.AdmittedVersion, hash, account, nonce, txAt,
		intent.Anomaly, intent.UpdatedAt.UnixMilli(), intent.ID)
	if err != nil {
		return fmt.Errorf("failed to update intent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrIntentNotFound, intent.ID)
	}
	return nil
}

func (s *IntentStore) Get(ctx context.Context, id string) (domain.Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	intent, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Intent{}, fmt.Errorf("%w: %s", domain.ErrIntentNotFound, id)
	}
	if err != nil {
		return domain.Intent{}, fmt.Errorf("failed to get intent: %w", err)
	}
	return intent, nil
}

// ListByItem returns the newest intents for an item first.
func (s *IntentStore) ListByItem(ctx context.Context, itemID string, limit int) ([]domain.Intent, error) {
	return s.query(ctx, `SELECT `+intentColumns+` FROM intents WHERE item_id = ?
		ORDER BY submitted_at DESC, id DESC LIMIT ?`, itemID, limit)
}

// ListByUser returns the newest intents requested by userID first.
func (s *IntentStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Intent, error) {
	return s.query(ctx, `SELECT `+intentColumns+` FROM intents WHERE user_id = ?
		ORDER BY submitted_at DESC, id DESC LIMIT ?`, userID, limit)
}

// ListOpen returns intents that have not reached a terminal status, oldest first.
func (s *IntentStore) ListOpen(ctx context.Context) ([]domain.Intent, error) {
	return s.query(ctx, `SELECT `+intentColumns+` FROM intents WHERE status IN (?, ?, ?)
		ORDER BY submitted_at ASC, id ASC`,
		domain.StatusPending, domain.StatusSubmitted, domain.StatusConfirming)
}

// MarkAnomaly flags an intent whose transaction was seen succeeding after the
// intent had already failed.
func (s *IntentStore) MarkAnomaly(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE intents SET anomaly = 1, updated_at = ? WHERE id = ?
	`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark intent anomaly: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrIntentNotFound, id)
	}
	return nil
}

func (s *IntentStore) query(ctx context.Context, query string, args ...any) ([]domain.Intent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var intents []domain.Intent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intents = append(intents, intent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating intents: %w", err)
	}

	return intents, nil
}

func txColumns(tx *domain.TxRecord) (hash, account sql.NullString, nonce, submittedAt sql.NullInt64) {
	if tx == nil {
		return
	}
	hash = sql.NullString{String: tx.Hash, Valid: true}
	account = sql.NullString{String: tx.Account, Valid: true}
	nonce = sql.NullInt64{Int64: int64(tx.Nonce), Valid: true}
	submittedAt = sql.NullInt64{Int64: tx.SubmittedAt.UnixMilli(), Valid: true}
	return
}

func scanIntent(row scanner) (domain.Intent, error) {
	var (
		intent             domain.Intent
		kind, status       string
		hash, account      sql.NullString
		nonce, txAt        sql.NullInt64
		submitted, updated int64
	)
	err := row.Scan(&intent.ID, &intent.ItemID, &kind, &intent.UserID, &status, &intent.Reason,
		&intent.AdmittedVersion, &hash, &account, &nonce, &txAt, &intent.Anomaly, &submitted, &updated)
	if err != nil {
		return domain.Intent{}, err
	}
	intent.Kind = domain.IntentKind(kind)
	intent.Status = domain.IntentStatus(status)
	intent.SubmittedAt = time.UnixMilli(submitted)
	intent.UpdatedAt = time.UnixMilli(updated)
	if hash.Valid {
		intent.Tx = &domain.TxRecord{
			Hash:        hash.String,
			Account:     account.String,
			Nonce:       uint64(nonce.Int64),
			SubmittedAt: time.UnixMilli(txAt.Int64),
		}
	}
	return intent, nil
}
