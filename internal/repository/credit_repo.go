package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderdeck/backend/internal/models"
)

// CreditRepo persists credit_accounts and the append-only credit_transactions
// log. All balance-mutating methods take a pgx.Tx so the ledger service can
// compose the transaction insert and the balance update atomically.
type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

// LockBalance locks the user's credit_accounts row with FOR UPDATE and
// returns the current balance, lazily creating the row on first use. The lock
// serializes concurrent debits against the same account.
func (r *CreditRepo) LockBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance) VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return 0, err
	}
	var balance int64
	err = tx.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance)
	return balance, err
}

// ApplyDelta adjusts the locked balance and returns the new value. Call only
// after LockBalance in the same transaction.
func (r *CreditRepo) ApplyDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		UPDATE credit_accounts SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1
		RETURNING balance
	`, userID, delta).Scan(&balance)
	return balance, err
}

// Balance reads the denormalized balance outside any transaction. A user with
// no credit_accounts row has balance zero.
func (r *CreditRepo) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// SumAmounts recomputes the balance from the transaction log, for audit and
// repair. It must always agree with the denormalized column.
func (r *CreditRepo) SumAmounts(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// CreateTx appends a ledger entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	var relType *string
	var relID *uuid.UUID
	if t.Related != nil {
		relType = &t.Related.Type
		relID = &t.Related.ID
	}
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, kind, description, performed_by, related_entity_type, related_entity_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, t.ID, t.UserID, t.Amount, t.Kind, t.Description, t.PerformedBy, relType, relID).Scan(&t.CreatedAt)
}

// FindByRelatedForUpdate returns the single entry of the given kind that
// references the entity, locking it so concurrent refund attempts serialize.
// Returns (nil, nil) when no such entry exists.
func (r *CreditRepo) FindByRelatedForUpdate(ctx context.Context, tx pgx.Tx, related models.RelatedEntity, kind string) (*models.CreditTransaction, error) {
	t := models.CreditTransaction{Related: &models.RelatedEntity{}}
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, amount, kind, description, performed_by, related_entity_type, related_entity_id, created_at
		FROM credit_transactions
		WHERE related_entity_type = $1 AND related_entity_id = $2 AND kind = $3
		FOR UPDATE
	`, related.Type, related.ID, kind).Scan(
		&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Description, &t.PerformedBy,
		&t.Related.Type, &t.Related.ID, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByUser returns the user's ledger entries, newest first.
func (r *CreditRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, amount, kind, description, performed_by, related_entity_type, related_entity_id, created_at
		FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var relType *string
		var relID *uuid.UUID
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Kind, &t.Description, &t.PerformedBy, &relType, &relID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if relType != nil && relID != nil {
			t.Related = &models.RelatedEntity{Type: *relType, ID: *relID}
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
