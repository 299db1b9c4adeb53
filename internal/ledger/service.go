package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/renderdeck/backend/internal/models"
)

// ErrInsufficientCredits is returned when a debit would take the balance
// below zero. It is a recoverable, user-facing condition, never fatal.
var ErrInsufficientCredits = errors.New("insufficient credits")

// AccountStore is the minimal credit-account interface for the ledger.
type AccountStore interface {
	LockBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int64, error)
	ApplyDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta int64) (int64, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	SumAmounts(ctx context.Context, userID uuid.UUID) (int64, error)
}

// TransactionStore is the minimal ledger-entry interface for the ledger.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
	FindByRelatedForUpdate(ctx context.Context, tx pgx.Tx, related models.RelatedEntity, kind string) (*models.CreditTransaction, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error)
}

// Service is the single writer of credit balances. Every operation appends a
// transaction and moves the denormalized balance inside the caller's pgx.Tx,
// so callers can compose ledger writes with job-store writes atomically.
type Service struct {
	Accounts     AccountStore
	Transactions TransactionStore
}

func NewService(accounts AccountStore, transactions TransactionStore) *Service {
	return &Service{Accounts: accounts, Transactions: transactions}
}

// Grant credits the account. amount must be positive; kind is grant or
// admin_adjustment; performedBy records the acting admin when present.
func (s *Service) Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, kind, description string, performedBy *uuid.UUID) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if _, err := s.Accounts.LockBalance(ctx, tx, userID); err != nil {
		return 0, fmt.Errorf("lock balance: %w", err)
	}
	if err := s.Transactions.CreateTx(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		PerformedBy: performedBy,
	}); err != nil {
		return 0, fmt.Errorf("append grant: %w", err)
	}
	return s.Accounts.ApplyDelta(ctx, tx, userID, amount)
}

// Debit charges the account. The check-and-decrement happens under the row
// lock taken by LockBalance, so two concurrent debits cannot both observe a
// sufficient balance. related ties the charge to the entity being paid for.
func (s *Service) Debit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, description string, related *models.RelatedEntity) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	balance, err := s.Accounts.LockBalance(ctx, tx, userID)
	if err != nil {
		return 0, fmt.Errorf("lock balance: %w", err)
	}
	if balance < amount {
		return balance, ErrInsufficientCredits
	}
	if err := s.Transactions.CreateTx(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      -amount,
		Kind:        models.CreditKindDebit,
		Description: description,
		Related:     related,
	}); err != nil {
		return 0, fmt.Errorf("append debit: %w", err)
	}
	return s.Accounts.ApplyDelta(ctx, tx, userID, -amount)
}

// RefundByRelatedEntity reverses the debit recorded against related, if one
// exists and has not been refunded yet. It is idempotent by construction:
// the debit row is locked, so concurrent refund attempts serialize, and the
// unique (related, kind) index backs the check structurally. Returns ok=false
// when there is nothing to refund.
func (s *Service) RefundByRelatedEntity(ctx context.Context, tx pgx.Tx, related models.RelatedEntity, description string) (int64, bool, error) {
	debit, err := s.Transactions.FindByRelatedForUpdate(ctx, tx, related, models.CreditKindDebit)
	if err != nil {
		return 0, false, fmt.Errorf("find debit: %w", err)
	}
	if debit == nil {
		return 0, false, nil
	}
	refund, err := s.Transactions.FindByRelatedForUpdate(ctx, tx, related, models.CreditKindRefund)
	if err != nil {
		return 0, false, fmt.Errorf("find refund: %w", err)
	}
	if refund != nil {
		return 0, false, nil
	}
	amount := -debit.Amount
	if _, err := s.Accounts.LockBalance(ctx, tx, debit.UserID); err != nil {
		return 0, false, fmt.Errorf("lock balance: %w", err)
	}
	if err := s.Transactions.CreateTx(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      debit.UserID,
		Amount:      amount,
		Kind:        models.CreditKindRefund,
		Description: description,
		Related:     &related,
	}); err != nil {
		return 0, false, fmt.Errorf("append refund: %w", err)
	}
	if _, err := s.Accounts.ApplyDelta(ctx, tx, debit.UserID, amount); err != nil {
		return 0, false, err
	}
	return amount, true, nil
}

// AdminAdjust applies a signed admin_adjustment. Negative adjustments go
// through the same balance check as debits so the non-negative invariant
// holds.
func (s *Service) AdminAdjust(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, description string, performedBy uuid.UUID) (int64, error) {
	if amount == 0 {
		return 0, errors.New("adjustment amount must be non-zero")
	}
	balance, err := s.Accounts.LockBalance(ctx, tx, userID)
	if err != nil {
		return 0, fmt.Errorf("lock balance: %w", err)
	}
	if balance+amount < 0 {
		return balance, ErrInsufficientCredits
	}
	if err := s.Transactions.CreateTx(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Kind:        models.CreditKindAdminAdjustment,
		Description: description,
		PerformedBy: &performedBy,
	}); err != nil {
		return 0, fmt.Errorf("append adjustment: %w", err)
	}
	return s.Accounts.ApplyDelta(ctx, tx, userID, amount)
}

// BalanceOf reads the denormalized balance.
func (s *Service) BalanceOf(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.Accounts.Balance(ctx, userID)
}

// ListTransactions returns the user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error) {
	return s.Transactions.ListByUser(ctx, userID, limit, offset)
}

// VerifyBalance recomputes the balance from the log and reports whether it
// matches the denormalized column. Used for audit/repair tooling.
func (s *Service) VerifyBalance(ctx context.Context, userID uuid.UUID) (stored, computed int64, err error) {
	stored, err = s.Accounts.Balance(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	computed, err = s.Accounts.SumAmounts(ctx, userID)
	return stored, computed, err
}
