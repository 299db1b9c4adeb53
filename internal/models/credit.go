package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction kinds. Positive amounts are grants, negative are debits;
// the kind records why the balance moved.
const (
	CreditKindGrant           = "grant"
	CreditKindDebit           = "debit"
	CreditKindRefund          = "refund"
	CreditKindAdminAdjustment = "admin_adjustment"
)

// RelatedEntityGenerationJob tags ledger entries caused by a generation job.
const RelatedEntityGenerationJob = "generation_job"

// RelatedEntity is a weak {type, id} back-reference from a ledger entry to the
// entity that caused it. It is resolved by lookup, never a foreign key, so the
// ledger stays valid if the referenced table's schema evolves independently.
type RelatedEntity struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// CreditAccount holds the denormalized spendable balance for one user. It is
// mutated only through the ledger service, in the same transaction as the
// CreditTransaction insert, so balance always equals the sum of the user's
// transaction amounts.
type CreditAccount struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is one append-only ledger entry. Rows are created once and
// never updated or deleted.
type CreditTransaction struct {
	ID          uuid.UUID      `json:"id"`
	UserID      uuid.UUID      `json:"user_id"`
	Amount      int64          `json:"amount"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	PerformedBy *uuid.UUID     `json:"performed_by,omitempty"`
	Related     *RelatedEntity `json:"related_entity,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
