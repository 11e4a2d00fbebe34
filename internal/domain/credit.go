package domain

import "time"

// LedgerEntry is an immutable row of the credit ledger.
type LedgerEntry struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	RequestID string    `db:"request_id" json:"request_id"`
	Action    string    `db:"action" json:"action"`
	Amount    int64     `db:"amount" json:"amount"`
	Status    string    `db:"status" json:"status"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Ledger entry statuses. Rows never change status after being written.
const (
	EntryStatusPosted = "posted"
)

// Balance is the mutable per-user credit state.
type Balance struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Balance   int64     `db:"balance" json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
