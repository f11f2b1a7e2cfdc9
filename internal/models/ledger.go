package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrAccountNotFound is returned by stores when no account is owned by the requested user.
var ErrAccountNotFound = errors.New("account not found")

// Transaction kinds record which operation the caller asked for.
const (
	KindCredit = "credit"
	KindDebit  = "debit"
)

// Transaction statuses. A record is written once with its final status.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

type Account struct {
	ID        int64           `json:"id" db:"id"`
	OwnerID   int64           `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Version   int             `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable ledger entry for one transfer attempt.
// FromAccountRef and ToAccountRef hold the user ids supplied by the caller,
// not resolved account ids.
type Transaction struct {
	ID             int64           `json:"id" db:"id"`
	Reference      uuid.UUID       `json:"reference" db:"reference"`
	FromAccountRef int64           `json:"from_account_id" db:"from_account_id"`
	ToAccountRef   int64           `json:"to_account_id" db:"to_account_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Kind           string          `json:"transaction_type" db:"transaction_type"`
	Status         string          `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// KindFor maps the direction flag to the recorded transaction kind.
func KindFor(isCredit bool) string {
	if isCredit {
		return KindCredit
	}
	return KindDebit
}
