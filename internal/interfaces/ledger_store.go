package interfaces

import (
	"context"

	"github.com/mysterium/ledger/internal/models"
)

// LedgerTx is the view of the store inside one atomic unit.
// Reads through a LedgerTx lock the account row until the unit ends.
type LedgerTx interface {
	FindAccountByOwner(ctx context.Context, ownerID int64) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
	InsertTransaction(ctx context.Context, record *models.Transaction) error
}

type LedgerStore interface {
	// WithTx runs fn inside a store transaction. The transaction commits only
	// when fn returns nil and is rolled back on every other exit path.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// FindAccountByOwner is a plain read outside any write transaction.
	FindAccountByOwner(ctx context.Context, ownerID int64) (*models.Account, error)
}
