package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mysterium/ledger/internal/interfaces"
	"github.com/mysterium/ledger/internal/models"
)

// ErrStaleAccount is returned when an account row changed between read and write.
var ErrStaleAccount = errors.New("optimistic lock failed")

// Postgres error codes that are safe to retry by re-running the whole unit.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type PostgresLedgerStore struct {
	db          *sql.DB
	maxAttempts int
	logger      *zap.Logger
}

func NewPostgresLedgerStore(db *sql.DB, maxAttempts int, logger *zap.Logger) *PostgresLedgerStore {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLedgerStore{
		db:          db,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// WithTx runs fn in a database transaction, retrying the whole unit when
// Postgres aborts it with a serialization failure or a deadlock.
func (p *PostgresLedgerStore) WithTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err = p.runTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		p.logger.Warn("retrying ledger transaction",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.maxAttempts),
			zap.Error(err))
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", p.maxAttempts, err)
}

func (p *PostgresLedgerStore) runTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	if err := fn(&postgresTx{tx: dbTx}); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *PostgresLedgerStore) FindAccountByOwner(ctx context.Context, ownerID int64) (*models.Account, error) {
	const query = `SELECT id, user_id, balance, version, updated_at FROM accounts WHERE user_id = $1`

	return scanAccount(p.db.QueryRowContext(ctx, query, ownerID))
}

// IsRetryable reports whether err is a transient Postgres abort.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) FindAccountByOwner(ctx context.Context, ownerID int64) (*models.Account, error) {
	const query = `SELECT id, user_id, balance, version, updated_at FROM accounts WHERE user_id = $1 FOR UPDATE`

	return scanAccount(t.tx.QueryRowContext(ctx, query, ownerID))
}

func (t *postgresTx) SaveAccount(ctx context.Context, account *models.Account) error {
	const query = `UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2 WHERE id = $3 AND version = $4`

	now := time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, query, account.Balance, now, account.ID, account.Version)
	if err != nil {
		return fmt.Errorf("update account %d: %w", account.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %d: %w", account.ID, ErrStaleAccount)
	}

	account.Version++
	account.UpdatedAt = now
	return nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, record *models.Transaction) error {
	const query = `INSERT INTO transactions (reference, from_account_id, to_account_id, amount, transaction_type, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING id`

	createdAt := time.Now().UTC()
	err := t.tx.QueryRowContext(ctx, query,
		record.Reference.String(),
		record.FromAccountRef,
		record.ToAccountRef,
		record.Amount,
		record.Kind,
		record.Status,
		createdAt,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("insert transaction record: %w", err)
	}

	record.CreatedAt = createdAt
	return nil
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.OwnerID, &account.Balance, &account.Version, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	return &account, nil
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
