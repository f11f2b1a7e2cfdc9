package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mysterium/ledger/internal/audit"
	"github.com/mysterium/ledger/internal/events"
	"github.com/mysterium/ledger/internal/interfaces"
	"github.com/mysterium/ledger/internal/models"
)

// AuditLogger receives one entry per transfer outcome.
type AuditLogger interface {
	LogTransfer(reference string, fromUserID, toUserID int64, amount decimal.Decimal, kind, status string)
	LogError(reference string, userID int64, err error)
}

type TransferConfig struct {
	// TxTimeout bounds a single transfer unit. Zero means no extra deadline.
	TxTimeout time.Duration
	// FailureRecordTimeout bounds the separate write of a failed ledger entry.
	FailureRecordTimeout time.Duration
	// EventTopic is the channel or topic transfer events are published to.
	EventTopic string
}

// TransferService moves funds between user accounts and keeps the ledger of
// every attempt.
type TransferService struct {
	store     interfaces.LedgerStore
	publisher interfaces.EventPublisher
	audit     AuditLogger
	logger    *zap.Logger
	cfg       TransferConfig
}

func NewTransferService(store interfaces.LedgerStore, publisher interfaces.EventPublisher, auditLogger AuditLogger, logger *zap.Logger, cfg TransferConfig) *TransferService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger(logger)
	}
	if cfg.FailureRecordTimeout <= 0 {
		cfg.FailureRecordTimeout = 2 * time.Second
	}
	return &TransferService{
		store:     store,
		publisher: publisher,
		audit:     auditLogger,
		logger:    logger,
		cfg:       cfg,
	}
}

// Execute transfers amount between the accounts of fromUserID and toUserID.
// With isCredit the account of fromUserID is debited and the account of
// toUserID credited; without it the direction is reversed.
//
// Every call that passes input validation leaves exactly one ledger record:
// the success record is committed together with both balance updates, and a
// failed attempt is rolled back and recorded in a transaction of its own.
func (s *TransferService) Execute(ctx context.Context, fromUserID, toUserID int64, amount decimal.Decimal, isCredit bool) (*models.Transaction, error) {
	if err := validateTransfer(fromUserID, toUserID, amount); err != nil {
		return nil, &TransferError{Kind: KindInvalidRequest, Err: err}
	}

	record := &models.Transaction{
		Reference:      uuid.New(),
		FromAccountRef: fromUserID,
		ToAccountRef:   toUserID,
		Amount:         amount,
		Kind:           models.KindFor(isCredit),
	}

	txCtx, cancel := s.withTimeout(ctx)
	err := s.store.WithTx(txCtx, func(tx interfaces.LedgerTx) error {
		return s.transfer(txCtx, tx, record, isCredit)
	})
	cancel()

	if err != nil {
		return nil, s.fail(ctx, record, err)
	}

	s.audit.LogTransfer(record.Reference.String(), fromUserID, toUserID, amount, record.Kind, record.Status)
	s.publish(ctx, record, "")
	return record, nil
}

// GetBalance returns the committed balance of the account owned by userID.
func (s *TransferService) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	account, err := s.store.FindAccountByOwner(ctx, userID)
	if err != nil {
		return decimal.Zero, &TransferError{Kind: classify(err), Err: fmt.Errorf("user %d: %w", userID, err)}
	}
	return account.Balance, nil
}

func (s *TransferService) transfer(ctx context.Context, tx interfaces.LedgerTx, record *models.Transaction, isCredit bool) error {
	from, to, err := lockAccounts(ctx, tx, record.FromAccountRef, record.ToAccountRef)
	if err != nil {
		return err
	}

	debit, credit := from, to
	if !isCredit {
		debit, credit = to, from
	}

	if debit.Balance.LessThan(record.Amount) {
		return fmt.Errorf("%w: user %d has %s, transfer needs %s", ErrInsufficientBalance,
			debit.OwnerID, debit.Balance.StringFixed(2), record.Amount.StringFixed(2))
	}

	debit.Balance = debit.Balance.Sub(record.Amount)
	credit.Balance = credit.Balance.Add(record.Amount)

	if err := tx.SaveAccount(ctx, debit); err != nil {
		return err
	}
	if err := tx.SaveAccount(ctx, credit); err != nil {
		return err
	}

	record.Status = models.StatusSuccess
	return tx.InsertTransaction(ctx, record)
}

// lockAccounts reads both accounts in ascending owner order so that two
// transfers over the same pair always lock rows in the same sequence.
func lockAccounts(ctx context.Context, tx interfaces.LedgerTx, fromUserID, toUserID int64) (*models.Account, *models.Account, error) {
	firstLock, secondLock := fromUserID, toUserID
	if fromUserID > toUserID {
		firstLock, secondLock = toUserID, fromUserID
	}

	first, err := tx.FindAccountByOwner(ctx, firstLock)
	if err != nil {
		return nil, nil, fmt.Errorf("user %d: %w", firstLock, err)
	}
	second, err := tx.FindAccountByOwner(ctx, secondLock)
	if err != nil {
		return nil, nil, fmt.Errorf("user %d: %w", secondLock, err)
	}

	if firstLock != fromUserID {
		first, second = second, first
	}
	return first, second, nil
}

// fail records the failed attempt outside the aborted unit and builds the
// error returned to the caller.
func (s *TransferService) fail(ctx context.Context, record *models.Transaction, cause error) error {
	kind := classify(cause)

	record.ID = 0
	record.CreatedAt = time.Time{}
	record.Status = models.StatusFailed

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FailureRecordTimeout)
	defer cancel()

	s.audit.LogError(record.Reference.String(), record.FromAccountRef, cause)

	err := s.store.WithTx(recordCtx, func(tx interfaces.LedgerTx) error {
		return tx.InsertTransaction(recordCtx, record)
	})
	if err != nil {
		s.logger.Error("failed to persist failed transfer record",
			zap.String("reference", record.Reference.String()),
			zap.String("kind", string(kind)),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return &TransferError{Kind: kind, Err: errors.Join(cause, fmt.Errorf("record failed transfer: %w", err))}
	}

	s.audit.LogTransfer(record.Reference.String(), record.FromAccountRef, record.ToAccountRef, record.Amount, record.Kind, record.Status)
	s.publish(ctx, record, string(kind))
	return &TransferError{Kind: kind, Record: record, Err: cause}
}

func (s *TransferService) publish(ctx context.Context, record *models.Transaction, errorKind string) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FailureRecordTimeout)
	defer cancel()

	event := events.NewTransferEvent(record, errorKind)
	if err := s.publisher.Publish(pubCtx, s.cfg.EventTopic, event); err != nil {
		s.logger.Warn("failed to publish transfer event",
			zap.String("reference", event.Reference),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func (s *TransferService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.TxTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.TxTimeout)
}

func validateTransfer(fromUserID, toUserID int64, amount decimal.Decimal) error {
	switch {
	case fromUserID == toUserID:
		return fmt.Errorf("%w: cannot transfer between the same user", ErrInvalidTransfer)
	case !amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	case !amount.Equal(amount.Round(2)):
		return fmt.Errorf("%w: amount must have at most 2 decimal places", ErrInvalidTransfer)
	}
	return nil
}
