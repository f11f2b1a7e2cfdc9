package services

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/mysterium/ledger/internal/interfaces"
	"github.com/mysterium/ledger/internal/models"
)

// MockLedgerStore runs WithTx callbacks against Tx. The first return value of
// the WithTx expectation fails the begin, the second fails the commit.
type MockLedgerStore struct {
	mock.Mock
	Tx *MockLedgerTx
}

func (m *MockLedgerStore) WithTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	if err := fn(m.Tx); err != nil {
		return err
	}
	return args.Error(1)
}

func (m *MockLedgerStore) FindAccountByOwner(ctx context.Context, ownerID int64) (*models.Account, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

type MockLedgerTx struct {
	mock.Mock
}

func (m *MockLedgerTx) FindAccountByOwner(ctx context.Context, ownerID int64) (*models.Account, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockLedgerTx) SaveAccount(ctx context.Context, account *models.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockLedgerTx) InsertTransaction(ctx context.Context, record *models.Transaction) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, event any) error {
	args := m.Called(ctx, topic, event)
	return args.Error(0)
}

type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) LogTransfer(reference string, fromUserID, toUserID int64, amount decimal.Decimal, kind, status string) {
	m.Called(reference, fromUserID, toUserID, amount, kind, status)
}

func (m *MockAuditLogger) LogError(reference string, userID int64, err error) {
	m.Called(reference, userID, err)
}
