package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mysterium/ledger/internal/events"
	"github.com/mysterium/ledger/internal/models"
	"github.com/mysterium/ledger/internal/storage/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newMemoryService(t *testing.T, balances map[int64]string) (*TransferService, *memory.MemoryLedgerStore) {
	t.Helper()
	store := memory.NewMemoryLedgerStore()
	for ownerID, balance := range balances {
		store.CreateAccount(ownerID, dec(balance))
	}
	service := NewTransferService(store, nil, nil, nil, TransferConfig{TxTimeout: time.Second})
	return service, store
}

func assertBalance(t *testing.T, service *TransferService, userID int64, want string) {
	t.Helper()
	balance, err := service.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, want, balance.StringFixed(2), "balance of user %d", userID)
}

func TestTransferService_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("credit transfer moves funds from first to second user", func(t *testing.T) {
		service, store := newMemoryService(t, map[int64]string{1: "100.00", 2: "50.00"})

		record, err := service.Execute(ctx, 1, 2, dec("30.00"), true)
		require.NoError(t, err)

		assertBalance(t, service, 1, "70.00")
		assertBalance(t, service, 2, "80.00")

		records := store.Transactions()
		require.Len(t, records, 1)
		assert.Equal(t, models.KindCredit, records[0].Kind)
		assert.Equal(t, models.StatusSuccess, records[0].Status)
		assert.Equal(t, "30.00", records[0].Amount.StringFixed(2))
		assert.Equal(t, int64(1), records[0].FromAccountRef)
		assert.Equal(t, int64(2), records[0].ToAccountRef)
		assert.Equal(t, records[0].ID, record.ID)
		assert.Equal(t, records[0].Reference, record.Reference)
	})

	t.Run("debit transfer moves funds from second to first user", func(t *testing.T) {
		service, store := newMemoryService(t, map[int64]string{1: "100.00", 2: "50.00"})

		_, err := service.Execute(ctx, 1, 2, dec("50.00"), false)
		require.NoError(t, err)

		assertBalance(t, service, 1, "150.00")
		assertBalance(t, service, 2, "0.00")

		records := store.Transactions()
		require.Len(t, records, 1)
		assert.Equal(t, models.KindDebit, records[0].Kind)
		assert.Equal(t, models.StatusSuccess, records[0].Status)
	})

	t.Run("insufficient balance leaves balances and records failure", func(t *testing.T) {
		service, store := newMemoryService(t, map[int64]string{1: "10.00", 2: "50.00"})

		record, err := service.Execute(ctx, 1, 2, dec("30.00"), true)
		require.Error(t, err)
		assert.Nil(t, record)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, KindInsufficientBalance, KindOf(err))

		assertBalance(t, service, 1, "10.00")
		assertBalance(t, service, 2, "50.00")

		records := store.Transactions()
		require.Len(t, records, 1)
		assert.Equal(t, models.StatusFailed, records[0].Status)
		assert.Equal(t, models.KindCredit, records[0].Kind)
		assert.Equal(t, "30.00", records[0].Amount.StringFixed(2))

		var transferErr *TransferError
		require.True(t, errors.As(err, &transferErr))
		require.NotNil(t, transferErr.Record)
		assert.Equal(t, records[0].ID, transferErr.Record.ID)
	})

	t.Run("debit direction checks the second user's balance", func(t *testing.T) {
		service, _ := newMemoryService(t, map[int64]string{1: "500.00", 2: "20.00"})

		_, err := service.Execute(ctx, 1, 2, dec("20.01"), false)
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		assertBalance(t, service, 1, "500.00")
		assertBalance(t, service, 2, "20.00")
	})

	t.Run("exact balance can be transferred", func(t *testing.T) {
		service, _ := newMemoryService(t, map[int64]string{1: "25.50", 2: "0.00"})

		_, err := service.Execute(ctx, 1, 2, dec("25.50"), true)
		require.NoError(t, err)

		assertBalance(t, service, 1, "0.00")
		assertBalance(t, service, 2, "25.50")
	})

	t.Run("missing account records failure", func(t *testing.T) {
		service, store := newMemoryService(t, map[int64]string{1: "100.00"})

		_, err := service.Execute(ctx, 1, 99, dec("10.00"), true)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.Equal(t, KindAccountNotFound, KindOf(err))

		assertBalance(t, service, 1, "100.00")

		records := store.Transactions()
		require.Len(t, records, 1)
		assert.Equal(t, models.StatusFailed, records[0].Status)
		assert.Equal(t, int64(99), records[0].ToAccountRef)
	})

	t.Run("both accounts missing records failure", func(t *testing.T) {
		service, store := newMemoryService(t, nil)

		_, err := service.Execute(ctx, 3, 4, dec("10.00"), false)
		assert.ErrorIs(t, err, ErrAccountNotFound)

		records := store.Transactions()
		require.Len(t, records, 1)
		assert.Equal(t, models.KindDebit, records[0].Kind)
		assert.Equal(t, models.StatusFailed, records[0].Status)
	})

	t.Run("cancelled request still records failure", func(t *testing.T) {
		service, store := newMemoryService(t, map[int64]string{1: "100.00", 2: "0.00"})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := service.Execute(cancelled, 1, 2, dec("10.00"), true)
		require.Error(t, err)
		assert.Equal(t, KindStorageFailure, KindOf(err))
		assert.ErrorIs(t, err, ErrStorageFailure)
		assert.ErrorIs(t, err, context.Canceled)

		assertBalance(t, service, 1, "100.00")
		records := store.Transactions()
		require.Len(t, records, 1)
		assert.Equal(t, models.StatusFailed, records[0].Status)
	})

	t.Run("ledger ids increase with every attempt", func(t *testing.T) {
		service, store := newMemoryService(t, map[int64]string{1: "100.00", 2: "0.00"})

		_, _ = service.Execute(ctx, 1, 2, dec("60.00"), true)
		_, _ = service.Execute(ctx, 1, 2, dec("60.00"), true)
		_, _ = service.Execute(ctx, 2, 1, dec("60.00"), true)

		records := store.Transactions()
		require.Len(t, records, 3)
		assert.Equal(t, models.StatusSuccess, records[0].Status)
		assert.Equal(t, models.StatusFailed, records[1].Status)
		assert.Equal(t, models.StatusSuccess, records[2].Status)
		for i := 1; i < len(records); i++ {
			assert.Greater(t, records[i].ID, records[i-1].ID)
		}
	})
}

func TestTransferService_Execute_InvalidInput(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		from   int64
		to     int64
		amount string
	}{
		{name: "self transfer", from: 1, to: 1, amount: "10.00"},
		{name: "zero amount", from: 1, to: 2, amount: "0"},
		{name: "negative amount", from: 1, to: 2, amount: "-5.00"},
		{name: "sub-cent amount", from: 1, to: 2, amount: "0.001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, store := newMemoryService(t, map[int64]string{1: "100.00", 2: "100.00"})

			_, err := service.Execute(ctx, tt.from, tt.to, dec(tt.amount), true)
			assert.ErrorIs(t, err, ErrInvalidTransfer)
			assert.Equal(t, KindInvalidRequest, KindOf(err))

			assert.Empty(t, store.Transactions())
			assertBalance(t, service, 1, "100.00")
			assertBalance(t, service, 2, "100.00")
		})
	}
}

func TestTransferService_Properties(t *testing.T) {
	ctx := context.Background()

	t.Run("conservation and audit completeness", func(t *testing.T) {
		service, store := newMemoryService(t, map[int64]string{1: "100.00", 2: "40.00", 3: "5.00"})

		calls := []struct {
			from, to int64
			amount   string
			isCredit bool
		}{
			{1, 2, "10.00", true},
			{2, 3, "70.00", true},
			{1, 3, "2.50", false},
			{3, 1, "1000.00", true},
			{2, 4, "1.00", true},
			{1, 2, "33.33", false},
		}
		for _, c := range calls {
			_, _ = service.Execute(ctx, c.from, c.to, dec(c.amount), c.isCredit)
		}

		assert.Len(t, store.Transactions(), len(calls))

		total := decimal.Zero
		for _, userID := range []int64{1, 2, 3} {
			balance, err := service.GetBalance(ctx, userID)
			require.NoError(t, err)
			assert.False(t, balance.IsNegative())
			total = total.Add(balance)
		}
		assert.Equal(t, "145.00", total.StringFixed(2))
	})

	t.Run("concurrent transfers within balance all succeed", func(t *testing.T) {
		const n = 20
		balances := map[int64]string{1: "200.00"}
		for i := int64(0); i < n; i++ {
			balances[100+i] = "0.00"
		}
		service, store := newMemoryService(t, balances)

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := int64(0); i < n; i++ {
			wg.Add(1)
			go func(to int64) {
				defer wg.Done()
				_, err := service.Execute(ctx, 1, to, dec("10.00"), true)
				errs <- err
			}(100 + i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assertBalance(t, service, 1, "0.00")
		assert.Len(t, store.Transactions(), n)
	})

	t.Run("concurrent overdraw succeeds only as far as balance allows", func(t *testing.T) {
		const n = 25
		balances := map[int64]string{1: "100.00"}
		for i := int64(0); i < n; i++ {
			balances[100+i] = "0.00"
		}
		service, store := newMemoryService(t, balances)

		var (
			wg           sync.WaitGroup
			mu           sync.Mutex
			succeeded    int
			insufficient int
		)
		for i := int64(0); i < n; i++ {
			wg.Add(1)
			go func(to int64) {
				defer wg.Done()
				_, err := service.Execute(ctx, 1, to, dec("10.00"), true)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ErrInsufficientBalance):
					insufficient++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(100 + i)
		}
		wg.Wait()

		assert.Equal(t, 10, succeeded)
		assert.Equal(t, n-10, insufficient)
		assertBalance(t, service, 1, "0.00")
		assert.Len(t, store.Transactions(), n)
	})

	t.Run("opposite direction transfers on one pair do not deadlock", func(t *testing.T) {
		service, _ := newMemoryService(t, map[int64]string{1: "1000.00", 2: "1000.00"})

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = service.Execute(ctx, 1, 2, dec("1.00"), true)
			}()
			go func() {
				defer wg.Done()
				_, _ = service.Execute(ctx, 2, 1, dec("1.00"), true)
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("transfers deadlocked")
		}

		assertBalance(t, service, 1, "1000.00")
		assertBalance(t, service, 2, "1000.00")
	})
}

func TestTransferService_GetBalance(t *testing.T) {
	service, _ := newMemoryService(t, map[int64]string{1: "12.34"})

	t.Run("existing account", func(t *testing.T) {
		assertBalance(t, service, 1, "12.34")
	})

	t.Run("unknown user", func(t *testing.T) {
		balance, err := service.GetBalance(context.Background(), 404)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.Equal(t, KindAccountNotFound, KindOf(err))
		assert.True(t, balance.IsZero())
	})

	t.Run("store failure", func(t *testing.T) {
		store := &MockLedgerStore{}
		store.On("FindAccountByOwner", mock.Anything, int64(1)).Return(nil, errors.New("connection reset"))
		service := NewTransferService(store, nil, nil, nil, TransferConfig{})

		_, err := service.GetBalance(context.Background(), 1)
		assert.ErrorIs(t, err, ErrStorageFailure)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestTransferService_Execute_WithMocks(t *testing.T) {
	ctx := context.Background()
	cfg := TransferConfig{EventTopic: "ledger.transfers"}

	account := func(id, owner int64, balance string) *models.Account {
		return &models.Account{ID: id, OwnerID: owner, Balance: dec(balance), Version: 1}
	}

	t.Run("locks accounts in ascending owner order and publishes completion", func(t *testing.T) {
		tx := &MockLedgerTx{}
		store := &MockLedgerStore{Tx: tx}
		publisher := &MockPublisher{}
		auditLogger := &MockAuditLogger{}

		store.On("WithTx", mock.Anything).Return(nil, nil).Once()

		lowCall := tx.On("FindAccountByOwner", mock.Anything, int64(2)).Return(account(20, 2, "80.00"), nil).Once()
		tx.On("FindAccountByOwner", mock.Anything, int64(5)).Return(account(50, 5, "10.00"), nil).Once().NotBefore(lowCall)
		tx.On("SaveAccount", mock.Anything, mock.MatchedBy(func(a *models.Account) bool {
			return a.OwnerID == 5 && a.Balance.Equal(dec("0"))
		})).Return(nil).Once()
		tx.On("SaveAccount", mock.Anything, mock.MatchedBy(func(a *models.Account) bool {
			return a.OwnerID == 2 && a.Balance.Equal(dec("90"))
		})).Return(nil).Once()
		tx.On("InsertTransaction", mock.Anything, mock.MatchedBy(func(r *models.Transaction) bool {
			return r.Status == models.StatusSuccess && r.Kind == models.KindCredit &&
				r.FromAccountRef == 5 && r.ToAccountRef == 2
		})).Return(nil).Once()

		auditLogger.On("LogTransfer", mock.Anything, int64(5), int64(2), mock.Anything, models.KindCredit, models.StatusSuccess).Once()
		publisher.On("Publish", mock.Anything, "ledger.transfers", mock.MatchedBy(func(e events.TransferEvent) bool {
			return e.EventType == events.TransferCompleted && e.ErrorKind == ""
		})).Return(nil).Once()

		service := NewTransferService(store, publisher, auditLogger, nil, cfg)
		_, err := service.Execute(ctx, 5, 2, dec("10.00"), true)
		require.NoError(t, err)

		store.AssertExpectations(t)
		tx.AssertExpectations(t)
		publisher.AssertExpectations(t)
		auditLogger.AssertExpectations(t)
	})

	t.Run("storage failure during save records failure separately", func(t *testing.T) {
		tx := &MockLedgerTx{}
		store := &MockLedgerStore{Tx: tx}
		publisher := &MockPublisher{}
		auditLogger := &MockAuditLogger{}

		store.On("WithTx", mock.Anything).Return(nil, nil).Twice()
		tx.On("FindAccountByOwner", mock.Anything, int64(1)).Return(account(10, 1, "100.00"), nil).Once()
		tx.On("FindAccountByOwner", mock.Anything, int64(2)).Return(account(20, 2, "0.00"), nil).Once()
		tx.On("SaveAccount", mock.Anything, mock.Anything).Return(errors.New("optimistic lock failed")).Once()
		tx.On("InsertTransaction", mock.Anything, mock.MatchedBy(func(r *models.Transaction) bool {
			return r.Status == models.StatusFailed && r.ID == 0
		})).Return(nil).Once()

		auditLogger.On("LogError", mock.Anything, int64(1), mock.Anything).Once()
		auditLogger.On("LogTransfer", mock.Anything, int64(1), int64(2), mock.Anything, models.KindCredit, models.StatusFailed).Once()
		publisher.On("Publish", mock.Anything, "ledger.transfers", mock.MatchedBy(func(e events.TransferEvent) bool {
			return e.EventType == events.TransferFailed && e.ErrorKind == string(KindStorageFailure)
		})).Return(nil).Once()

		service := NewTransferService(store, publisher, auditLogger, nil, cfg)
		_, err := service.Execute(ctx, 1, 2, dec("10.00"), true)

		require.Error(t, err)
		assert.Equal(t, KindStorageFailure, KindOf(err))
		assert.Contains(t, err.Error(), "optimistic lock failed")

		store.AssertExpectations(t)
		tx.AssertExpectations(t)
		publisher.AssertExpectations(t)
		auditLogger.AssertExpectations(t)
	})

	t.Run("commit failure is a storage failure", func(t *testing.T) {
		tx := &MockLedgerTx{}
		store := &MockLedgerStore{Tx: tx}
		auditLogger := &MockAuditLogger{}

		commitErr := &pq.Error{Code: "08006", Message: "connection failure"}
		store.On("WithTx", mock.Anything).Return(nil, commitErr).Once()
		store.On("WithTx", mock.Anything).Return(nil, nil).Once()
		tx.On("FindAccountByOwner", mock.Anything, int64(1)).Return(account(10, 1, "100.00"), nil).Once()
		tx.On("FindAccountByOwner", mock.Anything, int64(2)).Return(account(20, 2, "0.00"), nil).Once()
		tx.On("SaveAccount", mock.Anything, mock.Anything).Return(nil).Twice()
		tx.On("InsertTransaction", mock.Anything, mock.Anything).Return(nil).Twice()
		auditLogger.On("LogError", mock.Anything, int64(1), mock.Anything).Once()
		auditLogger.On("LogTransfer", mock.Anything, int64(1), int64(2), mock.Anything, models.KindCredit, models.StatusFailed).Once()

		service := NewTransferService(store, nil, auditLogger, nil, cfg)
		_, err := service.Execute(ctx, 1, 2, dec("10.00"), true)

		assert.ErrorIs(t, err, ErrStorageFailure)
		var pqErr *pq.Error
		assert.True(t, errors.As(err, &pqErr))

		auditLogger.AssertExpectations(t)
	})

	t.Run("failure record cannot be written", func(t *testing.T) {
		tx := &MockLedgerTx{}
		store := &MockLedgerStore{Tx: tx}
		auditLogger := &MockAuditLogger{}

		store.On("WithTx", mock.Anything).Return(nil, nil).Once()
		store.On("WithTx", mock.Anything).Return(errors.New("database is down"), nil).Once()
		tx.On("FindAccountByOwner", mock.Anything, int64(1)).Return(account(10, 1, "1.00"), nil).Once()
		tx.On("FindAccountByOwner", mock.Anything, int64(2)).Return(account(20, 2, "0.00"), nil).Once()
		auditLogger.On("LogError", mock.Anything, int64(1), mock.Anything).Once()

		service := NewTransferService(store, nil, auditLogger, nil, cfg)
		_, err := service.Execute(ctx, 1, 2, dec("10.00"), true)

		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, KindInsufficientBalance, KindOf(err))
		assert.Contains(t, err.Error(), "database is down")

		var transferErr *TransferError
		require.True(t, errors.As(err, &transferErr))
		assert.Nil(t, transferErr.Record)

		tx.AssertNotCalled(t, "InsertTransaction", mock.Anything, mock.Anything)
		auditLogger.AssertExpectations(t)
	})

	t.Run("publish errors do not fail the transfer", func(t *testing.T) {
		service, _ := newMemoryService(t, map[int64]string{1: "10.00", 2: "0.00"})
		publisher := &MockPublisher{}
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))
		service.publisher = publisher

		_, err := service.Execute(ctx, 1, 2, dec("10.00"), true)
		assert.NoError(t, err)
		publisher.AssertNumberOfCalls(t, "Publish", 1)
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, KindAccountNotFound, KindOf(&TransferError{Kind: KindAccountNotFound, Err: ErrAccountNotFound}))
}
