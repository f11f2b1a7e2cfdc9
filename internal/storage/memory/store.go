package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mysterium/ledger/internal/interfaces"
	"github.com/mysterium/ledger/internal/models"
)

// MemoryLedgerStore is an in-memory LedgerStore.
// A transaction takes a per-owner lock on every account it reads and holds it
// until commit or rollback; writes are staged and applied together on commit.
type MemoryLedgerStore struct {
	mu           sync.Mutex
	accounts     map[int64]models.Account // keyed by owner id
	transactions []models.Transaction
	nextAcctID   int64
	nextTxID     int64

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex // per-owner row locks
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:   make(map[int64]models.Account),
		locks:      make(map[int64]*sync.Mutex),
		nextAcctID: 1,
		nextTxID:   1,
	}
}

// CreateAccount opens an account for ownerID with the given opening balance.
// Calling it again for the same owner overwrites the balance.
func (m *MemoryLedgerStore) CreateAccount(ownerID int64, balance decimal.Decimal) models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[ownerID]
	if !exists {
		account = models.Account{ID: m.nextAcctID, OwnerID: ownerID, Version: 1}
		m.nextAcctID++
	}
	account.Balance = balance
	account.UpdatedAt = time.Now().UTC()
	m.accounts[ownerID] = account
	return account
}

// Transactions returns a copy of every committed ledger entry in insertion order.
func (m *MemoryLedgerStore) Transactions() []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]models.Transaction, len(m.transactions))
	copy(copied, m.transactions)
	return copied
}

func (m *MemoryLedgerStore) FindAccountByOwner(ctx context.Context, ownerID int64) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[ownerID]
	if !exists {
		return nil, models.ErrAccountNotFound
	}
	return &account, nil
}

func (m *MemoryLedgerStore) WithTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:    m,
		held:     make(map[int64]*sync.Mutex),
		accounts: make(map[int64]models.Account),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.commit()
	return nil
}

func (m *MemoryLedgerStore) ownerLock(ownerID int64) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	if _, exists := m.locks[ownerID]; !exists {
		m.locks[ownerID] = &sync.Mutex{}
	}
	return m.locks[ownerID]
}

type memoryTx struct {
	store    *MemoryLedgerStore
	held     map[int64]*sync.Mutex
	accounts map[int64]models.Account // staged writes, keyed by owner id
	records  []*models.Transaction
}

func (t *memoryTx) FindAccountByOwner(ctx context.Context, ownerID int64) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, locked := t.held[ownerID]; !locked {
		lock := t.store.ownerLock(ownerID)
		lock.Lock()
		t.held[ownerID] = lock
	}

	if staged, exists := t.accounts[ownerID]; exists {
		return &staged, nil
	}
	return t.store.FindAccountByOwner(ctx, ownerID)
}

func (t *memoryTx) SaveAccount(ctx context.Context, account *models.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	account.Version++
	account.UpdatedAt = time.Now().UTC()
	t.accounts[account.OwnerID] = *account
	return nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, record *models.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.records = append(t.records, record)
	return nil
}

func (t *memoryTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for ownerID, account := range t.accounts {
		s.accounts[ownerID] = account
	}

	now := time.Now().UTC()
	for _, record := range t.records {
		record.ID = s.nextTxID
		record.CreatedAt = now
		s.nextTxID++
		s.transactions = append(s.transactions, *record)
	}
}

func (t *memoryTx) release() {
	for _, lock := range t.held {
		lock.Unlock()
	}
}

var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
