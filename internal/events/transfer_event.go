package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mysterium/ledger/internal/models"
)

// Event types published for every transfer attempt that reached the store.
const (
	TransferCompleted = "transfer.completed"
	TransferFailed    = "transfer.failed"
)

type TransferEvent struct {
	EventType     string          `json:"event_type"`
	Reference     string          `json:"reference"`
	TransactionID int64           `json:"transaction_id,omitempty"`
	FromUserID    int64           `json:"from_user_id"`
	ToUserID      int64           `json:"to_user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Kind          string          `json:"transaction_type"`
	Status        string          `json:"status"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewTransferEvent builds the event for a ledger record. errorKind is empty
// for successful transfers.
func NewTransferEvent(record *models.Transaction, errorKind string) TransferEvent {
	eventType := TransferCompleted
	if record.Status != models.StatusSuccess {
		eventType = TransferFailed
	}

	occurredAt := record.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return TransferEvent{
		EventType:     eventType,
		Reference:     record.Reference.String(),
		TransactionID: record.ID,
		FromUserID:    record.FromAccountRef,
		ToUserID:      record.ToAccountRef,
		Amount:        record.Amount,
		Kind:          record.Kind,
		Status:        record.Status,
		ErrorKind:     errorKind,
		OccurredAt:    occurredAt,
	}
}
