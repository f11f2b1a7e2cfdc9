package audit

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const auditMessage = "AUDIT"

// Event types written to the audit stream.
const (
	EventTransfer = "TRANSFER"
	EventError    = "ERROR"
)

type AuditLogger struct {
	logger *zap.Logger
}

func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{logger: logger.Named("audit")}
}

func (a *AuditLogger) LogTransfer(reference string, fromUserID, toUserID int64, amount decimal.Decimal, kind, status string) {
	a.logger.Info(auditMessage,
		zap.String("event_type", EventTransfer),
		zap.String("reference", reference),
		zap.Int64("from_user_id", fromUserID),
		zap.Int64("to_user_id", toUserID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("transaction_type", kind),
		zap.String("status", status),
	)
}

func (a *AuditLogger) LogError(reference string, userID int64, err error) {
	a.logger.Warn(auditMessage,
		zap.String("event_type", EventError),
		zap.String("reference", reference),
		zap.Int64("user_id", userID),
		zap.String("status", "failed"),
		zap.Error(err),
	)
}
