package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mysterium/ledger/internal/models"
	"github.com/mysterium/ledger/internal/services"
)

// Ledger is the part of TransferService the HTTP layer needs.
type Ledger interface {
	Execute(ctx context.Context, fromUserID, toUserID int64, amount decimal.Decimal, isCredit bool) (*models.Transaction, error)
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
}

type TransferHandler struct {
	ledger    Ledger
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewTransferHandler(ledger Ledger, logger *zap.Logger) *TransferHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
		logger:    logger,
	}
}

type TransferRequest struct {
	FromID int64           `json:"fromId" validate:"required,gt=0"`
	ToID   int64           `json:"toId" validate:"required,gt=0"`
	Amount decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

type TransferResponse struct {
	Message       string `json:"message"`
	TransactionID int64  `json:"transactionId"`
	Reference     string `json:"reference"`
}

type BalanceResponse struct {
	UserID  int64  `json:"userId"`
	Balance string `json:"balance"`
}

// Routes mounts the ledger endpoints on r.
func (h *TransferHandler) Routes(r chi.Router) {
	r.Post("/transfer/credit", h.TransferCredit)
	r.Post("/transfer/debit", h.TransferDebit)
	r.Get("/balance/{userId}", h.GetBalance)
}

// TransferCredit debits fromId and credits toId.
func (h *TransferHandler) TransferCredit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransfer(w, r)
	if !ok {
		return
	}
	h.execute(w, r, req.FromID, req.ToID, req.Amount, true)
}

// TransferDebit records a debit transfer. The body ids are passed to the
// ledger swapped, so funds still leave fromId and arrive at toId.
func (h *TransferHandler) TransferDebit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransfer(w, r)
	if !ok {
		return
	}
	h.execute(w, r, req.ToID, req.FromID, req.Amount, false)
}

func (h *TransferHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil || userID <= 0 {
		services.SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.sendLedgerError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, BalanceResponse{
		UserID:  userID,
		Balance: balance.StringFixed(2),
	})
}

func (h *TransferHandler) execute(w http.ResponseWriter, r *http.Request, fromUserID, toUserID int64, amount decimal.Decimal, isCredit bool) {
	record, err := h.ledger.Execute(r.Context(), fromUserID, toUserID, amount, isCredit)
	if err != nil {
		h.logger.Info("transfer rejected",
			zap.Int64("from_user_id", fromUserID),
			zap.Int64("to_user_id", toUserID),
			zap.String("amount", amount.String()),
			zap.Bool("credit", isCredit),
			zap.Error(err))
		h.sendLedgerError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, TransferResponse{
		Message:       "Transfer completed successfully",
		TransactionID: record.ID,
		Reference:     record.Reference.String(),
	})
}

func (h *TransferHandler) decodeTransfer(w http.ResponseWriter, r *http.Request) (*TransferRequest, bool) {
	var req TransferRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return nil, false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return nil, false
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return nil, false
	}

	return &req, true
}

func (h *TransferHandler) sendLedgerError(w http.ResponseWriter, err error) {
	kind := services.KindOf(err)

	status, message := http.StatusInternalServerError, "Transfer could not be processed"
	switch kind {
	case services.KindInvalidRequest:
		status, message = http.StatusBadRequest, err.Error()
	case services.KindAccountNotFound:
		status, message = http.StatusNotFound, "Account not found"
	case services.KindInsufficientBalance:
		status, message = http.StatusUnprocessableEntity, "Insufficient balance"
	default:
		h.logger.Error("ledger operation failed", zap.Error(err))
	}

	resp := services.ErrorResponse{Error: message, Code: string(kind)}

	var transferErr *services.TransferError
	if errors.As(err, &transferErr) && transferErr.Record != nil {
		resp.Details = map[string]string{"reference": transferErr.Record.Reference.String()}
	}

	services.SendJSON(w, status, resp)
}
