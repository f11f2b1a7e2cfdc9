package services

import (
	"errors"
	"fmt"

	"github.com/mysterium/ledger/internal/models"
)

var (
	ErrInvalidTransfer     = errors.New("invalid transfer request")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStorageFailure      = errors.New("ledger storage failure")
	// ErrAccountNotFound is the store's sentinel, re-exported for callers of this package.
	ErrAccountNotFound = models.ErrAccountNotFound
)

// ErrorKind discriminates the ways a ledger operation can fail.
type ErrorKind string

const (
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindAccountNotFound     ErrorKind = "account_not_found"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindStorageFailure      ErrorKind = "storage_failure"
)

// TransferError is returned by every failing TransferService operation.
// Record is the failed ledger entry when one was persisted.
type TransferError struct {
	Kind   ErrorKind
	Record *models.Transaction
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel of the error's kind even when Err wraps
// a lower-level cause.
func (e *TransferError) Is(target error) bool {
	return e.Kind == KindStorageFailure && target == ErrStorageFailure
}

// KindOf returns the kind of err, or an empty kind when err is nil or was not
// produced by this package.
func KindOf(err error) ErrorKind {
	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		return transferErr.Kind
	}
	return ""
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidTransfer):
		return KindInvalidRequest
	case errors.Is(err, models.ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	default:
		return KindStorageFailure
	}
}
