package repositories

import (
	"fmt"

	domain "github.com/takeout-platform/api/internal/domain"
)

// StatusMismatchError reports that a conditional order update lost against the stored state.
type StatusMismatchError struct {
	OrderID          int64
	CurrentStatus    domain.OrderStatus
	CurrentPayStatus domain.PayStatus
}

// Error implements the error interface.
func (e *StatusMismatchError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order %d: status mismatch (current %s, pay %s)", e.OrderID, e.CurrentStatus, e.CurrentPayStatus)
}

// IsNotFound implements RepositoryError.
func (e *StatusMismatchError) IsNotFound() bool { return false }

// IsConflict implements RepositoryError; a mismatch is always a conflict.
func (e *StatusMismatchError) IsConflict() bool { return e != nil }

// IsUnavailable implements RepositoryError.
func (e *StatusMismatchError) IsUnavailable() bool { return false }

var _ RepositoryError = (*StatusMismatchError)(nil)
