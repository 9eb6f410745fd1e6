package core

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable code carried by every business error.
// The HTTP layer maps codes to status classes; codes never change once shipped.
type ErrorCode string

const (
	// Tenant guards
	ErrCodeCompanyInactive  ErrorCode = "COMPANY_INACTIVE"
	ErrCodeCompanyLocked    ErrorCode = "COMPANY_LOCKED"
	ErrCodeFYClosed         ErrorCode = "FINANCIAL_YEAR_CLOSED"
	ErrCodeFYNotCurrent     ErrorCode = "FINANCIAL_YEAR_NOT_CURRENT"
	ErrCodeDateOutsideFY    ErrorCode = "DATE_OUTSIDE_FINANCIAL_YEAR"

	// State guards
	ErrCodeAlreadyPosted       ErrorCode = "ALREADY_POSTED"
	ErrCodeAlreadyReversed     ErrorCode = "ALREADY_REVERSED"
	ErrCodeInvalidVoucherState ErrorCode = "INVALID_VOUCHER_STATE"
	ErrCodeCannotModifyPosted  ErrorCode = "CANNOT_MODIFY_POSTED_VOUCHER"
	ErrCodeVoucherTypeInactive ErrorCode = "VOUCHER_TYPE_INACTIVE"
	ErrCodeInvalidOrderState   ErrorCode = "INVALID_ORDER_STATE"
	ErrCodeInvalidPaymentState ErrorCode = "INVALID_PAYMENT_STATE"

	// Validation
	ErrCodeUnbalancedVoucher ErrorCode = "UNBALANCED_VOUCHER"
	ErrCodeNonPositiveAmount ErrorCode = "NON_POSITIVE_AMOUNT"
	ErrCodeInvalidEntryType  ErrorCode = "INVALID_ENTRY_TYPE"
	ErrCodeCrossCompanyRef   ErrorCode = "CROSS_COMPANY_REFERENCE"
	ErrCodeTooFewLines       ErrorCode = "TOO_FEW_LINES"
	ErrCodeOverAllocation    ErrorCode = "OVER_ALLOCATION"

	// Inventory
	ErrCodeInsufficientStock        ErrorCode = "INSUFFICIENT_STOCK"
	ErrCodeNoBatchesAvailable       ErrorCode = "NO_BATCHES_AVAILABLE"
	ErrCodeInvalidMovementEndpoints ErrorCode = "INVALID_MOVEMENT_ENDPOINTS"

	// Workflow
	ErrCodeApprovalRequired      ErrorCode = "APPROVAL_REQUIRED"
	ErrCodePendingApprovalExists ErrorCode = "PENDING_APPROVAL_EXISTS"
	ErrCodeSelfApprovalForbidden ErrorCode = "SELF_APPROVAL_FORBIDDEN"
	ErrCodeApprovalNotPending    ErrorCode = "APPROVAL_NOT_PENDING"

	// Credit
	ErrCodeCreditLimitExceeded ErrorCode = "CREDIT_LIMIT_EXCEEDED"

	// Idempotency
	ErrCodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"

	// Generic
	ErrCodeNotFound  ErrorCode = "NOT_FOUND"
	ErrCodeForbidden ErrorCode = "FORBIDDEN"
)

// Error is the structured business error surfaced to callers.
// Infrastructure failures are wrapped with fmt.Errorf and stay uncoded.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a coded error with a formatted message.
func E(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ED builds a coded error carrying structured details.
func ED(code ErrorCode, details map[string]any, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Details: details}
}

// CodeOf extracts the error code from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
