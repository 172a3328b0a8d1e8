package ledger

import (
	"fmt"

	cn "github.com/LerianStudio/lib-esop/esop/constants"
)

// ErrorCode is a domain error code used by ledger validations.
type ErrorCode string

const (
	// ErrorUnauthorized indicates the caller lacks the role the operation requires.
	ErrorUnauthorized ErrorCode = "0201"
	// ErrorInvalidAmount indicates a zero option amount.
	ErrorInvalidAmount ErrorCode = "0202"
	// ErrorInvalidSchedule indicates a vesting window whose start does not precede its end.
	ErrorInvalidSchedule ErrorCode = "0203"
	// ErrorUnregisteredParticipant indicates a schedule target with no granted options.
	ErrorUnregisteredParticipant ErrorCode = "0204"
	// ErrorIneligibleRecipient indicates a transfer recipient with no granted options.
	ErrorIneligibleRecipient ErrorCode = "0205"
	// ErrorInsufficientVested indicates an amount exceeding the vested balance.
	ErrorInsufficientVested ErrorCode = "0206"
	// ErrorExceedsGrant indicates an exercise that would exceed the total grant.
	ErrorExceedsGrant ErrorCode = "0207"
	// ErrorSelfTransfer indicates a transfer whose recipient is the caller.
	ErrorSelfTransfer ErrorCode = "0208"
	// ErrorVestingNotEnded indicates a vesting update before the window has ended.
	ErrorVestingNotEnded ErrorCode = "0209"
	// ErrorArithmeticOverflow indicates checked option arithmetic overflowed.
	ErrorArithmeticOverflow ErrorCode = "0210"
)

// codeSentinels maps domain codes to the library-wide sentinel errors, so a
// DomainError also matches errors.Is checks against esop/constants.
var codeSentinels = map[ErrorCode]error{
	ErrorUnauthorized:            cn.ErrUnauthorized,
	ErrorInvalidAmount:           cn.ErrInvalidAmount,
	ErrorInvalidSchedule:         cn.ErrInvalidSchedule,
	ErrorUnregisteredParticipant: cn.ErrUnregisteredParticipant,
	ErrorIneligibleRecipient:     cn.ErrIneligibleRecipient,
	ErrorInsufficientVested:      cn.ErrInsufficientVested,
	ErrorExceedsGrant:            cn.ErrExceedsGrant,
	ErrorSelfTransfer:            cn.ErrSelfTransfer,
	ErrorVestingNotEnded:         cn.ErrVestingNotEnded,
	ErrorArithmeticOverflow:      cn.ErrArithmeticOverflow,
}

// DomainError represents a structured ledger domain validation error.
type DomainError struct {
	Code    ErrorCode
	Field   string
	Message string
}

// Error returns the formatted domain error string.
func (e DomainError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
}

// Unwrap returns the sentinel error for the code, or nil for unknown codes.
func (e DomainError) Unwrap() error {
	return codeSentinels[e.Code]
}

// NewDomainError creates a domain error with code, field, and message.
func NewDomainError(code ErrorCode, field, message string) error {
	return DomainError{Code: code, Field: field, Message: message}
}
