package esop

import (
	constant "github.com/LerianStudio/lib-esop/esop/constants"
)

// Response represents a business error with code, title, and message.
type Response struct {
	EntityType string `json:"entityType,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Err        error  `json:"err,omitempty"`
}

func (e Response) Error() string {
	return e.Message
}

// ValidateBusinessError validates the error and returns the appropriate business error code, title, and message.
//
// Parameters:
//   - err: The error to be validated (the sentinel errors declared in esop/constants).
//   - entityType: The type of the entity related to the error.
//   - args: Additional arguments for formatting error messages.
//
// Returns:
//   - error: The appropriate business error with code, title, and message.
func ValidateBusinessError(err error, entityType string, args ...any) error {
	errorMap := map[error]error{
		constant.ErrUnauthorized: Response{
			EntityType: entityType,
			Code:       constant.ErrUnauthorized.Error(),
			Title:      "Unauthorized Operation",
			Message:    "The caller is not permitted to perform this operation. Please verify the caller identity and try again.",
		},
		constant.ErrInvalidAmount: Response{
			EntityType: entityType,
			Code:       constant.ErrInvalidAmount.Error(),
			Title:      "Invalid Amount",
			Message:    "The provided amount is not valid for this operation. Amounts must be greater than zero. Please adjust the amount and try again.",
		},
		constant.ErrInvalidSchedule: Response{
			EntityType: entityType,
			Code:       constant.ErrInvalidSchedule.Error(),
			Title:      "Invalid Vesting Schedule",
			Message:    "The vesting schedule is malformed: the start must be strictly before the end. Please review the schedule bounds and try again.",
		},
		constant.ErrUnregisteredParticipant: Response{
			EntityType: entityType,
			Code:       constant.ErrUnregisteredParticipant.Error(),
			Title:      "Unregistered Participant",
			Message:    "The participant has no granted options on record. Grant options to the participant before performing this operation.",
		},
		constant.ErrIneligibleRecipient: Response{
			EntityType: entityType,
			Code:       constant.ErrIneligibleRecipient.Error(),
			Title:      "Ineligible Recipient",
			Message:    "The transfer recipient is not a registered participant. Transfers are restricted to participants with existing grants. Please review the recipient and try again.",
		},
		constant.ErrInsufficientVested: Response{
			EntityType: entityType,
			Code:       constant.ErrInsufficientVested.Error(),
			Title:      "Insufficient Vested Balance",
			Message:    "The operation could not be completed due to an insufficient vested balance. Please review the vested amount and try again.",
		},
		constant.ErrExceedsGrant: Response{
			EntityType: entityType,
			Code:       constant.ErrExceedsGrant.Error(),
			Title:      "Exceeds Granted Total",
			Message:    "The operation would push the exercised amount beyond the granted total. Please review the amounts and try again.",
		},
		constant.ErrSelfTransfer: Response{
			EntityType: entityType,
			Code:       constant.ErrSelfTransfer.Error(),
			Title:      "Self Transfer Not Allowed",
			Message:    "Options cannot be transferred to the caller's own account. Please provide a different recipient and try again.",
		},
		constant.ErrVestingNotEnded: Response{
			EntityType: entityType,
			Code:       constant.ErrVestingNotEnded.Error(),
			Title:      "Vesting Period Not Ended",
			Message:    "The vesting period has not ended yet. Please wait until the vesting end before updating the vested balance.",
		},
		constant.ErrArithmeticOverflow: Response{
			EntityType: entityType,
			Code:       constant.ErrArithmeticOverflow.Error(),
			Title:      "Arithmetic Overflow",
			Message:    "The request could not be completed due to an arithmetic overflow. Please check the values, and try again.",
		},
	}
	if mappedError, found := errorMap[err]; found {
		return mappedError
	}

	return err
}
