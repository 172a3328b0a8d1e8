package constant

import "errors"

var (
	// ErrUnauthorized maps to ledger error code 0201.
	ErrUnauthorized = errors.New("0201")
	// ErrInvalidAmount maps to ledger error code 0202.
	ErrInvalidAmount = errors.New("0202")
	// ErrInvalidSchedule maps to ledger error code 0203.
	ErrInvalidSchedule = errors.New("0203")
	// ErrUnregisteredParticipant maps to ledger error code 0204.
	ErrUnregisteredParticipant = errors.New("0204")
	// ErrIneligibleRecipient maps to ledger error code 0205.
	ErrIneligibleRecipient = errors.New("0205")
	// ErrInsufficientVested maps to ledger error code 0206.
	ErrInsufficientVested = errors.New("0206")
	// ErrExceedsGrant maps to ledger error code 0207.
	ErrExceedsGrant = errors.New("0207")
	// ErrSelfTransfer maps to ledger error code 0208.
	ErrSelfTransfer = errors.New("0208")
	// ErrVestingNotEnded maps to ledger error code 0209.
	ErrVestingNotEnded = errors.New("0209")
	// ErrArithmeticOverflow maps to ledger error code 0210.
	ErrArithmeticOverflow = errors.New("0210")
	// ErrMetadataKeyLengthExceeded maps to ledger error code 0211.
	ErrMetadataKeyLengthExceeded = errors.New("0211")
	// ErrMetadataValueLengthExceeded maps to ledger error code 0212.
	ErrMetadataValueLengthExceeded = errors.New("0212")
)
