package ledger

import (
	"github.com/LerianStudio/lib-esop/esop/safe"
)

// ApplyGrant allots amount additional options and returns the new account
// state. Granting is cumulative; it never resets vesting or exercise history.
func ApplyGrant(account Account, amount uint64) (Account, error) {
	if amount == 0 {
		return Account{}, NewDomainError(ErrorInvalidAmount, "amount", "amount must be greater than zero")
	}

	total, err := safe.AddUint64(account.TotalOptions, amount)
	if err != nil {
		return Account{}, NewDomainError(ErrorArithmeticOverflow, "totalOptions", "grant would overflow total options")
	}

	result := account
	result.TotalOptions = total

	return result, nil
}

// ApplyVestingSchedule overwrites both bounds of the vesting window. The
// window must be non-empty and the account must already hold a grant; the
// window is validated before registration so the error precedence is stable.
func ApplyVestingSchedule(account Account, start, end int64) (Account, error) {
	if start >= end {
		return Account{}, NewDomainError(ErrorInvalidSchedule, "vestingStart", "vesting start must precede vesting end")
	}

	if !account.Registered() {
		return Account{}, NewDomainError(ErrorUnregisteredParticipant, "participant", "participant has no granted options")
	}

	result := account
	result.VestingStart = start
	result.VestingEnd = end

	return result, nil
}

// ApplyExercise converts amount vested options into exercised options.
func ApplyExercise(account Account, amount uint64) (Account, error) {
	if amount == 0 {
		return Account{}, NewDomainError(ErrorInvalidAmount, "amount", "amount must be greater than zero")
	}

	if amount > account.VestedOptions {
		return Account{}, NewDomainError(ErrorInsufficientVested, "amount", "amount exceeds vested balance")
	}

	// A wrapped sum necessarily exceeds TotalOptions, so overflow maps to
	// ExceedsGrant rather than an arithmetic fault.
	exercised, err := safe.AddUint64(account.ExercisedOptions, amount)
	if err != nil || exercised > account.TotalOptions {
		return Account{}, NewDomainError(ErrorExceedsGrant, "amount", "exercise would exceed total granted options")
	}

	vested, err := safe.SubUint64(account.VestedOptions, amount)
	if err != nil {
		return Account{}, NewDomainError(ErrorArithmeticOverflow, "vestedOptions", "vested balance underflowed")
	}

	result := account
	result.VestedOptions = vested
	result.ExercisedOptions = exercised

	return result, nil
}

// ApplyVestingUnlock vests the full grant once the window has ended (the
// cliff model). Idempotent while TotalOptions is unchanged. An account with
// no schedule has VestingEnd zero and unlocks immediately; for a zero-total
// account the unlock is a no-op.
func ApplyVestingUnlock(account Account, now int64) (Account, error) {
	if now < account.VestingEnd {
		return Account{}, NewDomainError(ErrorVestingNotEnded, "now", "vesting period has not ended")
	}

	result := account
	result.VestedOptions = result.TotalOptions

	return result, nil
}

// ApplyTransferOut deducts amount vested options from the sender's side of a
// transfer. The recipient's side is a grant (ApplyGrant); received options
// re-vest under the recipient's own schedule.
func ApplyTransferOut(account Account, amount uint64) (Account, error) {
	if amount == 0 {
		return Account{}, NewDomainError(ErrorInvalidAmount, "amount", "amount must be greater than zero")
	}

	if amount > account.VestedOptions {
		return Account{}, NewDomainError(ErrorInsufficientVested, "amount", "amount exceeds vested balance")
	}

	vested, err := safe.SubUint64(account.VestedOptions, amount)
	if err != nil {
		return Account{}, NewDomainError(ErrorArithmeticOverflow, "vestedOptions", "vested balance underflowed")
	}

	result := account
	result.VestedOptions = vested

	return result, nil
}
