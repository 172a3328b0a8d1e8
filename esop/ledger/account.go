package ledger

// Identity is an opaque verified principal: the plan authority or a
// participant. Verification happens outside this package; an Identity
// arrives already trusted.
type Identity string

// Account is the per-participant option record. The zero value is a valid,
// unregistered account. TotalOptions and ExercisedOptions are cumulative
// counters; VestingStart and VestingEnd bound the cliff window in unix
// seconds and are zero until a schedule is set.
type Account struct {
	TotalOptions     uint64 `json:"totalOptions"`
	VestedOptions    uint64 `json:"vestedOptions"`
	ExercisedOptions uint64 `json:"exercisedOptions"`
	VestingStart     int64  `json:"vestingStart"`
	VestingEnd       int64  `json:"vestingEnd"`
}

// Registered reports whether the account has ever been granted options.
// A zero TotalOptions means unregistered.
func (a Account) Registered() bool {
	return a.TotalOptions > 0
}

// Outstanding returns options granted but not yet exercised. ExercisedOptions
// never exceeds TotalOptions, so the subtraction cannot wrap.
func (a Account) Outstanding() uint64 {
	return a.TotalOptions - a.ExercisedOptions
}
