package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-esop/esop/assert"
	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry/metrics"
	"github.com/LerianStudio/lib-esop/esop/security"
)

var (
	// ErrNilEngine is returned when an operation is invoked on a nil Engine.
	ErrNilEngine = errors.New("engine cannot be nil")
	// ErrNilStore is returned by NewEngine when no store is provided.
	ErrNilStore = errors.New("store cannot be nil")
	// ErrEmptyAuthority is returned by NewEngine when the authority identity is blank.
	ErrEmptyAuthority = errors.New("authority identity cannot be empty")
)

const componentLedger = "ledger"

// Metric origin labels distinguishing direct grants from transfer receipts.
const (
	originGrant    = "grant"
	originTransfer = "transfer"
)

// Engine applies ledger operations under a single mutex, giving every
// mutating call strict serializability. An operation validates against
// freshly read state and stages changes on local copies; the domain event is
// appended and the staged state written only after every check passes, so a
// failed check leaves the ledger untouched.
//
// The authority identity is fixed at construction.
type Engine struct {
	mu        sync.Mutex
	store     Store
	journal   Journal
	authority Identity
	logger    log.Logger
	metrics   *metrics.MetricsFactory
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithLogger attaches a logger. Nil is ignored; the default is a no-op logger.
func WithLogger(logger log.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithJournal replaces the default in-memory journal. Nil is ignored.
func WithJournal(journal Journal) EngineOption {
	return func(e *Engine) {
		if journal != nil {
			e.journal = journal
		}
	}
}

// WithMetricsFactory enables operation counters. Nil disables them.
func WithMetricsFactory(factory *metrics.MetricsFactory) EngineOption {
	return func(e *Engine) {
		e.metrics = factory
	}
}

// NewEngine creates an Engine over store with the given plan authority.
func NewEngine(store Store, authority Identity, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if strings.TrimSpace(string(authority)) == "" {
		return nil, ErrEmptyAuthority
	}

	engine := &Engine{
		store:     store,
		journal:   NewMemoryJournal(),
		authority: authority,
		logger:    log.NewNop(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine, nil
}

// Grant allots amount options to target. Only the plan authority may grant;
// repeated grants accumulate. Emits a GRANTED event.
func (e *Engine) Grant(ctx context.Context, caller Identity, now int64, target Identity, amount uint64) error {
	if e == nil {
		return ErrNilEngine
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.authority {
		return NewDomainError(ErrorUnauthorized, "caller", "caller is not the plan authority")
	}

	account, err := e.store.Get(ctx, target)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	staged, err := ApplyGrant(account, amount)
	if err != nil {
		return e.alertOnOverflow(ctx, "grant", err)
	}

	if err := e.journal.Append(ctx, NewGrantedEvent(target, amount, now)); err != nil {
		return fmt.Errorf("append granted event: %w", err)
	}

	if err := e.store.Set(ctx, target, staged); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}

	e.logger.Log(ctx, log.LevelDebug, "options granted",
		log.String("participant", maskID(target)),
		log.Uint64("amount", amount),
		log.Uint64("total", staged.TotalOptions),
	)

	if e.metrics != nil {
		if err := e.metrics.RecordOptionsGranted(ctx, originGrant); err != nil {
			e.logger.Log(ctx, log.LevelWarn, "record granted metric", log.Err(err))
		}
	}

	return nil
}

// SetVestingSchedule assigns target's vesting window, overwriting any prior
// schedule in full. Only the plan authority may schedule, and only for
// participants that already hold a grant. Emits a SCHEDULE_SET event.
func (e *Engine) SetVestingSchedule(ctx context.Context, caller Identity, now int64, target Identity, start, end int64) error {
	if e == nil {
		return ErrNilEngine
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.authority {
		return NewDomainError(ErrorUnauthorized, "caller", "caller is not the plan authority")
	}

	account, err := e.store.Get(ctx, target)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	staged, err := ApplyVestingSchedule(account, start, end)
	if err != nil {
		return err
	}

	if err := e.journal.Append(ctx, NewScheduleSetEvent(target, start, end, now)); err != nil {
		return fmt.Errorf("append schedule event: %w", err)
	}

	if err := e.store.Set(ctx, target, staged); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}

	e.logger.Log(ctx, log.LevelDebug, "vesting schedule set",
		log.String("participant", maskID(target)),
		log.Int64("vestingStart", start),
		log.Int64("vestingEnd", end),
	)

	return nil
}

// Exercise converts amount of the caller's vested options into exercised
// options. The caller must be a registered participant. Emits an EXERCISED
// event.
func (e *Engine) Exercise(ctx context.Context, caller Identity, now int64, amount uint64) error {
	if e == nil {
		return ErrNilEngine
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.store.Get(ctx, caller)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	if !account.Registered() {
		return NewDomainError(ErrorUnauthorized, "caller", "caller has no granted options")
	}

	staged, err := ApplyExercise(account, amount)
	if err != nil {
		return e.alertOnOverflow(ctx, "exercise", err)
	}

	if err := e.journal.Append(ctx, NewExercisedEvent(caller, amount, now)); err != nil {
		return fmt.Errorf("append exercised event: %w", err)
	}

	if err := e.store.Set(ctx, caller, staged); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}

	e.logger.Log(ctx, log.LevelDebug, "options exercised",
		log.String("participant", maskID(caller)),
		log.Uint64("amount", amount),
		log.Uint64("vested", staged.VestedOptions),
		log.Uint64("exercised", staged.ExercisedOptions),
	)

	if e.metrics != nil {
		if err := e.metrics.RecordOptionsExercised(ctx); err != nil {
			e.logger.Log(ctx, log.LevelWarn, "record exercised metric", log.Err(err))
		}
	}

	return nil
}

// Transfer moves amount of the caller's vested options to another registered
// participant. The received options land unvested: the ledger emits a GRANTED
// event for the recipient, who re-vests them under their own schedule.
func (e *Engine) Transfer(ctx context.Context, caller Identity, now int64, to Identity, amount uint64) error {
	if e == nil {
		return ErrNilEngine
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	source, err := e.store.Get(ctx, caller)
	if err != nil {
		return fmt.Errorf("load sender account: %w", err)
	}

	if !source.Registered() {
		return NewDomainError(ErrorUnauthorized, "caller", "caller has no granted options")
	}

	if amount == 0 {
		return NewDomainError(ErrorInvalidAmount, "amount", "amount must be greater than zero")
	}

	if to == caller {
		return NewDomainError(ErrorSelfTransfer, "to", "recipient must differ from caller")
	}

	recipient, err := e.store.Get(ctx, to)
	if err != nil {
		return fmt.Errorf("load recipient account: %w", err)
	}

	if !recipient.Registered() {
		return NewDomainError(ErrorIneligibleRecipient, "to", "recipient has no granted options")
	}

	debited, err := ApplyTransferOut(source, amount)
	if err != nil {
		return e.alertOnOverflow(ctx, "transfer", err)
	}

	credited, err := ApplyGrant(recipient, amount)
	if err != nil {
		return e.alertOnOverflow(ctx, "transfer", err)
	}

	if err := e.journal.Append(ctx, NewGrantedEvent(to, amount, now)); err != nil {
		return fmt.Errorf("append granted event: %w", err)
	}

	if batch, ok := e.store.(BatchStore); ok {
		if err := batch.SetAll(ctx, map[Identity]Account{caller: debited, to: credited}); err != nil {
			return fmt.Errorf("persist accounts: %w", err)
		}
	} else {
		// Debit commits first; a partial failure must not mint options.
		if err := e.store.Set(ctx, caller, debited); err != nil {
			return fmt.Errorf("persist sender account: %w", err)
		}

		if err := e.store.Set(ctx, to, credited); err != nil {
			return fmt.Errorf("persist recipient account: %w", err)
		}
	}

	e.logger.Log(ctx, log.LevelDebug, "options transferred",
		log.String("from", maskID(caller)),
		log.String("to", maskID(to)),
		log.Uint64("amount", amount),
	)

	if e.metrics != nil {
		if err := e.metrics.RecordOptionsTransferred(ctx); err != nil {
			e.logger.Log(ctx, log.LevelWarn, "record transferred metric", log.Err(err))
		}

		if err := e.metrics.RecordOptionsGranted(ctx, originTransfer); err != nil {
			e.logger.Log(ctx, log.LevelWarn, "record granted metric", log.Err(err))
		}
	}

	return nil
}

// UpdateVested unlocks target's full grant once the vesting window has
// ended, setting VestedOptions to TotalOptions. Only the plan authority may
// run the update. It applies to any account, registered or not: a zero-total
// account unlocks to zero. The boolean reports whether the unlock applied.
func (e *Engine) UpdateVested(ctx context.Context, caller Identity, now int64, target Identity) (bool, error) {
	if e == nil {
		return false, ErrNilEngine
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.authority {
		return false, NewDomainError(ErrorUnauthorized, "caller", "caller is not the plan authority")
	}

	account, err := e.store.Get(ctx, target)
	if err != nil {
		return false, fmt.Errorf("load account: %w", err)
	}

	staged, err := ApplyVestingUnlock(account, now)
	if err != nil {
		return false, err
	}

	if err := e.store.Set(ctx, target, staged); err != nil {
		return false, fmt.Errorf("persist account: %w", err)
	}

	e.logger.Log(ctx, log.LevelDebug, "vested options unlocked",
		log.String("participant", maskID(target)),
		log.Uint64("vested", staged.VestedOptions),
	)

	return true, nil
}

// GetVested returns target's vested option balance. Absent accounts read as
// zero; reads require no authorization.
func (e *Engine) GetVested(ctx context.Context, target Identity) (uint64, error) {
	if e == nil {
		return 0, ErrNilEngine
	}

	account, err := e.store.Get(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("load account: %w", err)
	}

	return account.VestedOptions, nil
}

// GetExercised returns target's cumulative exercised options.
func (e *Engine) GetExercised(ctx context.Context, target Identity) (uint64, error) {
	if e == nil {
		return 0, ErrNilEngine
	}

	account, err := e.store.Get(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("load account: %w", err)
	}

	return account.ExercisedOptions, nil
}

// GetVestingSchedule returns target's vesting window bounds. Both are zero
// when no schedule has been set.
func (e *Engine) GetVestingSchedule(ctx context.Context, target Identity) (int64, int64, error) {
	if e == nil {
		return 0, 0, ErrNilEngine
	}

	account, err := e.store.Get(ctx, target)
	if err != nil {
		return 0, 0, fmt.Errorf("load account: %w", err)
	}

	return account.VestingStart, account.VestingEnd, nil
}

// alertOnOverflow routes arithmetic faults through the asserter for
// alerting. The returned error still matches both the assertion sentinel and
// the ArithmeticOverflow domain code.
func (e *Engine) alertOnOverflow(ctx context.Context, operation string, err error) error {
	if !errors.Is(err, cn.ErrArithmeticOverflow) {
		return err
	}

	assertErr := assert.New(ctx, e.logger, componentLedger, operation).
		NoError(ctx, err, "option arithmetic must not overflow")

	return errors.Join(assertErr, err)
}

func maskID(identity Identity) string {
	return security.MaskIdentity(string(identity))
}
