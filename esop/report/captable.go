package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/LerianStudio/lib-esop/esop"
	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/ledger"
	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/LerianStudio/lib-esop/esop/opentelemetry"
	"github.com/LerianStudio/lib-esop/esop/safe"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNilSource is returned when Build is called without a snapshot source.
var ErrNilSource = errors.New("cap table source is nil")

// Row is one participant's cap-table line. Ratios are decimal fractions:
// OwnershipRatio is the participant's share of all granted options,
// VestedRatio the vested share of the participant's own grant.
type Row struct {
	Identity         ledger.Identity
	TotalOptions     uint64
	VestedOptions    uint64
	ExercisedOptions uint64
	Outstanding      uint64
	OwnershipRatio   decimal.Decimal
	VestedRatio      decimal.Decimal
}

// CapTable aggregates every registered participant at a point in time.
// Rows are sorted by identity so repeated builds over the same state are
// byte-for-byte identical.
type CapTable struct {
	Rows             []Row
	TotalGranted     uint64
	TotalVested      uint64
	TotalExercised   uint64
	TotalOutstanding uint64
}

// ParticipantCount returns the number of rows in the table.
func (t CapTable) ParticipantCount() int {
	return len(t.Rows)
}

// Build reads one snapshot from source and aggregates it into a CapTable.
// Unregistered accounts (zero TotalOptions) are skipped: they hold no
// entitlement and would only add zero rows. Plan-wide totals use checked
// addition; an overflowing plan total surfaces the arithmetic-overflow
// sentinel rather than a wrapped sum.
func Build(ctx context.Context, source ledger.Snapshotter) (CapTable, error) {
	if source == nil {
		return CapTable{}, ErrNilSource
	}

	logger, tracer, _, _ := esop.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "report.cap_table.build")
	defer span.End()

	accounts, err := source.Snapshot(ctx)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to snapshot ledger for cap table", log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to snapshot ledger", err)

		return CapTable{}, fmt.Errorf("cap table: snapshot: %w", err)
	}

	table := CapTable{}

	for identity, account := range accounts {
		if !account.Registered() {
			continue
		}

		table.TotalGranted, err = checkedSum(table.TotalGranted, account.TotalOptions)
		if err != nil {
			opentelemetry.HandleSpanError(span, "Cap table total overflowed", err)

			return CapTable{}, fmt.Errorf("cap table: total granted: %w", err)
		}

		table.TotalVested, err = checkedSum(table.TotalVested, account.VestedOptions)
		if err != nil {
			opentelemetry.HandleSpanError(span, "Cap table total overflowed", err)

			return CapTable{}, fmt.Errorf("cap table: total vested: %w", err)
		}

		table.TotalExercised, err = checkedSum(table.TotalExercised, account.ExercisedOptions)
		if err != nil {
			opentelemetry.HandleSpanError(span, "Cap table total overflowed", err)

			return CapTable{}, fmt.Errorf("cap table: total exercised: %w", err)
		}

		table.Rows = append(table.Rows, Row{
			Identity:         identity,
			TotalOptions:     account.TotalOptions,
			VestedOptions:    account.VestedOptions,
			ExercisedOptions: account.ExercisedOptions,
			Outstanding:      account.Outstanding(),
		})
	}

	// TotalExercised <= TotalGranted holds per account, so this cannot wrap.
	table.TotalOutstanding = table.TotalGranted - table.TotalExercised

	planTotal := decimal.NewFromUint64(table.TotalGranted)

	for i := range table.Rows {
		row := &table.Rows[i]
		row.OwnershipRatio = safe.DivideOrZero(decimal.NewFromUint64(row.TotalOptions), planTotal)
		row.VestedRatio = safe.DivideOrZero(
			decimal.NewFromUint64(row.VestedOptions),
			decimal.NewFromUint64(row.TotalOptions),
		)
	}

	sort.Slice(table.Rows, func(i, j int) bool {
		return table.Rows[i].Identity < table.Rows[j].Identity
	})

	span.SetAttributes(
		attribute.Int("report.participant_count", len(table.Rows)),
		attribute.String("report.total_granted", strconv.FormatUint(table.TotalGranted, 10)),
	)

	return table, nil
}

// checkedSum adds with overflow detection, mapping overflow to the ledger's
// arithmetic-overflow sentinel.
func checkedSum(a, b uint64) (uint64, error) {
	sum, err := safe.AddUint64(a, b)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", cn.ErrArithmeticOverflow, err)
	}

	return sum, nil
}
