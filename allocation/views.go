package allocation

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FUND TRACKER - Year-to-date totals per fund
// =============================================================================

// FundTrackerEntry accumulates one fund over the counted months.
type FundTrackerEntry struct {
	FundID           FundID
	FundName         string
	Emoji            string
	IsWorkingCapital bool

	Allocated   decimal.Decimal
	SelfFunded  decimal.Decimal
	Transferred decimal.Decimal

	MonthsOverridden int
}

type FundTracker struct {
	WorkspaceID  WorkspaceID
	Year         int
	Through      MonthKey // last month counted
	BaseCurrency string

	MonthsCounted   int
	TotalIncome     decimal.Decimal
	TotalAllocated  decimal.Decimal // non-WC funds only
	TotalSelfFunded decimal.Decimal

	Funds []FundTrackerEntry
}

// FundTracker sums allocation rows from January of year through December,
// or through the current month when year is the current year.
// Future years are rejected: there is nothing to track yet.
func (e *Engine) FundTracker(ctx context.Context, workspaceID WorkspaceID, year int) (*FundTracker, error) {
	current := MonthOf(e.now()())
	if year > current.Year {
		return nil, NewValidationError("year", strconv.Itoa(year), "is in the future")
	}
	through := MonthKey{Year: year, Month: 12}
	if year == current.Year {
		through = current
	}

	table, err := e.Table(ctx, workspaceID, MonthKey{Year: year, Month: 1}, through)
	if err != nil {
		return nil, err
	}

	tracker := &FundTracker{
		WorkspaceID:     workspaceID,
		Year:            year,
		Through:         through,
		BaseCurrency:    table.BaseCurrency,
		MonthsCounted:   len(table.Rows),
		TotalIncome:     decimal.Zero,
		TotalAllocated:  decimal.Zero,
		TotalSelfFunded: decimal.Zero,
		Funds:           make([]FundTrackerEntry, len(table.Funds)),
	}
	index := make(map[FundID]int, len(table.Funds))
	for i, f := range table.Funds {
		index[f.ID] = i
		tracker.Funds[i] = FundTrackerEntry{
			FundID:           f.ID,
			FundName:         f.Name,
			Emoji:            f.Emoji,
			IsWorkingCapital: f.IsWorkingCapital,
			Allocated:        decimal.Zero,
			SelfFunded:       decimal.Zero,
			Transferred:      decimal.Zero,
		}
	}

	for _, row := range table.Rows {
		tracker.TotalIncome = tracker.TotalIncome.Add(row.NetIncome)
		for _, fa := range row.Funds {
			i, ok := index[fa.FundID]
			if !ok {
				continue
			}
			entry := &tracker.Funds[i]
			entry.Allocated = entry.Allocated.Add(fa.AllocatedAmount)
			entry.SelfFunded = entry.SelfFunded.Add(fa.SelfFundingAmount)
			entry.Transferred = entry.Transferred.Add(fa.TransferAmount)
			if fa.IsOverridden {
				entry.MonthsOverridden++
			}
			if !fa.IsWorkingCapital {
				tracker.TotalAllocated = tracker.TotalAllocated.Add(fa.AllocatedAmount)
				tracker.TotalSelfFunded = tracker.TotalSelfFunded.Add(fa.SelfFundingAmount)
			}
		}
	}
	return tracker, nil
}

// =============================================================================
// MONTHLY DASHBOARD - One month with the change from the month before
// =============================================================================

type MonthlyDashboard struct {
	WorkspaceID  WorkspaceID
	Month        MonthKey
	BaseCurrency string

	Row      AllocationRow
	Previous AllocationRow

	IncomeChange    decimal.Decimal
	FixedCostChange decimal.Decimal
	SavingsChange   decimal.Decimal
}

func (e *Engine) MonthlyDashboard(ctx context.Context, workspaceID WorkspaceID, month MonthKey) (*MonthlyDashboard, error) {
	table, err := e.Table(ctx, workspaceID, month.Prev(), month)
	if err != nil {
		return nil, err
	}
	prev, cur := table.Rows[0], table.Rows[1]

	return &MonthlyDashboard{
		WorkspaceID:     workspaceID,
		Month:           month,
		BaseCurrency:    table.BaseCurrency,
		Row:             cur,
		Previous:        prev,
		IncomeChange:    cur.NetIncome.Sub(prev.NetIncome),
		FixedCostChange: cur.ActualFixedCost.Sub(prev.ActualFixedCost),
		SavingsChange:   cur.SavingsRemainder.Sub(prev.SavingsRemainder),
	}, nil
}
