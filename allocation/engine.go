/*
engine.go - Monthly allocation reconciliation

PURPOSE:
  Computes the allocation table for a date range: one row per month with the
  working-capital amount, the savings remainder, and every fund's share.
  Rows are derived on each call from the fund registry, the ledger, the
  workspace settings and the override store. Nothing is written.

PER-MONTH ALGORITHM:
  1. is_locked         = month < current month
  2. net_income        = current_month_income (cash basis)
  3. allocated_budget  = wc_prev_closing_balance + current_month_income
  4. projected_closing = wc_prev_closing_balance + income - actual_fixed_cost
     shortfall         = max(0, min_wc_balance - projected_closing)
     fco               = actual_fixed_cost + shortfall   (always reported)
  5. Working-capital amount by mode (from the stored WC override, locked or not):
       MANUAL(amount) -> amount
       MODEL          -> budget_benchmark (0 + warning when no active scenario)
       OPTIMIZE       -> fco
  6. Savings remainder:
       MODEL, MANUAL  -> net_income - allocated_fixed_cost
       OPTIMIZE       -> ((net_income - fco) + max(0, prev - min_wc)) / (1 + K)
  7. Per non-WC fund: pct = override (open months only) or default
       allocated    = remainder * pct / 100
       self_funding = allocated * self_funding_pct / 100   (self-funding funds)
       transfer     = allocated - self_funding
  8. total_fund_allocation_pct = raw sum of non-WC pct, never normalized

SELF-FUNDING FACTOR K:
  K = sum over self-funding non-WC funds of (pct/100) * (self_funding_pct/100).
  This weighted sum is an approximation pending confirmation against the
  authoritative backend computation.

CONCURRENCY:
  Pure read. Collaborators are loaded concurrently with errgroup; a caller
  abandoning the context simply gets ctx.Err() back.

SEE ALSO:
  - mode.go: Working-capital mode resolution
  - views.go: Fund tracker and monthly dashboard built on top of rows
  - cache/views.go: Read-through cache in front of the engine
*/
package allocation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine computes allocation rows. The zero Clock means SystemClock.
type Engine struct {
	Funds      FundRegistry
	Workspaces WorkspaceReader
	Ledger     LedgerReader
	Overrides  OverrideStore

	Clock  Clock
	Logger *zap.Logger
}

// NewEngine wires every collaborator from a single source.
func NewEngine(src Source) *Engine {
	return &Engine{
		Funds:      src,
		Workspaces: src,
		Ledger:     src,
		Overrides:  src,
		Clock:      SystemClock,
		Logger:     zap.NewNop(),
	}
}

func (e *Engine) now() Clock {
	if e.Clock == nil {
		return SystemClock
	}
	return e.Clock
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// AllocationTable is the engine result plus the metadata a presentation
// layer needs to render it.
type AllocationTable struct {
	WorkspaceID        WorkspaceID
	From               MonthKey
	To                 MonthKey
	BaseCurrency       string
	MinWCBalance       decimal.Decimal
	BudgetBenchmark    *decimal.Decimal
	ActiveScenarioID   string
	ActiveScenarioName string
	Funds              []Fund
	Rows               []AllocationRow
}

// maxRangeMonths bounds a single table request.
const maxRangeMonths = MaxTableYears * 12

// ComputeAllocationTable returns one row per month in [from, to], ascending.
func (e *Engine) ComputeAllocationTable(ctx context.Context, workspaceID WorkspaceID, from, to MonthKey) ([]AllocationRow, error) {
	table, err := e.Table(ctx, workspaceID, from, to)
	if err != nil {
		return nil, err
	}
	return table.Rows, nil
}

// TableForYears returns complete calendar years (Jan-Dec) ending with the
// current year. years must be in [1, MaxTableYears].
func (e *Engine) TableForYears(ctx context.Context, workspaceID WorkspaceID, years int) (*AllocationTable, error) {
	from, to, err := YearRange(e.now()(), years)
	if err != nil {
		return nil, err
	}
	return e.Table(ctx, workspaceID, from, to)
}

// YearRange returns Jan of (current year - years + 1) through Dec of the current year.
func YearRange(now time.Time, years int) (MonthKey, MonthKey, error) {
	if years < 1 || years > MaxTableYears {
		return MonthKey{}, MonthKey{}, NewValidationError("years", strconv.Itoa(years),
			fmt.Sprintf("must be between 1 and %d", MaxTableYears))
	}
	current := now.Year()
	return MonthKey{Year: current - years + 1, Month: 1}, MonthKey{Year: current, Month: 12}, nil
}

// Table computes rows for [from, to] along with workspace metadata.
func (e *Engine) Table(ctx context.Context, workspaceID WorkspaceID, from, to MonthKey) (*AllocationTable, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}

	var (
		ws        Workspace
		funds     []Fund
		actuals   map[MonthKey]MonthlyActuals
		overrides []Override
	)

	// Loaded alone so an unknown workspace surfaces as NotFound.
	ws, err := e.Workspaces.Workspace(ctx, workspaceID)
	if err != nil {
		return nil, upstream("workspace", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		funds, err = e.Funds.ListFunds(gctx, workspaceID)
		return upstream("fund_registry", err)
	})
	g.Go(func() error {
		var err error
		actuals, err = e.Ledger.MonthlyActuals(gctx, workspaceID, from, to)
		return upstream("ledger", err)
	})
	g.Go(func() error {
		var err error
		overrides, err = e.Overrides.ListOverrides(gctx, workspaceID, from, to)
		return upstream("override_store", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	wcFund, err := workingCapitalFund(funds)
	if err != nil {
		return nil, err
	}

	byMonth := make(map[MonthKey]map[FundID]Override)
	for _, o := range overrides {
		if byMonth[o.Month] == nil {
			byMonth[o.Month] = make(map[FundID]Override)
		}
		byMonth[o.Month][o.FundID] = o
	}

	now := e.now()()
	months := MonthsBetween(from, to)
	rows := make([]AllocationRow, 0, len(months))
	for _, m := range months {
		a, ok := actuals[m]
		if !ok {
			a = MonthlyActuals{Month: m}
		}
		a.Month = m
		rows = append(rows, ComputeRow(RowInput{
			Month:     m,
			Locked:    m.Locked(now),
			Actuals:   a,
			Workspace: ws,
			Funds:     funds,
			WCFund:    wcFund,
			Overrides: byMonth[m],
		}))
	}

	e.log().Debug("allocation table computed",
		zap.String("workspace", string(workspaceID)),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("rows", len(rows)),
		zap.Int("overrides", len(overrides)))

	return &AllocationTable{
		WorkspaceID:        workspaceID,
		From:               from,
		To:                 to,
		BaseCurrency:       ws.BaseCurrency,
		MinWCBalance:       ws.MinWCBalance,
		BudgetBenchmark:    ws.BudgetBenchmark,
		ActiveScenarioID:   ws.ActiveScenarioID,
		ActiveScenarioName: ws.ActiveScenarioName,
		Funds:              funds,
		Rows:               rows,
	}, nil
}

func validateRange(from, to MonthKey) error {
	for _, k := range []MonthKey{from, to} {
		if k.Month < 1 || k.Month > 12 {
			return NewValidationError("month", k.String(), "must be between 1 and 12")
		}
	}
	if from.After(to) {
		return NewValidationError("range", from.String()+".."+to.String(), "from is after to")
	}
	if to.Compare(from) >= maxRangeMonths {
		return NewValidationError("range", from.String()+".."+to.String(),
			fmt.Sprintf("spans more than %d months", maxRangeMonths))
	}
	return nil
}

// workingCapitalFund returns the single WC fund, nil when none is configured.
func workingCapitalFund(funds []Fund) (*Fund, error) {
	var wc *Fund
	for i := range funds {
		if !funds[i].IsWorkingCapital {
			continue
		}
		if wc != nil {
			return nil, NewValidationError("funds", string(funds[i].WorkspaceID),
				"more than one working-capital fund is configured")
		}
		wc = &funds[i]
	}
	return wc, nil
}

// =============================================================================
// ROW COMPUTATION - Pure function of one month's inputs
// =============================================================================

// RowInput is everything ComputeRow needs for a single month.
type RowInput struct {
	Month     MonthKey
	Locked    bool
	Actuals   MonthlyActuals
	Workspace Workspace
	Funds     []Fund
	WCFund    *Fund
	Overrides map[FundID]Override // this month's overrides, may be nil
}

type resolvedPct struct {
	pct        decimal.Decimal
	overridden bool
}

// ComputeRow applies the per-month algorithm described at the top of this file.
func ComputeRow(in RowInput) AllocationRow {
	a := in.Actuals
	minWC := in.Workspace.MinWCBalance

	row := AllocationRow{
		Month:           in.Month,
		IsLocked:        in.Locked,
		NetIncome:       a.CurrentMonthIncome,
		AllocatedBudget: a.WCPrevClosingBalance.Add(a.CurrentMonthIncome),
		ActualFixedCost: a.ActualFixedCost,
	}

	// Step 4: the OPTIMIZE amount is always reported.
	projectedClosing := a.WCPrevClosingBalance.Add(a.CurrentMonthIncome).Sub(a.ActualFixedCost)
	shortfall := decimal.Max(decimal.Zero, minWC.Sub(projectedClosing))
	row.FixedCostOptimization = a.ActualFixedCost.Add(shortfall)

	// Step 5: working-capital mode. A stored WC override applies whether
	// or not the month has locked since it was written.
	var wcOverride *Override
	if in.WCFund != nil {
		if o, ok := in.Overrides[in.WCFund.ID]; ok {
			wcOverride = &o
		}
	}
	row.Mode = ResolveMode(wcOverride)

	switch row.Mode.Kind {
	case ModeManual:
		row.AllocatedFixedCost = row.Mode.Amount
	case ModeModel:
		if in.Workspace.BudgetBenchmark != nil {
			row.AllocatedFixedCost = *in.Workspace.BudgetBenchmark
		} else {
			row.AllocatedFixedCost = decimal.Zero
			row.Warnings = append(row.Warnings, "MODEL mode selected but no budget scenario is active; working capital set to 0")
		}
	default:
		row.AllocatedFixedCost = row.FixedCostOptimization
	}

	// Step 7 (first half): effective percentages, needed for K.
	pcts := make(map[FundID]resolvedPct, len(in.Funds))
	total := decimal.Zero
	k := decimal.Zero
	for _, f := range in.Funds {
		if f.IsWorkingCapital {
			continue
		}
		r := resolvedPct{pct: f.DefaultPercentage}
		// Percentage overrides are honored on open months only.
		if o, ok := in.Overrides[f.ID]; ok && !in.Locked && o.AllocationPercentage != nil {
			r = resolvedPct{pct: *o.AllocationPercentage, overridden: true}
		}
		pcts[f.ID] = r
		total = total.Add(r.pct)
		if f.IsSelfFunding {
			k = k.Add(r.pct.Div(hundred).Mul(f.SelfFundingPercentage.Div(hundred)))
		}
	}
	row.SelfFundingFactor = k
	row.TotalFundAllocationPct = total

	// Step 6: savings remainder.
	if row.Mode.Kind == ModeOptimize {
		excess := decimal.Max(decimal.Zero, a.WCPrevClosingBalance.Sub(minWC))
		row.SavingsRemainder = row.NetIncome.Sub(row.FixedCostOptimization).Add(excess).Div(decimal.NewFromInt(1).Add(k))
	} else {
		row.SavingsRemainder = row.NetIncome.Sub(row.AllocatedFixedCost)
	}

	if row.NetIncome.IsPositive() {
		row.WCPctOfIncome = row.AllocatedFixedCost.Div(row.NetIncome).Mul(hundred)
		row.SavingsPctOfIncome = row.SavingsRemainder.Div(row.NetIncome).Mul(hundred)
	}

	// Step 7 (second half) and fund rows in registry order.
	row.Funds = make([]FundAllocation, 0, len(in.Funds))
	for _, f := range in.Funds {
		fa := FundAllocation{
			FundID:           f.ID,
			FundName:         f.Name,
			Emoji:            f.Emoji,
			IsWorkingCapital: f.IsWorkingCapital,
		}
		if f.IsWorkingCapital {
			fa.AllocationPercentage = row.WCPctOfIncome
			fa.AllocatedAmount = row.AllocatedFixedCost
			fa.TransferAmount = row.AllocatedFixedCost
			fa.IsOverridden = wcOverride != nil
			fa.Mode = row.Mode.Kind
			row.Funds = append(row.Funds, fa)
			continue
		}

		r := pcts[f.ID]
		fa.AllocationPercentage = r.pct
		fa.IsOverridden = r.overridden
		fa.AllocatedAmount = row.SavingsRemainder.Mul(r.pct).Div(hundred)
		if f.IsSelfFunding {
			fa.SelfFundingAmount = fa.AllocatedAmount.Mul(f.SelfFundingPercentage).Div(hundred)
		}
		fa.TransferAmount = fa.AllocatedAmount.Sub(fa.SelfFundingAmount)
		row.Funds = append(row.Funds, fa)
	}

	// Unbalanced totals are surfaced, never corrected.
	row.AllocationBalanced = total.Sub(hundred).Abs().LessThanOrEqual(AllocationTolerance)
	if !in.Locked {
		if !row.AllocationBalanced {
			row.Warnings = append(row.Warnings,
				fmt.Sprintf("fund allocation totals %s%%, expected 100%%", total.StringFixed(2)))
		}
		if row.SavingsRemainder.IsNegative() {
			row.Warnings = append(row.Warnings, "savings remainder is negative")
		}
	}

	return row
}
