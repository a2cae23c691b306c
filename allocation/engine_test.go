package allocation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/allocation/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testWS = allocation.WorkspaceID("ws-1")

var (
	// "now" for every test in this package: mid-March 2026.
	testNow = time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)
	march   = allocation.MonthKey{Year: 2026, Month: time.March}
	feb     = allocation.MonthKey{Year: 2026, Month: time.February}
	jan     = allocation.MonthKey{Year: 2026, Month: time.January}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func modePtr(k allocation.ModeKind) *allocation.ModeKind { return &k }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

type fixture struct {
	store     *store.Memory
	engine    *allocation.Engine
	overrides *allocation.OverrideService
	inv       *countingInvalidator
}

type countingInvalidator struct {
	calls []allocation.MonthKey
	err   error
}

func (c *countingInvalidator) Invalidate(_ context.Context, _ allocation.WorkspaceID, m allocation.MonthKey) error {
	c.calls = append(c.calls, m)
	return c.err
}

// newFixture seeds a workspace with a WC fund plus two 60/40 savings funds.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemory()
	mem.Now = allocation.FixedClock(testNow)
	mem.PutWorkspace(allocation.Workspace{
		ID:              testWS,
		Name:            "Household",
		BaseCurrency:    "EUR",
		MinWCBalance:    dec("1000"),
		BudgetBenchmark: decPtr("450"),
	})
	mem.PutFund(allocation.Fund{ID: "wc", WorkspaceID: testWS, Name: "Working Capital", IsWorkingCapital: true, SortOrder: 0})
	mem.PutFund(allocation.Fund{ID: "savings", WorkspaceID: testWS, Name: "Savings", DefaultPercentage: dec("60"), SortOrder: 1})
	mem.PutFund(allocation.Fund{ID: "invest", WorkspaceID: testWS, Name: "Invest", DefaultPercentage: dec("40"), SortOrder: 2})

	engine := allocation.NewEngine(mem)
	engine.Clock = allocation.FixedClock(testNow)

	inv := &countingInvalidator{}
	svc := allocation.NewOverrideService(mem, inv)
	svc.Clock = allocation.FixedClock(testNow)

	return &fixture{store: mem, engine: engine, overrides: svc, inv: inv}
}

func (f *fixture) actuals(m allocation.MonthKey, prev, income, fixed string) {
	f.store.PutActuals(testWS, allocation.MonthlyActuals{
		Month:                m,
		WCPrevClosingBalance: dec(prev),
		CurrentMonthIncome:   dec(income),
		ActualFixedCost:      dec(fixed),
	})
}

func (f *fixture) row(t *testing.T, m allocation.MonthKey) allocation.AllocationRow {
	t.Helper()
	rows, err := f.engine.ComputeAllocationTable(context.Background(), testWS, m, m)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func fundRow(t *testing.T, row allocation.AllocationRow, id allocation.FundID) allocation.FundAllocation {
	t.Helper()
	fa, ok := row.Fund(id)
	require.True(t, ok, "fund %s missing from row %s", id, row.Month)
	return fa
}

// =============================================================================
// OPTIMIZE MODE
// =============================================================================

func TestEngine_Optimize_ShortfallTopsUpWorkingCapital(t *testing.T) {
	// GIVEN: min_wc=1000, prev=800, income=500, fixed cost=400, no overrides
	// WHEN: The table is computed
	// THEN: projected closing 900, shortfall 100, fco = 400 + 100 = 500

	f := newFixture(t)
	f.actuals(march, "800", "500", "400")

	row := f.row(t, march)

	assert.Equal(t, allocation.ModeOptimize, row.Mode.Kind)
	assertDec(t, "500", row.FixedCostOptimization)
	assertDec(t, "500", row.AllocatedFixedCost)
	assertDec(t, "1300", row.AllocatedBudget)
	assertDec(t, "500", row.NetIncome)
	assertDec(t, "100", row.WCPctOfIncome)

	wc := fundRow(t, row, "wc")
	assert.True(t, wc.IsWorkingCapital)
	assert.False(t, wc.IsOverridden)
	assert.Equal(t, allocation.ModeOptimize, wc.Mode)
	assertDec(t, "500", wc.AllocatedAmount)
}

func TestEngine_Optimize_NoShortfallWhenBufferHolds(t *testing.T) {
	// GIVEN: prev=5000 well above min_wc=1000, income=3000, fixed=1000
	// WHEN: The table is computed
	// THEN: fco equals actual fixed cost; the excess buffer feeds the remainder

	f := newFixture(t)
	f.actuals(march, "5000", "3000", "1000")

	row := f.row(t, march)

	assertDec(t, "1000", row.FixedCostOptimization)
	// (3000 - 1000 + (5000 - 1000)) / (1 + 0)
	assertDec(t, "6000", row.SavingsRemainder)
	assertDec(t, "0", row.SelfFundingFactor)
}

func TestEngine_Optimize_SelfFundingFactorScalesRemainder(t *testing.T) {
	// GIVEN: A 50% fund that is 100% self-funding, so K = 0.5
	// WHEN: The table is computed in OPTIMIZE mode
	// THEN: remainder = 6000 / 1.5 = 4000 and the self-funded share stays in WC

	f := newFixture(t)
	f.store.PutFund(allocation.Fund{ID: "savings", WorkspaceID: testWS, Name: "Savings",
		DefaultPercentage: dec("50"), IsSelfFunding: true, SelfFundingPercentage: dec("100"), SortOrder: 1})
	f.store.PutFund(allocation.Fund{ID: "invest", WorkspaceID: testWS, Name: "Invest",
		DefaultPercentage: dec("50"), SortOrder: 2})
	f.actuals(march, "5000", "3000", "1000")

	row := f.row(t, march)

	assertDec(t, "0.5", row.SelfFundingFactor)
	assertDec(t, "4000", row.SavingsRemainder)

	savings := fundRow(t, row, "savings")
	assertDec(t, "2000", savings.AllocatedAmount)
	assertDec(t, "2000", savings.SelfFundingAmount)
	assertDec(t, "0", savings.TransferAmount)

	invest := fundRow(t, row, "invest")
	assertDec(t, "2000", invest.AllocatedAmount)
	assertDec(t, "0", invest.SelfFundingAmount)
	assertDec(t, "2000", invest.TransferAmount)
}

// =============================================================================
// MODEL / MANUAL MODES
// =============================================================================

func TestEngine_Model_UsesBudgetBenchmark(t *testing.T) {
	// GIVEN: Same inputs as the shortfall scenario, WC override mode=MODEL, benchmark=450
	// WHEN: The table is computed
	// THEN: allocated fixed cost 450, remainder 500 - 450 = 50, fco still reported

	f := newFixture(t)
	f.actuals(march, "800", "500", "400")
	_, err := f.overrides.Upsert(context.Background(), testWS, "wc", march,
		allocation.OverrideFields{Mode: modePtr(allocation.ModeModel)})
	require.NoError(t, err)

	row := f.row(t, march)

	assert.Equal(t, allocation.ModeModel, row.Mode.Kind)
	assertDec(t, "450", row.AllocatedFixedCost)
	assertDec(t, "50", row.SavingsRemainder)
	assertDec(t, "500", row.FixedCostOptimization)
	assert.True(t, fundRow(t, row, "wc").IsOverridden)
}

func TestEngine_Model_NoActiveScenarioWarns(t *testing.T) {
	// GIVEN: MODEL mode but the workspace has no active budget scenario
	// WHEN: The table is computed
	// THEN: WC amount is 0 and the row carries a warning

	f := newFixture(t)
	f.store.PutWorkspace(allocation.Workspace{ID: testWS, BaseCurrency: "EUR", MinWCBalance: dec("1000")})
	f.actuals(march, "800", "500", "400")
	_, err := f.overrides.Upsert(context.Background(), testWS, "wc", march,
		allocation.OverrideFields{Mode: modePtr(allocation.ModeModel)})
	require.NoError(t, err)

	row := f.row(t, march)

	assertDec(t, "0", row.AllocatedFixedCost)
	assertDec(t, "500", row.SavingsRemainder)
	require.NotEmpty(t, row.Warnings)
	assert.Contains(t, row.Warnings[0], "no budget scenario")
}

func TestEngine_Manual_AmountVerbatimAndNegativeRemainderWarns(t *testing.T) {
	// GIVEN: WC override_amount=700 with income 500
	// WHEN: The table is computed
	// THEN: WC gets exactly 700, remainder is -200 and flagged

	f := newFixture(t)
	f.actuals(march, "800", "500", "400")
	_, err := f.overrides.Upsert(context.Background(), testWS, "wc", march,
		allocation.OverrideFields{OverrideAmount: decPtr("700")})
	require.NoError(t, err)

	row := f.row(t, march)

	assert.Equal(t, allocation.ModeManual, row.Mode.Kind)
	assertDec(t, "700", row.Mode.Amount)
	assertDec(t, "700", row.AllocatedFixedCost)
	assertDec(t, "-200", row.SavingsRemainder)
	assert.Contains(t, row.Warnings, "savings remainder is negative")
}

func TestComputeRow_FullySelfFundingFundTransfersNothing(t *testing.T) {
	// GIVEN: A fund at 100% with self_funding_percentage=100 and a remainder of 200
	// WHEN: The row is computed
	// THEN: self_funding_amount = 200 and the external transfer is 0

	wc := allocation.Fund{ID: "wc", IsWorkingCapital: true}
	buffer := allocation.Fund{ID: "buffer", DefaultPercentage: dec("100"),
		IsSelfFunding: true, SelfFundingPercentage: dec("100")}
	mode := allocation.ModeModel

	row := allocation.ComputeRow(allocation.RowInput{
		Month: march,
		Actuals: allocation.MonthlyActuals{
			Month:                march,
			CurrentMonthIncome:   dec("1000"),
			WCPrevClosingBalance: dec("2000"),
			ActualFixedCost:      dec("750"),
		},
		Workspace: allocation.Workspace{MinWCBalance: dec("500"), BudgetBenchmark: decPtr("800")},
		Funds:     []allocation.Fund{wc, buffer},
		WCFund:    &wc,
		Overrides: map[allocation.FundID]allocation.Override{
			"wc": {FundID: "wc", Month: march, OverrideFields: allocation.OverrideFields{Mode: &mode}},
		},
	})

	fa, ok := row.Fund("buffer")
	require.True(t, ok)
	assertDec(t, "200", fa.AllocatedAmount)
	assertDec(t, "200", fa.SelfFundingAmount)
	assertDec(t, "0", fa.TransferAmount)
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestEngine_FundAllocationsSumToRemainder(t *testing.T) {
	// GIVEN: Open months, no overrides, no self-funding funds
	// WHEN: The table is computed over several months
	// THEN: Σ non-WC allocated == remainder, and every share is >= 0

	f := newFixture(t)
	f.actuals(march, "5000", "3000", "1000")
	f.actuals(march.Next(), "1200", "2750.55", "1333.33")
	f.actuals(march.AddMonths(2), "0", "4100", "900")

	rows, err := f.engine.ComputeAllocationTable(context.Background(), testWS, march, march.AddMonths(2))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	for _, row := range rows {
		sum := decimal.Zero
		for _, fa := range row.Funds {
			if fa.IsWorkingCapital {
				continue
			}
			if !row.SavingsRemainder.IsNegative() {
				assert.False(t, fa.AllocatedAmount.IsNegative(), "%s %s", row.Month, fa.FundID)
			}
			sum = sum.Add(fa.AllocatedAmount)
		}
		assert.True(t, sum.Sub(row.SavingsRemainder).Abs().LessThan(dec("0.01")),
			"%s: sum %s != remainder %s", row.Month, sum, row.SavingsRemainder)
		assert.True(t, row.AllocationBalanced)
	}
}

func TestEngine_UnbalancedTotalIsSurfacedNotCorrected(t *testing.T) {
	// GIVEN: Savings overridden to 30% while invest stays at 40%
	// WHEN: The table is computed
	// THEN: total is 70, balanced=false, percentages are left as entered

	f := newFixture(t)
	f.actuals(march, "5000", "3000", "1000")
	_, err := f.overrides.Upsert(context.Background(), testWS, "savings", march,
		allocation.OverrideFields{AllocationPercentage: decPtr("30")})
	require.NoError(t, err)

	row := f.row(t, march)

	assertDec(t, "70", row.TotalFundAllocationPct)
	assert.False(t, row.AllocationBalanced)
	assertDec(t, "30", fundRow(t, row, "savings").AllocationPercentage)
	assertDec(t, "40", fundRow(t, row, "invest").AllocationPercentage)
	assertDec(t, "1800", fundRow(t, row, "savings").AllocatedAmount)
	assert.NotEmpty(t, row.Warnings)
}

func TestEngine_TotalWithinToleranceIsBalanced(t *testing.T) {
	f := newFixture(t)
	f.actuals(march, "5000", "3000", "1000")
	_, err := f.overrides.Upsert(context.Background(), testWS, "savings", march,
		allocation.OverrideFields{AllocationPercentage: decPtr("60.05")})
	require.NoError(t, err)

	row := f.row(t, march)

	assertDec(t, "100.05", row.TotalFundAllocationPct)
	assert.True(t, row.AllocationBalanced)
}

func TestEngine_LockedMonthIgnoresStoredPercentageOverrides(t *testing.T) {
	// GIVEN: A percentage override for February already in storage (written before it locked)
	// WHEN: February is computed in March
	// THEN: The row is locked and uses the fund default

	f := newFixture(t)
	f.actuals(feb, "5000", "3000", "1000")
	_, err := f.store.UpsertOverride(context.Background(), allocation.Override{
		ID: "legacy", WorkspaceID: testWS, FundID: "savings", Month: feb,
		OverrideFields: allocation.OverrideFields{AllocationPercentage: decPtr("10")},
	})
	require.NoError(t, err)

	row := f.row(t, feb)

	assert.True(t, row.IsLocked)
	savings := fundRow(t, row, "savings")
	assertDec(t, "60", savings.AllocationPercentage)
	assert.False(t, savings.IsOverridden)
	assert.Empty(t, row.Warnings)
}

func TestEngine_WorkingCapitalOverrideSurvivesRollover(t *testing.T) {
	// GIVEN: In March, WC is set to MANUAL(300) and savings to 10%
	// WHEN: The clock moves to April 2nd and March is re-read
	// THEN: March is locked, keeps MANUAL(300) and its remainder,
	//       while the savings percentage falls back to the default

	f := newFixture(t)
	ctx := context.Background()
	f.actuals(march, "5000", "3000", "1000")

	_, err := f.overrides.Upsert(ctx, testWS, "wc", march,
		allocation.OverrideFields{OverrideAmount: decPtr("300")})
	require.NoError(t, err)
	_, err = f.overrides.Upsert(ctx, testWS, "savings", march,
		allocation.OverrideFields{AllocationPercentage: decPtr("10")})
	require.NoError(t, err)

	open := f.row(t, march)
	require.False(t, open.IsLocked)
	assert.Equal(t, allocation.ModeManual, open.Mode.Kind)
	assertDec(t, "2700", open.SavingsRemainder)

	f.engine.Clock = allocation.FixedClock(time.Date(2026, time.April, 2, 0, 0, 0, 0, time.UTC))
	locked := f.row(t, march)

	assert.True(t, locked.IsLocked)
	assert.Equal(t, allocation.ModeManual, locked.Mode.Kind)
	assertDec(t, "300", locked.Mode.Amount)
	assertDec(t, "300", locked.AllocatedFixedCost)
	assertDec(t, "2700", locked.SavingsRemainder)

	wc := fundRow(t, locked, "wc")
	assertDec(t, "300", wc.AllocatedAmount)
	assert.True(t, wc.IsOverridden)
	assert.Equal(t, allocation.ModeManual, wc.Mode)

	savings := fundRow(t, locked, "savings")
	assertDec(t, "60", savings.AllocationPercentage)
	assert.False(t, savings.IsOverridden)
	assertDec(t, "1620", savings.AllocatedAmount)
}

func TestEngine_MissingActualsAreZero(t *testing.T) {
	f := newFixture(t)

	row := f.row(t, march.AddMonths(6))

	assert.False(t, row.IsLocked)
	assertDec(t, "0", row.NetIncome)
	// Nothing in the buffer: OPTIMIZE tops up the full minimum.
	assertDec(t, "1000", row.FixedCostOptimization)
	assertDec(t, "0", row.WCPctOfIncome)
}

// =============================================================================
// RANGES AND FAILURES
// =============================================================================

func TestEngine_RowsAscendingWithLockFlags(t *testing.T) {
	f := newFixture(t)

	rows, err := f.engine.ComputeAllocationTable(context.Background(), testWS, jan, march.Next())
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, jan, rows[0].Month)
	assert.Equal(t, march.Next(), rows[3].Month)
	assert.True(t, rows[0].IsLocked)
	assert.True(t, rows[1].IsLocked)
	assert.False(t, rows[2].IsLocked, "current month is open")
	assert.False(t, rows[3].IsLocked)
}

func TestEngine_FromAfterToRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ComputeAllocationTable(context.Background(), testWS, march, feb)

	require.Error(t, err)
	assert.True(t, errors.Is(err, allocation.ErrValidation))
	assert.True(t, allocation.IsClientError(err))
}

func TestEngine_RangeTooLongRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ComputeAllocationTable(context.Background(), testWS, jan, jan.AddMonths(60))

	assert.ErrorIs(t, err, allocation.ErrValidation)
}

func TestEngine_UnknownWorkspaceIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ComputeAllocationTable(context.Background(), "nope", march, march)

	assert.True(t, allocation.IsNotFound(err))
	var nf *allocation.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "workspace", nf.Kind)
}

func TestEngine_CollaboratorFailureIsUpstream(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("disk on fire")
	f.store.FailWith(cause)

	_, err := f.engine.ComputeAllocationTable(context.Background(), testWS, march, march)

	assert.ErrorIs(t, err, allocation.ErrUpstream)
	assert.ErrorIs(t, err, cause)
	assert.True(t, allocation.IsRetryable(err))
	assert.False(t, allocation.IsClientError(err))
}

func TestEngine_TwoWorkingCapitalFundsRejected(t *testing.T) {
	f := newFixture(t)
	f.store.PutFund(allocation.Fund{ID: "wc2", WorkspaceID: testWS, Name: "Second WC", IsWorkingCapital: true, SortOrder: 9})

	_, err := f.engine.ComputeAllocationTable(context.Background(), testWS, march, march)

	assert.ErrorIs(t, err, allocation.ErrValidation)
}

func TestEngine_TableForYears(t *testing.T) {
	f := newFixture(t)

	table, err := f.engine.TableForYears(context.Background(), testWS, 2)
	require.NoError(t, err)

	assert.Equal(t, allocation.MonthKey{Year: 2025, Month: time.January}, table.From)
	assert.Equal(t, allocation.MonthKey{Year: 2026, Month: time.December}, table.To)
	assert.Len(t, table.Rows, 24)
	assert.Equal(t, "EUR", table.BaseCurrency)
	assert.Len(t, table.Funds, 3)

	for _, years := range []int{0, 6, -1} {
		_, err := f.engine.TableForYears(context.Background(), testWS, years)
		assert.ErrorIs(t, err, allocation.ErrValidation, "years=%d", years)
	}
}

// =============================================================================
// NON-NEGATIVE ALLOCATIONS
// =============================================================================

func TestComputeRow_NonNegativeRemainderGivesNonNegativeAllocations(t *testing.T) {
	wc := allocation.Fund{ID: "wc", IsWorkingCapital: true}
	model := allocation.ModeModel

	tests := []struct {
		name      string
		mode      *allocation.ModeKind
		prev      string
		income    string
		fixed     string
		pct       string
		sfPct     string // empty means not self-funding
		remainder string
	}{
		{"zero pct", &model, "0", "3000", "0", "0", "", "2550"},
		{"full pct", &model, "0", "3000", "0", "100", "", "2550"},
		{"full pct fully self-funded", &model, "0", "3000", "0", "100", "100", "2550"},
		{"zero remainder full pct", &model, "0", "450", "0", "100", "50", "0"},
		{"zero remainder zero pct", &model, "0", "450", "0", "0", "", "0"},
		{"optimize zero remainder", nil, "1000", "400", "400", "100", "50", "0"},
		{"optimize zero remainder zero pct", nil, "1000", "400", "400", "0", "", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fund := allocation.Fund{ID: "f", DefaultPercentage: dec(tt.pct)}
			if tt.sfPct != "" {
				fund.IsSelfFunding = true
				fund.SelfFundingPercentage = dec(tt.sfPct)
			}
			overrides := map[allocation.FundID]allocation.Override{}
			if tt.mode != nil {
				overrides["wc"] = allocation.Override{FundID: "wc", OverrideFields: allocation.OverrideFields{Mode: tt.mode}}
			}

			row := allocation.ComputeRow(allocation.RowInput{
				Month: march,
				Actuals: allocation.MonthlyActuals{
					Month:                march,
					WCPrevClosingBalance: dec(tt.prev),
					CurrentMonthIncome:   dec(tt.income),
					ActualFixedCost:      dec(tt.fixed),
				},
				Workspace: allocation.Workspace{MinWCBalance: dec("1000"), BudgetBenchmark: decPtr("450")},
				Funds:     []allocation.Fund{wc, fund},
				WCFund:    &wc,
				Overrides: overrides,
			})

			assertDec(t, tt.remainder, row.SavingsRemainder)
			require.False(t, row.SavingsRemainder.IsNegative())

			fa := fundRow(t, row, "f")
			assert.False(t, fa.AllocatedAmount.IsNegative(), "allocated %s", fa.AllocatedAmount)
			assert.False(t, fa.SelfFundingAmount.IsNegative(), "self-funding %s", fa.SelfFundingAmount)
			assert.False(t, fa.TransferAmount.IsNegative(), "transfer %s", fa.TransferAmount)
		})
	}
}
