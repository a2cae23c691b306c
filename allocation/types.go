/*
Package allocation provides the monthly allocation reconciliation engine.

PURPOSE:
  This package contains the rules that split a workspace's monthly income
  across its funds. For every (fund, year, month) it computes the allocated
  amount, applies manual overrides, resolves the working-capital strategy,
  and reports invariant violations without correcting them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Fund: A bucket receiving part of the income (working capital, savings...)
  - Workspace: Per-workspace settings (minimum WC buffer, budget benchmark)
  - MonthlyActuals: Realized figures for a month, read from the ledger
  - Override: A persisted manual correction for one (fund, month)
  - AllocationRow: The derived, never-persisted result for one month

DESIGN PRINCIPLES:
  1. Derived, not stored: rows are recomputed on every read
  2. Precision: decimal.Decimal everywhere, no float math
  3. Surface, don't fix: a 90% total is reported, never normalized
  4. Past is frozen: months before the current month are read-only

SEE ALSO:
  - engine.go: The per-month algorithm
  - mode.go: Working-capital mode resolution
  - overrides.go: Override mutations and their rules
  - store.go: Collaborator interfaces
*/
package allocation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WorkspaceID string
type FundID string

// =============================================================================
// FUND - Metadata owned by the fund registry
// =============================================================================

// Fund is immutable within a reconciliation run.
type Fund struct {
	ID          FundID
	WorkspaceID WorkspaceID
	Name        string
	Emoji       string

	// Exactly one fund per workspace should carry this flag.
	// Its allocation is amount-based, never percentage-based.
	IsWorkingCapital bool

	// Self-funding funds keep SelfFundingPercentage% of their nominal
	// allocation inside the working-capital account.
	IsSelfFunding         bool
	SelfFundingPercentage decimal.Decimal

	// Default share of the savings remainder (0..100), used when no override applies.
	DefaultPercentage decimal.Decimal

	LinkedAccounts []string
	SortOrder      int
}

// =============================================================================
// WORKSPACE - Configuration consumed by the engine
// =============================================================================

type Workspace struct {
	ID           WorkspaceID
	Name         string
	BaseCurrency string

	// Minimum working-capital closing balance protected by OPTIMIZE mode.
	MinWCBalance decimal.Decimal

	// Monthly figure from the active budget scenario. Nil when none is active.
	BudgetBenchmark    *decimal.Decimal
	ActiveScenarioID   string
	ActiveScenarioName string
}

// =============================================================================
// MONTHLY ACTUALS - Supplied by the ledger reader
// =============================================================================

type MonthlyActuals struct {
	Month MonthKey

	// Realized income for the month, cash basis.
	CurrentMonthIncome decimal.Decimal

	// Realized working-capital-category expenses (positive number).
	ActualFixedCost decimal.Decimal

	// Working-capital balance carried from the prior month.
	WCPrevClosingBalance decimal.Decimal
}

// =============================================================================
// OVERRIDE - Manual correction for one (fund, month)
// =============================================================================

// OverrideFields is the full desired state of an override row.
// Upsert replaces the stored row with exactly these fields.
type OverrideFields struct {
	// Non-working-capital funds only.
	AllocationPercentage *decimal.Decimal

	// Working-capital fund only. Takes precedence over Mode.
	OverrideAmount *decimal.Decimal

	// Working-capital fund only. Nil with nil OverrideAmount means OPTIMIZE.
	Mode *ModeKind
}

type Override struct {
	ID          string
	WorkspaceID WorkspaceID
	FundID      FundID
	Month       MonthKey
	OverrideFields

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// ALLOCATION ROW - Derived, never stored
// =============================================================================

// FundAllocation is one fund's share of a month.
type FundAllocation struct {
	FundID           FundID
	FundName         string
	Emoji            string
	IsWorkingCapital bool

	// For the WC fund this is informational: allocated amount as % of net income.
	AllocationPercentage decimal.Decimal
	IsOverridden         bool

	AllocatedAmount   decimal.Decimal
	SelfFundingAmount decimal.Decimal // retained inside working capital
	TransferAmount    decimal.Decimal // AllocatedAmount - SelfFundingAmount

	// Set on the WC fund only.
	Mode ModeKind
}

type AllocationRow struct {
	Month    MonthKey
	IsLocked bool

	NetIncome             decimal.Decimal
	AllocatedBudget       decimal.Decimal
	AllocatedFixedCost    decimal.Decimal
	ActualFixedCost       decimal.Decimal
	FixedCostOptimization decimal.Decimal
	SavingsRemainder      decimal.Decimal

	// Effective working-capital strategy for the row.
	Mode WorkingCapitalMode

	// Aggregate self-funding adjustment factor K used by OPTIMIZE.
	SelfFundingFactor decimal.Decimal

	WCPctOfIncome      decimal.Decimal
	SavingsPctOfIncome decimal.Decimal

	// Raw sum of non-WC percentages. Not normalized.
	TotalFundAllocationPct decimal.Decimal
	// Whether TotalFundAllocationPct is within 100 ± AllocationTolerance.
	AllocationBalanced bool

	Warnings []string
	Funds    []FundAllocation
}

// Fund returns the allocation for id, if present.
func (r AllocationRow) Fund(id FundID) (FundAllocation, bool) {
	for _, f := range r.Funds {
		if f.FundID == id {
			return f, true
		}
	}
	return FundAllocation{}, false
}

// =============================================================================
// CONSTANTS
// =============================================================================

var (
	hundred = decimal.NewFromInt(100)

	// AllocationTolerance is the accepted drift of the non-WC total from 100%.
	AllocationTolerance = decimal.RequireFromString("0.1")
)

// MaxTableYears bounds TableForYears.
const MaxTableYears = 5
