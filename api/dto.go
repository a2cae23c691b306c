/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the allocation domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Money and percentages travel as decimal strings ("1234.50") so clients
  never see binary floating point. Amounts also carry a *_display string
  formatted for the workspace base currency ("€1,234.50").

SEE ALSO:
  - handlers.go: Uses these types
  - allocation/types.go: Domain types these mirror
*/
package api

import (
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// FUNDS
// =============================================================================

// FundDTO represents fund metadata.
type FundDTO struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Emoji                 string   `json:"emoji,omitempty"`
	IsWorkingCapital      bool     `json:"is_working_capital"`
	IsSelfFunding         bool     `json:"is_self_funding"`
	SelfFundingPercentage string   `json:"self_funding_percentage"`
	DefaultPercentage     string   `json:"default_percentage"`
	LinkedAccounts        []string `json:"linked_accounts"`
	SortOrder             int      `json:"sort_order"`
}

// =============================================================================
// ALLOCATION TABLE
// =============================================================================

type FundAllocationDTO struct {
	FundID               string `json:"fund_id"`
	FundName             string `json:"fund_name"`
	Emoji                string `json:"emoji,omitempty"`
	IsWorkingCapital     bool   `json:"is_working_capital"`
	AllocationPercentage string `json:"allocation_percentage"`
	IsOverridden         bool   `json:"is_overridden"`
	AllocatedAmount      string `json:"allocated_amount"`
	AllocatedDisplay     string `json:"allocated_display,omitempty"`
	SelfFundingAmount    string `json:"self_funding_amount"`
	TransferAmount       string `json:"transfer_amount"`
	Mode                 string `json:"mode,omitempty"`
}

type AllocationRowDTO struct {
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	MonthKey string `json:"month_key"`
	IsLocked bool   `json:"is_locked"`

	NetIncome             string `json:"net_income"`
	NetIncomeDisplay      string `json:"net_income_display,omitempty"`
	AllocatedBudget       string `json:"allocated_budget"`
	AllocatedFixedCost    string `json:"allocated_fixed_cost"`
	ActualFixedCost       string `json:"actual_fixed_cost"`
	FixedCostOptimization string `json:"fixed_cost_optimization"`
	SavingsRemainder      string `json:"savings_remainder"`
	SavingsDisplay        string `json:"savings_remainder_display,omitempty"`

	WorkingCapitalMode   string  `json:"working_capital_mode"`
	WorkingCapitalAmount *string `json:"working_capital_amount,omitempty"` // MANUAL only
	SelfFundingFactor    string  `json:"self_funding_factor"`

	WCPctOfIncome          string `json:"wc_pct_of_income"`
	SavingsPctOfIncome     string `json:"savings_pct_of_income"`
	TotalFundAllocationPct string `json:"total_fund_allocation_pct"`
	AllocationBalanced     bool   `json:"allocation_balanced"`

	Warnings []string            `json:"warnings"`
	Funds    []FundAllocationDTO `json:"funds"`
}

type ScenarioRefDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type AllocationTableDTO struct {
	WorkspaceID     string             `json:"workspace_id"`
	From            string             `json:"from"`
	To              string             `json:"to"`
	BaseCurrency    string             `json:"base_currency"`
	MinWCBalance    string             `json:"min_wc_balance"`
	BudgetBenchmark *string            `json:"budget_benchmark,omitempty"`
	ActiveScenario  *ScenarioRefDTO    `json:"active_scenario,omitempty"`
	FundsMeta       []FundDTO          `json:"funds_meta"`
	Rows            []AllocationRowDTO `json:"rows"`
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

type FundTrackerEntryDTO struct {
	FundID           string `json:"fund_id"`
	FundName         string `json:"fund_name"`
	Emoji            string `json:"emoji,omitempty"`
	IsWorkingCapital bool   `json:"is_working_capital"`
	Allocated        string `json:"allocated"`
	AllocatedDisplay string `json:"allocated_display,omitempty"`
	SelfFunded       string `json:"self_funded"`
	Transferred      string `json:"transferred"`
	MonthsOverridden int    `json:"months_overridden"`
}

type FundTrackerDTO struct {
	WorkspaceID     string                `json:"workspace_id"`
	Year            int                   `json:"year"`
	Through         string                `json:"through"`
	BaseCurrency    string                `json:"base_currency"`
	MonthsCounted   int                   `json:"months_counted"`
	TotalIncome     string                `json:"total_income"`
	TotalAllocated  string                `json:"total_allocated"`
	TotalSelfFunded string                `json:"total_self_funded"`
	Funds           []FundTrackerEntryDTO `json:"funds"`
}

type MonthlyDashboardDTO struct {
	WorkspaceID     string           `json:"workspace_id"`
	Month           string           `json:"month"`
	BaseCurrency    string           `json:"base_currency"`
	Current         AllocationRowDTO `json:"current"`
	Previous        AllocationRowDTO `json:"previous"`
	IncomeChange    string           `json:"income_change"`
	FixedCostChange string           `json:"fixed_cost_change"`
	SavingsChange   string           `json:"savings_change"`
}

// =============================================================================
// OVERRIDES
// =============================================================================

type OverrideDTO struct {
	ID                   string  `json:"id"`
	FundID               string  `json:"fund_id"`
	Year                 int     `json:"year"`
	Month                int     `json:"month"`
	AllocationPercentage *string `json:"allocation_percentage"`
	OverrideAmount       *string `json:"override_amount"`
	Mode                 *string `json:"mode"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

// UpsertOverrideRequest carries the full desired state of one override.
// Omitted fields are stored as null, not left unchanged.
type UpsertOverrideRequest struct {
	FundID               string           `json:"fund_id"`
	Year                 int              `json:"year"`
	Month                int              `json:"month"`
	AllocationPercentage *decimal.Decimal `json:"allocation_percentage,omitempty"`
	OverrideAmount       *decimal.Decimal `json:"override_amount,omitempty"`
	Mode                 *string          `json:"mode,omitempty"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	WorkspaceID string `json:"workspace_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

// DisplayAmount formats d in currency using its minor-unit precision.
// Unknown currencies yield "".
func DisplayAmount(d decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return ""
	}
	minor := d.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	return money.New(minor.IntPart(), cur.Code).Display()
}

func decPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func toFundDTO(f allocation.Fund) FundDTO {
	accounts := f.LinkedAccounts
	if accounts == nil {
		accounts = []string{}
	}
	return FundDTO{
		ID:                    string(f.ID),
		Name:                  f.Name,
		Emoji:                 f.Emoji,
		IsWorkingCapital:      f.IsWorkingCapital,
		IsSelfFunding:         f.IsSelfFunding,
		SelfFundingPercentage: f.SelfFundingPercentage.String(),
		DefaultPercentage:     f.DefaultPercentage.String(),
		LinkedAccounts:        accounts,
		SortOrder:             f.SortOrder,
	}
}

func toFundDTOs(funds []allocation.Fund) []FundDTO {
	dtos := make([]FundDTO, len(funds))
	for i, f := range funds {
		dtos[i] = toFundDTO(f)
	}
	return dtos
}

func toRowDTO(r allocation.AllocationRow, currency string) AllocationRowDTO {
	dto := AllocationRowDTO{
		Year:                   r.Month.Year,
		Month:                  int(r.Month.Month),
		MonthKey:               r.Month.String(),
		IsLocked:               r.IsLocked,
		NetIncome:              r.NetIncome.StringFixed(2),
		NetIncomeDisplay:       DisplayAmount(r.NetIncome, currency),
		AllocatedBudget:        r.AllocatedBudget.StringFixed(2),
		AllocatedFixedCost:     r.AllocatedFixedCost.StringFixed(2),
		ActualFixedCost:        r.ActualFixedCost.StringFixed(2),
		FixedCostOptimization:  r.FixedCostOptimization.StringFixed(2),
		SavingsRemainder:       r.SavingsRemainder.StringFixed(2),
		SavingsDisplay:         DisplayAmount(r.SavingsRemainder, currency),
		WorkingCapitalMode:     string(r.Mode.Kind),
		SelfFundingFactor:      r.SelfFundingFactor.String(),
		WCPctOfIncome:          r.WCPctOfIncome.StringFixed(2),
		SavingsPctOfIncome:     r.SavingsPctOfIncome.StringFixed(2),
		TotalFundAllocationPct: r.TotalFundAllocationPct.String(),
		AllocationBalanced:     r.AllocationBalanced,
		Warnings:               r.Warnings,
		Funds:                  make([]FundAllocationDTO, len(r.Funds)),
	}
	if r.Mode.Kind == allocation.ModeManual {
		amount := r.Mode.Amount.StringFixed(2)
		dto.WorkingCapitalAmount = &amount
	}
	if dto.Warnings == nil {
		dto.Warnings = []string{}
	}
	for i, f := range r.Funds {
		dto.Funds[i] = FundAllocationDTO{
			FundID:               string(f.FundID),
			FundName:             f.FundName,
			Emoji:                f.Emoji,
			IsWorkingCapital:     f.IsWorkingCapital,
			AllocationPercentage: f.AllocationPercentage.StringFixed(2),
			IsOverridden:         f.IsOverridden,
			AllocatedAmount:      f.AllocatedAmount.StringFixed(2),
			AllocatedDisplay:     DisplayAmount(f.AllocatedAmount, currency),
			SelfFundingAmount:    f.SelfFundingAmount.StringFixed(2),
			TransferAmount:       f.TransferAmount.StringFixed(2),
			Mode:                 string(f.Mode),
		}
	}
	return dto
}

func toTableDTO(t *allocation.AllocationTable) AllocationTableDTO {
	dto := AllocationTableDTO{
		WorkspaceID:     string(t.WorkspaceID),
		From:            t.From.String(),
		To:              t.To.String(),
		BaseCurrency:    t.BaseCurrency,
		MinWCBalance:    t.MinWCBalance.StringFixed(2),
		BudgetBenchmark: decPtrString(t.BudgetBenchmark),
		FundsMeta:       toFundDTOs(t.Funds),
		Rows:            make([]AllocationRowDTO, len(t.Rows)),
	}
	if t.ActiveScenarioID != "" {
		dto.ActiveScenario = &ScenarioRefDTO{ID: t.ActiveScenarioID, Name: t.ActiveScenarioName}
	}
	for i, r := range t.Rows {
		dto.Rows[i] = toRowDTO(r, t.BaseCurrency)
	}
	return dto
}

func toFundTrackerDTO(ft *allocation.FundTracker) FundTrackerDTO {
	dto := FundTrackerDTO{
		WorkspaceID:     string(ft.WorkspaceID),
		Year:            ft.Year,
		Through:         ft.Through.String(),
		BaseCurrency:    ft.BaseCurrency,
		MonthsCounted:   ft.MonthsCounted,
		TotalIncome:     ft.TotalIncome.StringFixed(2),
		TotalAllocated:  ft.TotalAllocated.StringFixed(2),
		TotalSelfFunded: ft.TotalSelfFunded.StringFixed(2),
		Funds:           make([]FundTrackerEntryDTO, len(ft.Funds)),
	}
	for i, f := range ft.Funds {
		dto.Funds[i] = FundTrackerEntryDTO{
			FundID:           string(f.FundID),
			FundName:         f.FundName,
			Emoji:            f.Emoji,
			IsWorkingCapital: f.IsWorkingCapital,
			Allocated:        f.Allocated.StringFixed(2),
			AllocatedDisplay: DisplayAmount(f.Allocated, ft.BaseCurrency),
			SelfFunded:       f.SelfFunded.StringFixed(2),
			Transferred:      f.Transferred.StringFixed(2),
			MonthsOverridden: f.MonthsOverridden,
		}
	}
	return dto
}

func toDashboardDTO(d *allocation.MonthlyDashboard) MonthlyDashboardDTO {
	return MonthlyDashboardDTO{
		WorkspaceID:     string(d.WorkspaceID),
		Month:           d.Month.String(),
		BaseCurrency:    d.BaseCurrency,
		Current:         toRowDTO(d.Row, d.BaseCurrency),
		Previous:        toRowDTO(d.Previous, d.BaseCurrency),
		IncomeChange:    d.IncomeChange.StringFixed(2),
		FixedCostChange: d.FixedCostChange.StringFixed(2),
		SavingsChange:   d.SavingsChange.StringFixed(2),
	}
}

func toOverrideDTO(o allocation.Override) OverrideDTO {
	dto := OverrideDTO{
		ID:                   o.ID,
		FundID:               string(o.FundID),
		Year:                 o.Month.Year,
		Month:                int(o.Month.Month),
		AllocationPercentage: decPtrString(o.AllocationPercentage),
		OverrideAmount:       decPtrString(o.OverrideAmount),
		CreatedAt:            o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            o.UpdatedAt.Format(time.RFC3339),
	}
	if o.Mode != nil {
		m := string(*o.Mode)
		dto.Mode = &m
	}
	return dto
}

func toOverrideDTOs(overrides []allocation.Override) []OverrideDTO {
	dtos := make([]OverrideDTO, len(overrides))
	for i, o := range overrides {
		dtos[i] = toOverrideDTO(o)
	}
	return dtos
}
