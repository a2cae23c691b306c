/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates a workspace, accounts, funds,
	ledger history and a few overrides that exercise specific features.

AVAILABLE SCENARIOS:

	household:  Working capital + three savings funds, active budget
	            scenario, overrides in the current and a locked month
	no-budget:  Single savings fund, MODEL mode without an active budget
	            scenario (shows the fallback warning)

HOW SCENARIOS WORK:
 1. Reset database (clear all data) and flush cached views
 2. Create workspace, budget scenario and accounts
 3. Create funds and link working-capital accounts
 4. Add ledger entries for the months up to the current one
 5. Add overrides

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "household"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	Dates are relative to the handler clock, so "current month" is always
	the month the scenario is loaded in.

SEE ALSO:
  - handlers.go: ResetDatabase
  - cmd/allocator/main.go: `allocator seed`
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "household",
		Name:        "Household",
		Description: "Working capital plus emergency, investment and travel funds with an active budget",
		WorkspaceID: "demo-household",
	},
	{
		ID:          "no-budget",
		Name:        "No Budget Scenario",
		Description: "MODEL mode selected without an active budget scenario",
		WorkspaceID: "demo-lean",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if allocation.IsClientError(err) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID resets the database and loads one scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var loader func(context.Context) error
	switch id {
	case "household":
		loader = h.loadHouseholdScenario
	case "no-budget":
		loader = h.loadNoBudgetScenario
	default:
		return allocation.NewValidationError("scenario_id", id, "unknown scenario")
	}

	if err := h.reset(ctx); err != nil {
		return err
	}
	if err := loader(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadHouseholdScenario(ctx context.Context) error {
	const ws = "demo-household"
	current := allocation.MonthOf(h.now())

	if err := h.Store.SaveWorkspace(ctx, sqlite.WorkspaceRecord{
		ID:           ws,
		Name:         "Household",
		BaseCurrency: h.DefaultCurrency,
		MinWCBalance: decimal.NewFromInt(1500),
	}); err != nil {
		return err
	}
	if err := h.Store.SaveBudgetScenario(ctx, sqlite.BudgetScenario{
		ID:                   "budget-baseline",
		WorkspaceID:          ws,
		Name:                 "Baseline budget",
		MonthlyExpensesTotal: decimal.NewFromInt(1450),
		IsActive:             true,
	}); err != nil {
		return err
	}

	accounts := []sqlite.Account{
		{ID: "acc-checking", WorkspaceID: ws, Name: "Checking", OpeningBalance: decimal.NewFromInt(2000)},
		{ID: "acc-brokerage", WorkspaceID: ws, Name: "Brokerage"},
	}
	for _, a := range accounts {
		if err := h.Store.SaveAccount(ctx, a); err != nil {
			return err
		}
	}

	funds := []allocation.Fund{
		{
			ID: "fund-wc", WorkspaceID: ws, Name: "Working Capital", Emoji: "💼",
			IsWorkingCapital: true, LinkedAccounts: []string{"acc-checking"}, SortOrder: 0,
		},
		{
			ID: "fund-emergency", WorkspaceID: ws, Name: "Emergency", Emoji: "🛟",
			IsSelfFunding: true, SelfFundingPercentage: decimal.NewFromInt(50),
			DefaultPercentage: decimal.NewFromInt(30), SortOrder: 1,
		},
		{
			ID: "fund-invest", WorkspaceID: ws, Name: "Investments", Emoji: "📈",
			DefaultPercentage: decimal.NewFromInt(50), LinkedAccounts: []string{"acc-brokerage"}, SortOrder: 2,
		},
		{
			ID: "fund-travel", WorkspaceID: ws, Name: "Travel", Emoji: "✈️",
			DefaultPercentage: decimal.NewFromInt(20), SortOrder: 3,
		},
	}
	for _, f := range funds {
		if err := h.Store.SaveFund(ctx, f); err != nil {
			return err
		}
	}

	start := current.AddMonths(-13)
	for i, m := range allocation.MonthsBetween(start, current) {
		income := decimal.NewFromInt(3200)
		if m.Month%3 == 0 {
			income = income.Add(decimal.NewFromInt(250)) // quarterly bonus
		}
		entries := []seedEntry{
			{"acc-checking", 1, income, sqlite.EntryIncome, false, "Salary"},
			{"acc-checking", 3, decimal.NewFromInt(-1100), sqlite.EntryExpense, true, "Rent"},
			{"acc-checking", 10, decimal.NewFromInt(int64(-120 - 5*(i%4))), sqlite.EntryExpense, true, "Utilities"},
			{"acc-checking", 15, decimal.NewFromInt(-380), sqlite.EntryExpense, false, "Groceries"},
		}
		if err := h.saveEntries(ctx, ws, m, entries); err != nil {
			return err
		}
	}

	model := allocation.ModeModel
	overrides := []allocation.Override{
		// Locked month: stored, shown in the override list, ignored by the table.
		{FundID: "fund-travel", Month: current.Prev(), OverrideFields: allocation.OverrideFields{AllocationPercentage: decPtr(40)}},
		{FundID: "fund-travel", Month: current, OverrideFields: allocation.OverrideFields{AllocationPercentage: decPtr(10)}},
		{FundID: "fund-invest", Month: current, OverrideFields: allocation.OverrideFields{AllocationPercentage: decPtr(60)}},
		{FundID: "fund-wc", Month: current, OverrideFields: allocation.OverrideFields{Mode: &model}},
	}
	return h.saveOverrides(ctx, ws, overrides)
}

func (h *Handler) loadNoBudgetScenario(ctx context.Context) error {
	const ws = "demo-lean"
	current := allocation.MonthOf(h.now())

	if err := h.Store.SaveWorkspace(ctx, sqlite.WorkspaceRecord{
		ID:           ws,
		Name:         "Lean",
		BaseCurrency: h.DefaultCurrency,
		MinWCBalance: decimal.NewFromInt(500),
	}); err != nil {
		return err
	}
	if err := h.Store.SaveAccount(ctx, sqlite.Account{
		ID: "acc-lean", WorkspaceID: ws, Name: "Current account", OpeningBalance: decimal.NewFromInt(800),
	}); err != nil {
		return err
	}

	funds := []allocation.Fund{
		{ID: "lean-wc", WorkspaceID: ws, Name: "Working Capital", IsWorkingCapital: true, LinkedAccounts: []string{"acc-lean"}},
		{ID: "lean-savings", WorkspaceID: ws, Name: "Savings", DefaultPercentage: decimal.NewFromInt(100), SortOrder: 1},
	}
	for _, f := range funds {
		if err := h.Store.SaveFund(ctx, f); err != nil {
			return err
		}
	}

	for _, m := range allocation.MonthsBetween(current.AddMonths(-5), current) {
		entries := []seedEntry{
			{"acc-lean", 1, decimal.NewFromInt(2100), sqlite.EntryIncome, false, "Salary"},
			{"acc-lean", 5, decimal.NewFromInt(-900), sqlite.EntryExpense, true, "Rent"},
		}
		if err := h.saveEntries(ctx, ws, m, entries); err != nil {
			return err
		}
	}

	model := allocation.ModeModel
	return h.saveOverrides(ctx, ws, []allocation.Override{
		{FundID: "lean-wc", Month: current, OverrideFields: allocation.OverrideFields{Mode: &model}},
	})
}

// =============================================================================
// HELPERS
// =============================================================================

type seedEntry struct {
	account     string
	day         int
	amount      decimal.Decimal
	kind        sqlite.EntryKind
	fixedCost   bool
	description string
}

// saveEntries stores entries on their day of month m.
func (h *Handler) saveEntries(ctx context.Context, ws string, m allocation.MonthKey, entries []seedEntry) error {
	for _, e := range entries {
		err := h.Store.SaveLedgerEntry(ctx, sqlite.LedgerEntry{
			ID:          uuid.NewString(),
			WorkspaceID: ws,
			AccountID:   e.account,
			OccurredOn:  m.Start().AddDate(0, 0, e.day-1),
			Amount:      e.amount,
			Kind:        e.kind,
			IsFixedCost: e.fixedCost,
			Description: e.description,
		})
		if err != nil {
			return fmt.Errorf("save ledger entry %s %s: %w", m, e.description, err)
		}
	}
	return nil
}

// saveOverrides writes through the store, bypassing the lock check so
// scenarios can seed history.
func (h *Handler) saveOverrides(ctx context.Context, ws string, overrides []allocation.Override) error {
	for _, o := range overrides {
		o.ID = uuid.NewString()
		o.WorkspaceID = allocation.WorkspaceID(ws)
		if _, err := h.Store.UpsertOverride(ctx, o); err != nil {
			return fmt.Errorf("save override %s %s: %w", o.FundID, o.Month, err)
		}
	}
	return nil
}

func decPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
