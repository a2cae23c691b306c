/*
Package sqlite provides a SQLite-backed implementation of the allocation collaborators.

PURPOSE:
  Implements every read collaborator and the override store on one database.
  Ledger figures are aggregated from raw entries on read; no monthly totals
  are materialized.

INTERFACES IMPLEMENTED:
  allocation.FundRegistry:    Active funds in sort order
  allocation.WorkspaceReader: Settings plus the active budget scenario
  allocation.LedgerReader:    Monthly income, fixed cost, WC opening balance
  allocation.OverrideStore:   One row per (workspace, fund, month)

KEY TABLES:
  workspaces, budget_scenarios: Settings and the MODEL benchmark
  accounts, fund_accounts:      Which accounts make up the WC balance
  funds:                        Registry
  ledger_entries:               Signed amounts; kind income|expense|transfer
  allocation_overrides:         Manual corrections

LEDGER AGGREGATION (per month):
  income            = sum of positive 'income' entries
  actual_fixed_cost = |sum of negative 'expense' entries flagged is_fixed_cost|
  wc_prev_closing   = opening balances of accounts linked to the WC fund
                      + all their entries dated before the month

MONEY:
  Amounts and percentages are stored as TEXT and parsed with
  shopspring/decimal. SQLite arithmetic would go through REAL.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety plus a busy timeout on the
  connection. Override upserts are last-write-wins per key.

MIGRATION:
  Schema is migrated on New() with golang-migrate from the embedded
  migrations/ directory.

USAGE:
  store, err := sqlite.New("./data/allocation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := allocation.NewEngine(store)

SEE ALSO:
  - allocation/store.go: Interface definitions
  - allocation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
)

// Store implements allocation.Source using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	now allocation.Clock
}

var _ allocation.Source = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, now: allocation.SystemClock}, nil
}

// SetClock overrides the clock used for created_at/updated_at.
func (s *Store) SetClock(c allocation.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = c
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// =============================================================================
// WORKSPACES (allocation.WorkspaceReader)
// =============================================================================

// WorkspaceRecord is a stored workspace row.
type WorkspaceRecord struct {
	ID           string
	Name         string
	BaseCurrency string
	MinWCBalance decimal.Decimal
	CreatedAt    time.Time
}

// SaveWorkspace creates or updates a workspace.
func (s *Store) SaveWorkspace(ctx context.Context, w WorkspaceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO workspaces (id, name, base_currency, min_wc_balance, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_currency = excluded.base_currency,
			min_wc_balance = excluded.min_wc_balance
	`
	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.Name, w.BaseCurrency, w.MinWCBalance.String(), s.timestamp())
	return err
}

// ListWorkspaces returns every workspace ordered by name.
func (s *Store) ListWorkspaces(ctx context.Context) ([]WorkspaceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, base_currency, min_wc_balance, created_at FROM workspaces ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkspaceRecord
	for rows.Next() {
		var w WorkspaceRecord
		var minWC, createdAt string
		if err := rows.Scan(&w.ID, &w.Name, &w.BaseCurrency, &minWC, &createdAt); err != nil {
			return nil, err
		}
		if w.MinWCBalance, err = parseDecimal("min_wc_balance", minWC); err != nil {
			return nil, err
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Workspace returns settings joined with the active budget scenario.
func (s *Store) Workspace(ctx context.Context, id allocation.WorkspaceID) (allocation.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT w.id, w.name, w.base_currency, w.min_wc_balance,
		       b.id, b.name, b.monthly_expenses_total
		FROM workspaces w
		LEFT JOIN budget_scenarios b ON b.workspace_id = w.id AND b.is_active = 1
		WHERE w.id = ?
	`
	var (
		ws                              allocation.Workspace
		wsID, minWC                     string
		scenarioID, scenarioName, total sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, string(id)).Scan(
		&wsID, &ws.Name, &ws.BaseCurrency, &minWC,
		&scenarioID, &scenarioName, &total,
	)
	if err == sql.ErrNoRows {
		return allocation.Workspace{}, &allocation.NotFoundError{Kind: "workspace", ID: string(id)}
	}
	if err != nil {
		return allocation.Workspace{}, err
	}

	ws.ID = allocation.WorkspaceID(wsID)
	if ws.MinWCBalance, err = parseDecimal("min_wc_balance", minWC); err != nil {
		return allocation.Workspace{}, err
	}
	if scenarioID.Valid {
		ws.ActiveScenarioID = scenarioID.String
		ws.ActiveScenarioName = scenarioName.String
		if ws.BudgetBenchmark, err = parseNullDecimal("monthly_expenses_total", total); err != nil {
			return allocation.Workspace{}, err
		}
	}
	return ws, nil
}

func (s *Store) workspaceExists(ctx context.Context, id allocation.WorkspaceID) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM workspaces WHERE id = ?", string(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return &allocation.NotFoundError{Kind: "workspace", ID: string(id)}
	}
	return err
}

// =============================================================================
// BUDGET SCENARIOS
// =============================================================================

// BudgetScenario is a planning scenario. The active one feeds MODEL mode.
type BudgetScenario struct {
	ID                   string
	WorkspaceID          string
	Name                 string
	MonthlyExpensesTotal decimal.Decimal
	IsActive             bool
}

// SaveBudgetScenario upserts a scenario. Activating it deactivates the
// workspace's other scenarios in the same transaction.
func (s *Store) SaveBudgetScenario(ctx context.Context, b BudgetScenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if b.IsActive {
		if _, err := tx.ExecContext(ctx,
			"UPDATE budget_scenarios SET is_active = 0 WHERE workspace_id = ? AND id != ?",
			b.WorkspaceID, b.ID); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO budget_scenarios (id, workspace_id, name, monthly_expenses_total, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			monthly_expenses_total = excluded.monthly_expenses_total,
			is_active = excluded.is_active
	`
	if _, err := tx.ExecContext(ctx, query,
		b.ID, b.WorkspaceID, b.Name, b.MonthlyExpensesTotal.String(), boolInt(b.IsActive), s.timestamp(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// ACCOUNTS AND LEDGER ENTRIES
// =============================================================================

// Account is a cash account; WC accounts are linked through fund_accounts.
type Account struct {
	ID             string
	WorkspaceID    string
	Name           string
	OpeningBalance decimal.Decimal
}

// SaveAccount creates or updates an account.
func (s *Store) SaveAccount(ctx context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO accounts (id, workspace_id, name, opening_balance, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			opening_balance = excluded.opening_balance
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.WorkspaceID, a.Name, a.OpeningBalance.String(), s.timestamp())
	return err
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryIncome   EntryKind = "income"
	EntryExpense  EntryKind = "expense"
	EntryTransfer EntryKind = "transfer"
)

// LedgerEntry is a signed movement on an account.
type LedgerEntry struct {
	ID          string
	WorkspaceID string
	AccountID   string
	OccurredOn  time.Time
	Amount      decimal.Decimal // income positive, expense negative
	Kind        EntryKind
	IsFixedCost bool
	Description string
}

// SaveLedgerEntry inserts or replaces an entry.
func (s *Store) SaveLedgerEntry(ctx context.Context, e LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO ledger_entries (id, workspace_id, account_id, occurred_on, amount, kind, is_fixed_cost, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			occurred_on = excluded.occurred_on,
			amount = excluded.amount,
			kind = excluded.kind,
			is_fixed_cost = excluded.is_fixed_cost,
			description = excluded.description
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.WorkspaceID, e.AccountID, e.OccurredOn.Format(dateLayout), e.Amount.String(),
		string(e.Kind), boolInt(e.IsFixedCost), nullString(e.Description), s.timestamp(),
	)
	return err
}

// MonthlyActuals aggregates ledger entries into per-month figures for [from, to].
// Every month in the range is present in the result.
func (s *Store) MonthlyActuals(ctx context.Context, id allocation.WorkspaceID, from, to allocation.MonthKey) (map[allocation.MonthKey]allocation.MonthlyActuals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wcAccounts, opening, err := s.workingCapitalAccounts(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, occurred_on, amount, kind, is_fixed_cost
		FROM ledger_entries
		WHERE workspace_id = ? AND occurred_on < ?
		ORDER BY occurred_on
	`, string(id), to.End().Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type monthTotals struct {
		income, fixedCost, wcDelta decimal.Decimal
	}
	buckets := make(map[allocation.MonthKey]*monthTotals)
	wcBefore := opening

	for rows.Next() {
		var accountID, occurredOn, amountStr, kind string
		var isFixed int
		if err := rows.Scan(&accountID, &occurredOn, &amountStr, &kind, &isFixed); err != nil {
			return nil, err
		}
		day, err := time.Parse(dateLayout, occurredOn)
		if err != nil {
			return nil, fmt.Errorf("ledger entry date %q: %w", occurredOn, err)
		}
		amount, err := parseDecimal("amount", amountStr)
		if err != nil {
			return nil, err
		}
		month := allocation.MonthOf(day)
		_, isWC := wcAccounts[accountID]

		if month.Before(from) {
			if isWC {
				wcBefore = wcBefore.Add(amount)
			}
			continue
		}

		b := buckets[month]
		if b == nil {
			b = &monthTotals{}
			buckets[month] = b
		}
		if EntryKind(kind) == EntryIncome && amount.IsPositive() {
			b.income = b.income.Add(amount)
		}
		if EntryKind(kind) == EntryExpense && isFixed == 1 && amount.IsNegative() {
			b.fixedCost = b.fixedCost.Add(amount.Neg())
		}
		if isWC {
			b.wcDelta = b.wcDelta.Add(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[allocation.MonthKey]allocation.MonthlyActuals)
	closing := wcBefore
	for _, m := range allocation.MonthsBetween(from, to) {
		a := allocation.MonthlyActuals{
			Month:                m,
			CurrentMonthIncome:   decimal.Zero,
			ActualFixedCost:      decimal.Zero,
			WCPrevClosingBalance: closing,
		}
		if b := buckets[m]; b != nil {
			a.CurrentMonthIncome = b.income
			a.ActualFixedCost = b.fixedCost
			closing = closing.Add(b.wcDelta)
		}
		out[m] = a
	}
	return out, nil
}

// workingCapitalAccounts returns the accounts linked to the active WC fund
// and the sum of their opening balances.
func (s *Store) workingCapitalAccounts(ctx context.Context, id allocation.WorkspaceID) (map[string]struct{}, decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.opening_balance
		FROM fund_accounts fa
		JOIN funds f ON f.id = fa.fund_id
		JOIN accounts a ON a.id = fa.account_id
		WHERE f.workspace_id = ? AND f.is_working_capital = 1 AND f.is_active = 1
	`, string(id))
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer rows.Close()

	accounts := make(map[string]struct{})
	opening := decimal.Zero
	for rows.Next() {
		var accountID, balance string
		if err := rows.Scan(&accountID, &balance); err != nil {
			return nil, decimal.Zero, err
		}
		d, err := parseDecimal("opening_balance", balance)
		if err != nil {
			return nil, decimal.Zero, err
		}
		accounts[accountID] = struct{}{}
		opening = opening.Add(d)
	}
	return accounts, opening, rows.Err()
}

// =============================================================================
// FUNDS (allocation.FundRegistry)
// =============================================================================

// SaveFund creates or updates a fund and replaces its linked accounts.
func (s *Store) SaveFund(ctx context.Context, f allocation.Fund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO funds (id, workspace_id, name, emoji, is_working_capital, is_self_funding,
			self_funding_percentage, default_percentage, sort_order, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			emoji = excluded.emoji,
			is_working_capital = excluded.is_working_capital,
			is_self_funding = excluded.is_self_funding,
			self_funding_percentage = excluded.self_funding_percentage,
			default_percentage = excluded.default_percentage,
			sort_order = excluded.sort_order,
			is_active = 1
	`
	if _, err := tx.ExecContext(ctx, query,
		string(f.ID), string(f.WorkspaceID), f.Name, nullString(f.Emoji),
		boolInt(f.IsWorkingCapital), boolInt(f.IsSelfFunding),
		f.SelfFundingPercentage.String(), f.DefaultPercentage.String(),
		f.SortOrder, s.timestamp(),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM fund_accounts WHERE fund_id = ?", string(f.ID)); err != nil {
		return err
	}
	for _, accountID := range f.LinkedAccounts {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO fund_accounts (fund_id, account_id) VALUES (?, ?)",
			string(f.ID), accountID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeactivateFund hides a fund from the registry. Its overrides stay.
// An unknown or already inactive fund is a NotFoundError.
func (s *Store) DeactivateFund(ctx context.Context, workspaceID allocation.WorkspaceID, id allocation.FundID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE funds SET is_active = 0 WHERE id = ? AND workspace_id = ? AND is_active = 1",
		string(id), string(workspaceID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &allocation.NotFoundError{Kind: "fund", ID: string(id)}
	}
	return nil
}

// ListFunds returns active funds ordered by sort order then creation.
func (s *Store) ListFunds(ctx context.Context, id allocation.WorkspaceID) ([]allocation.Fund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.workspaceExists(ctx, id); err != nil {
		return nil, err
	}

	funds, err := s.queryFunds(ctx, id)
	if err != nil {
		return nil, err
	}

	links, err := s.fundAccounts(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range funds {
		funds[i].LinkedAccounts = links[funds[i].ID]
	}
	return funds, nil
}

func (s *Store) queryFunds(ctx context.Context, id allocation.WorkspaceID) ([]allocation.Fund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, emoji, is_working_capital, is_self_funding,
		       self_funding_percentage, default_percentage, sort_order
		FROM funds
		WHERE workspace_id = ? AND is_active = 1
		ORDER BY sort_order, created_at, id
	`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []allocation.Fund
	for rows.Next() {
		var (
			f                 allocation.Fund
			fundID, wsID      string
			emoji             sql.NullString
			isWC, isSF        int
			sfPct, defaultPct string
		)
		if err := rows.Scan(&fundID, &wsID, &f.Name, &emoji, &isWC, &isSF, &sfPct, &defaultPct, &f.SortOrder); err != nil {
			return nil, err
		}
		f.ID = allocation.FundID(fundID)
		f.WorkspaceID = allocation.WorkspaceID(wsID)
		f.Emoji = emoji.String
		f.IsWorkingCapital = isWC == 1
		f.IsSelfFunding = isSF == 1
		if f.SelfFundingPercentage, err = parseDecimal("self_funding_percentage", sfPct); err != nil {
			return nil, err
		}
		if f.DefaultPercentage, err = parseDecimal("default_percentage", defaultPct); err != nil {
			return nil, err
		}
		funds = append(funds, f)
	}
	return funds, rows.Err()
}

func (s *Store) fundAccounts(ctx context.Context, id allocation.WorkspaceID) (map[allocation.FundID][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fa.fund_id, fa.account_id
		FROM fund_accounts fa
		JOIN funds f ON f.id = fa.fund_id
		WHERE f.workspace_id = ?
		ORDER BY fa.account_id
	`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := make(map[allocation.FundID][]string)
	for rows.Next() {
		var fundID, accountID string
		if err := rows.Scan(&fundID, &accountID); err != nil {
			return nil, err
		}
		links[allocation.FundID(fundID)] = append(links[allocation.FundID(fundID)], accountID)
	}
	return links, rows.Err()
}

// =============================================================================
// OVERRIDES (allocation.OverrideStore)
// =============================================================================

const overrideColumns = `id, workspace_id, fund_id, year, month,
	allocation_percentage, override_amount, mode, created_at, updated_at`

// UpsertOverride replaces every value column of the row for o's key.
// id and created_at of an existing row are kept.
func (s *Store) UpsertOverride(ctx context.Context, o allocation.Override) (allocation.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	query := `
		INSERT INTO allocation_overrides (` + overrideColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, fund_id, year, month) DO UPDATE SET
			allocation_percentage = excluded.allocation_percentage,
			override_amount = excluded.override_amount,
			mode = excluded.mode,
			updated_at = excluded.updated_at
	`
	var mode sql.NullString
	if o.Mode != nil {
		mode = nullString(string(*o.Mode))
	}
	if _, err := s.db.ExecContext(ctx, query,
		o.ID, string(o.WorkspaceID), string(o.FundID), o.Month.Year, int(o.Month.Month),
		decimalString(o.AllocationPercentage), decimalString(o.OverrideAmount), mode,
		now, now,
	); err != nil {
		return allocation.Override{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+overrideColumns+" FROM allocation_overrides WHERE workspace_id = ? AND fund_id = ? AND year = ? AND month = ?",
		string(o.WorkspaceID), string(o.FundID), o.Month.Year, int(o.Month.Month))
	if err != nil {
		return allocation.Override{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return allocation.Override{}, err
		}
		return allocation.Override{}, fmt.Errorf("override %s/%s vanished after upsert", o.FundID, o.Month)
	}
	return scanOverride(rows)
}

// DeleteOverride removes the row if present.
func (s *Store) DeleteOverride(ctx context.Context, id allocation.WorkspaceID, fundID allocation.FundID, month allocation.MonthKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM allocation_overrides WHERE workspace_id = ? AND fund_id = ? AND year = ? AND month = ?",
		string(id), string(fundID), month.Year, int(month.Month))
	return err
}

// ListOverrides returns rows in [from, to] ordered by month then fund.
func (s *Store) ListOverrides(ctx context.Context, id allocation.WorkspaceID, from, to allocation.MonthKey) ([]allocation.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + overrideColumns + `
		FROM allocation_overrides
		WHERE workspace_id = ?
		  AND (year * 12 + month) BETWEEN ? AND ?
		ORDER BY year, month, fund_id
	`
	rows, err := s.db.QueryContext(ctx, query, string(id), monthOrdinal(from), monthOrdinal(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []allocation.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOverride(rows *sql.Rows) (allocation.Override, error) {
	var (
		o                    allocation.Override
		wsID, fundID         string
		year, month          int
		pct, amount, mode    sql.NullString
		createdAt, updatedAt string
	)
	if err := rows.Scan(&o.ID, &wsID, &fundID, &year, &month, &pct, &amount, &mode, &createdAt, &updatedAt); err != nil {
		return allocation.Override{}, err
	}

	o.WorkspaceID = allocation.WorkspaceID(wsID)
	o.FundID = allocation.FundID(fundID)
	o.Month = allocation.MonthKey{Year: year, Month: time.Month(month)}

	var err error
	if o.AllocationPercentage, err = parseNullDecimal("allocation_percentage", pct); err != nil {
		return allocation.Override{}, err
	}
	if o.OverrideAmount, err = parseNullDecimal("override_amount", amount); err != nil {
		return allocation.Override{}, err
	}
	if mode.Valid {
		k := allocation.ModeKind(mode.String)
		o.Mode = &k
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return o, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"allocation_overrides", "ledger_entries", "fund_accounts",
		"funds", "accounts", "budget_scenarios", "workspaces",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

const dateLayout = "2006-01-02"

func monthOrdinal(k allocation.MonthKey) int {
	return k.Year*12 + int(k.Month)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func decimalString(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseDecimal(column, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("column %s: %w", column, err)
	}
	return d, nil
}

func parseNullDecimal(column string, value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid {
		return nil, nil
	}
	d, err := parseDecimal(column, value.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
