/*
overrides.go - Manual override mutations

PURPOSE:
  The only write path of the allocation engine. Validates an override,
  persists it through the OverrideStore, then synchronously invalidates
  every cached view that depends on allocation data.

RULES (checked in this order):
  1. Month must be 1..12                               -> ValidationError
  2. Fund must exist in the workspace                  -> NotFoundError
  3. Month must not be locked (before current month)   -> LockedPeriodError
  4. Field rules:
     - Non-WC fund: allocation_percentage required, in [0, 100];
       override_amount and mode not allowed
     - WC fund: allocation_percentage not allowed; override_amount >= 0;
       mode is MODEL or OPTIMIZE
  Any rejection leaves stored state unchanged.

UPSERT vs DELETE:
  Upsert replaces the whole row for (fund, month). The caller sends the full
  desired state; nothing is merged with the previous row.
  Delete is idempotent so "reset to default" can be called unconditionally.

THE 100% INVARIANT:
  Not enforced here. One edit at a time cannot know the final state, so an
  override that pushes the total to 90% or 110% is accepted and the row
  reports AllocationBalanced=false on the next read.

CONCURRENCY:
  No optimistic locking. Two operators editing the same cell at the same
  time: the later persisted write silently wins.

ORDERING:
  write -> Invalidate -> return. A caller that re-reads after Upsert/Delete
  returns is guaranteed not to hit a cached view computed before the write.

SEE ALSO:
  - store.go: OverrideStore and Invalidator contracts
  - cache/views.go: The process-scoped Invalidator
  - events/client.go: Cross-process fan-out of invalidations
*/
package allocation

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// OVERRIDE SERVICE
// =============================================================================

type OverrideService struct {
	Store       OverrideStore
	Funds       FundRegistry
	Invalidator Invalidator // may be nil

	Clock  Clock
	Logger *zap.Logger
}

// NewOverrideService creates a service over src with no invalidator.
func NewOverrideService(src Source, inv Invalidator) *OverrideService {
	return &OverrideService{
		Store:       src,
		Funds:       src,
		Invalidator: inv,
		Clock:       SystemClock,
		Logger:      zap.NewNop(),
	}
}

func (s *OverrideService) now() Clock {
	if s.Clock == nil {
		return SystemClock
	}
	return s.Clock
}

func (s *OverrideService) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// ListFunds returns the workspace's funds for override pickers. Registry
// failures are reported as UpstreamError.
func (s *OverrideService) ListFunds(ctx context.Context, workspaceID WorkspaceID) ([]Fund, error) {
	funds, err := s.Funds.ListFunds(ctx, workspaceID)
	if err != nil {
		return nil, upstream("fund_registry", err)
	}
	return funds, nil
}

// Upsert creates or replaces the override for (fundID, month).
func (s *OverrideService) Upsert(ctx context.Context, workspaceID WorkspaceID, fundID FundID, month MonthKey, fields OverrideFields) (Override, error) {
	fund, err := s.checkTarget(ctx, workspaceID, fundID, month)
	if err != nil {
		return Override{}, err
	}
	if err := ValidateFields(fund, fields); err != nil {
		return Override{}, err
	}

	stored, err := s.Store.UpsertOverride(ctx, Override{
		ID:             uuid.NewString(),
		WorkspaceID:    workspaceID,
		FundID:         fundID,
		Month:          month,
		OverrideFields: fields,
	})
	if err != nil {
		return Override{}, upstream("override_store", err)
	}

	if err := s.invalidate(ctx, workspaceID, month); err != nil {
		return stored, err
	}

	s.log().Info("override upserted",
		zap.String("workspace", string(workspaceID)),
		zap.String("fund", string(fundID)),
		zap.Stringer("month", month),
		zap.String("mode", string(ResolveMode(&stored).Kind)))
	return stored, nil
}

// Delete removes the override for (fundID, month). Deleting a missing
// override is a no-op; the invalidation still runs.
func (s *OverrideService) Delete(ctx context.Context, workspaceID WorkspaceID, fundID FundID, month MonthKey) error {
	if _, err := s.checkTarget(ctx, workspaceID, fundID, month); err != nil {
		return err
	}

	if err := s.Store.DeleteOverride(ctx, workspaceID, fundID, month); err != nil {
		return upstream("override_store", err)
	}

	if err := s.invalidate(ctx, workspaceID, month); err != nil {
		return err
	}

	s.log().Info("override deleted",
		zap.String("workspace", string(workspaceID)),
		zap.String("fund", string(fundID)),
		zap.Stringer("month", month))
	return nil
}

// List returns stored overrides in [from, to].
func (s *OverrideService) List(ctx context.Context, workspaceID WorkspaceID, from, to MonthKey) ([]Override, error) {
	if from.After(to) {
		return nil, NewValidationError("range", from.String()+".."+to.String(), "from is after to")
	}
	overrides, err := s.Store.ListOverrides(ctx, workspaceID, from, to)
	if err != nil {
		return nil, upstream("override_store", err)
	}
	return overrides, nil
}

// checkTarget rejects bad months, unknown funds and locked months, in that order.
func (s *OverrideService) checkTarget(ctx context.Context, workspaceID WorkspaceID, fundID FundID, month MonthKey) (Fund, error) {
	if month.Month < 1 || month.Month > 12 {
		return Fund{}, NewValidationError("month", strconv.Itoa(int(month.Month)), "must be between 1 and 12")
	}

	funds, err := s.Funds.ListFunds(ctx, workspaceID)
	if err != nil {
		return Fund{}, upstream("fund_registry", err)
	}
	var fund *Fund
	for i := range funds {
		if funds[i].ID == fundID {
			fund = &funds[i]
			break
		}
	}
	if fund == nil {
		return Fund{}, &NotFoundError{Kind: "fund", ID: string(fundID)}
	}

	now := s.now()()
	if month.Locked(now) {
		return Fund{}, &LockedPeriodError{Month: month, Current: MonthOf(now)}
	}
	return *fund, nil
}

func (s *OverrideService) invalidate(ctx context.Context, workspaceID WorkspaceID, month MonthKey) error {
	if s.Invalidator == nil {
		return nil
	}
	if err := s.Invalidator.Invalidate(ctx, workspaceID, month); err != nil {
		s.log().Error("cache invalidation failed",
			zap.String("workspace", string(workspaceID)),
			zap.Stringer("month", month),
			zap.Error(err))
		return upstream("cache", err)
	}
	return nil
}

// =============================================================================
// FIELD VALIDATION
// =============================================================================

// ValidateFields applies rule 4 for the given fund.
func ValidateFields(fund Fund, f OverrideFields) error {
	if fund.IsWorkingCapital {
		if f.AllocationPercentage != nil {
			return NewValidationError("allocation_percentage", f.AllocationPercentage.String(),
				"the working-capital fund is amount-based; use override_amount or mode")
		}
		if f.OverrideAmount != nil && f.OverrideAmount.IsNegative() {
			return NewValidationError("override_amount", f.OverrideAmount.String(), "must not be negative")
		}
		if f.Mode != nil && *f.Mode != ModeModel && *f.Mode != ModeOptimize {
			return NewValidationError("mode", string(*f.Mode), "must be MODEL or OPTIMIZE")
		}
		return nil
	}

	if f.OverrideAmount != nil {
		return NewValidationError("override_amount", f.OverrideAmount.String(),
			"only the working-capital fund accepts an amount")
	}
	if f.Mode != nil {
		return NewValidationError("mode", string(*f.Mode), "only the working-capital fund has a mode")
	}
	if f.AllocationPercentage == nil {
		return NewValidationError("allocation_percentage", "", "required for percentage-based funds")
	}
	return ValidatePercentage("allocation_percentage", *f.AllocationPercentage)
}

// ValidatePercentage rejects values outside [0, 100]. Never clamps.
func ValidatePercentage(field string, pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return NewValidationError(field, pct.String(), "must be between 0 and 100")
	}
	return nil
}
