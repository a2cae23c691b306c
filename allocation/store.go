/*
store.go - Collaborator interfaces for the allocation engine

PURPOSE:
  Defines the boundary between the reconciliation rules and everything the
  engine reads from or writes to. Implementations live outside this package:

  - allocation/store/memory.go: In-memory, for tests and demos
  - store/sqlite/sqlite.go:     SQLite with embedded migrations

KEY INTERFACES:
  FundRegistry:    Fund metadata per workspace (read-only)
  WorkspaceReader: Workspace settings and active budget benchmark (read-only)
  LedgerReader:    Realized monthly figures (read-only)
  OverrideStore:   Manual overrides, one row per (fund, month)
  Invalidator:     Cache coherence hook called after every override mutation

OVERRIDE STORE CONTRACT:
  - Upsert replaces the entire row for (workspace, fund, month). No merge.
  - Delete is idempotent: deleting a missing row is not an error.
  - No optimistic concurrency: two writers on the same key, last write wins.
  - Lock and range rules are enforced by OverrideService, not by stores.

ERRORS:
  Implementations return *NotFoundError for an unknown workspace. Any other
  error is treated as an upstream failure by the engine.

SEE ALSO:
  - engine.go: Consumes the readers
  - overrides.go: Drives OverrideStore and Invalidator
*/
package allocation

import "context"

// =============================================================================
// READ-ONLY COLLABORATORS
// =============================================================================

// FundRegistry holds fund metadata.
type FundRegistry interface {
	// ListFunds returns the workspace's active funds in display order.
	ListFunds(ctx context.Context, workspaceID WorkspaceID) ([]Fund, error)
}

// WorkspaceReader returns workspace-level configuration.
type WorkspaceReader interface {
	Workspace(ctx context.Context, workspaceID WorkspaceID) (Workspace, error)
}

// LedgerReader provides realized monthly figures.
type LedgerReader interface {
	// MonthlyActuals returns figures for every month in [from, to].
	// Months without data may be omitted; the engine treats them as zero.
	MonthlyActuals(ctx context.Context, workspaceID WorkspaceID, from, to MonthKey) (map[MonthKey]MonthlyActuals, error)
}

// =============================================================================
// OVERRIDE STORE - At most one row per (workspace, fund, month)
// =============================================================================

type OverrideStore interface {
	// UpsertOverride creates or fully replaces the row for o's key.
	// Returns the stored row (ID and timestamps filled in).
	UpsertOverride(ctx context.Context, o Override) (Override, error)

	// DeleteOverride removes the row if present. Missing rows are a no-op.
	DeleteOverride(ctx context.Context, workspaceID WorkspaceID, fundID FundID, month MonthKey) error

	// ListOverrides returns rows with month in [from, to], ordered by month then fund.
	ListOverrides(ctx context.Context, workspaceID WorkspaceID, from, to MonthKey) ([]Override, error)
}

// =============================================================================
// CACHE COHERENCE HOOK
// =============================================================================

// Invalidator marks stale every cached view depending on allocation data.
// Invalidate must complete before a dependent read is considered fresh.
type Invalidator interface {
	Invalidate(ctx context.Context, workspaceID WorkspaceID, month MonthKey) error
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context, workspaceID WorkspaceID, month MonthKey) error

func (f InvalidatorFunc) Invalidate(ctx context.Context, workspaceID WorkspaceID, month MonthKey) error {
	return f(ctx, workspaceID, month)
}

// Invalidators fans out to several invalidators in order, stopping at the first error.
type Invalidators []Invalidator

func (is Invalidators) Invalidate(ctx context.Context, workspaceID WorkspaceID, month MonthKey) error {
	for _, inv := range is {
		if inv == nil {
			continue
		}
		if err := inv.Invalidate(ctx, workspaceID, month); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// COMPOSITE
// =============================================================================

// Source bundles every read collaborator. Stores that implement all of them
// (memory, sqlite) can be passed as a single value.
type Source interface {
	FundRegistry
	WorkspaceReader
	LedgerReader
	OverrideStore
}
