/*
handlers.go - HTTP API handlers for the allocation engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates to the cached views and the
  override service.

ENDPOINTS:
  Workspaces:
    GET    /api/workspaces/{ws}/funds                       Fund registry
    DELETE /api/workspaces/{ws}/funds/{fund}                Deactivate a fund
    GET    /api/workspaces/{ws}/allocation?years=N          Last N calendar years
    GET    /api/workspaces/{ws}/allocation?from=..&to=..    Explicit month range
    GET    /api/workspaces/{ws}/fund-tracker?year=YYYY      Year-to-date per fund
    GET    /api/workspaces/{ws}/monthly-dashboard?month=..  One month vs the previous

  Overrides:
    GET    /api/workspaces/{ws}/overrides[?month=|?year=]   Stored overrides
    POST   /api/workspaces/{ws}/overrides                   Create or replace
    DELETE /api/workspaces/{ws}/overrides/{fund}/{y}/{m}    Remove (idempotent)

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario
    POST   /api/scenarios/reset        Clear all data

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input shape (dates, numbers)
  3. Call the view cache or override service
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Domain errors map to HTTP status through writeDomainError:
  - 400: Validation errors, invalid input
  - 404: Unknown workspace or fund
  - 409: Mutation of a locked month
  - 503: Store or cache unavailable (retryable)
  - 500: Anything else

SECURITY NOTE:
  No authentication or authorization. Deploy behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/cache"
	"github.com/warp/allocation-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Views     *cache.Views
	Overrides *allocation.OverrideService
	Clock     allocation.Clock
	Logger    *zap.Logger

	// Currency for workspaces created by demo scenarios.
	DefaultCurrency string

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires a handler. The override service must invalidate views.
func NewHandler(store *sqlite.Store, views *cache.Views, overrides *allocation.OverrideService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:           store,
		Views:           views,
		Overrides:       overrides,
		Clock:           allocation.SystemClock,
		Logger:          logger,
		DefaultCurrency: "EUR",
	}
}

func (h *Handler) now() time.Time {
	if h.Clock == nil {
		return allocation.SystemClock()
	}
	return h.Clock()
}

// Healthz reports whether the database answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// WORKSPACE VIEWS
// =============================================================================

// ListFunds returns the workspace's active funds in display order.
func (h *Handler) ListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := h.Overrides.ListFunds(r.Context(), workspaceParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundDTOs(funds))
}

// DeactivateFund removes a fund from the registry and drops the workspace's
// cached views, on this instance and its peers.
func (h *Handler) DeactivateFund(w http.ResponseWriter, r *http.Request) {
	ws := workspaceParam(r)
	fundID := allocation.FundID(chi.URLParam(r, "fundID"))

	if err := h.Store.DeactivateFund(r.Context(), ws, fundID); err != nil {
		if !allocation.IsNotFound(err) {
			err = &allocation.UpstreamError{Source: "fund_registry", Err: err}
		}
		h.writeDomainError(w, r, err)
		return
	}

	var inv allocation.Invalidator = h.Views
	if h.Overrides != nil && h.Overrides.Invalidator != nil {
		inv = h.Overrides.Invalidator
	}
	if err := inv.Invalidate(r.Context(), ws, allocation.MonthOf(h.now())); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.Logger.Info("fund deactivated",
		zap.String("workspace", string(ws)),
		zap.String("fund", string(fundID)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// GetAllocation returns the allocation table. Without parameters it covers
// the current calendar year.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	ws := workspaceParam(r)
	q := r.URL.Query()

	var (
		table *allocation.AllocationTable
		err   error
	)
	switch {
	case q.Get("from") != "" || q.Get("to") != "":
		from, perr := allocation.ParseMonthKey(q.Get("from"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid from month", perr)
			return
		}
		to, perr := allocation.ParseMonthKey(q.Get("to"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid to month", perr)
			return
		}
		table, err = h.Views.AllocationTable(r.Context(), ws, from, to)
	default:
		years := 1
		if v := q.Get("years"); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "Invalid years", perr)
				return
			}
			years = n
		}
		table, err = h.Views.TableForYears(r.Context(), ws, years)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTableDTO(table))
}

// GetFundTracker returns per-fund totals for a year (default: current year).
func (h *Handler) GetFundTracker(w http.ResponseWriter, r *http.Request) {
	year := h.now().Year()
	if v := r.URL.Query().Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		year = n
	}

	tracker, err := h.Views.FundTracker(r.Context(), workspaceParam(r), year)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundTrackerDTO(tracker))
}

// GetMonthlyDashboard returns one month (default: current month).
func (h *Handler) GetMonthlyDashboard(w http.ResponseWriter, r *http.Request) {
	month := allocation.MonthOf(h.now())
	if v := r.URL.Query().Get("month"); v != "" {
		m, err := allocation.ParseMonthKey(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month", err)
			return
		}
		month = m
	}

	dashboard, err := h.Views.MonthlyDashboard(r.Context(), workspaceParam(r), month)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDashboardDTO(dashboard))
}

// =============================================================================
// OVERRIDES
// =============================================================================

var (
	firstMonth = allocation.MonthKey{Year: 1, Month: time.January}
	lastMonth  = allocation.MonthKey{Year: 9999, Month: time.December}
)

// ListOverrides filters by ?month=YYYY-MM or ?year=YYYY, or returns all.
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := firstMonth, lastMonth

	if v := q.Get("month"); v != "" {
		m, err := allocation.ParseMonthKey(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month", err)
			return
		}
		from, to = m, m
	} else if v := q.Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		from = allocation.MonthKey{Year: year, Month: time.January}
		to = allocation.MonthKey{Year: year, Month: time.December}
	}

	overrides, err := h.Overrides.List(r.Context(), workspaceParam(r), from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTOs(overrides))
}

// UpsertOverride creates or fully replaces the override for (fund, month).
func (h *Handler) UpsertOverride(w http.ResponseWriter, r *http.Request) {
	var req UpsertOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.FundID == "" {
		writeError(w, http.StatusBadRequest, "fund_id is required", nil)
		return
	}

	fields := allocation.OverrideFields{
		AllocationPercentage: req.AllocationPercentage,
		OverrideAmount:       req.OverrideAmount,
	}
	if req.Mode != nil {
		mode, err := allocation.ParseModeKind(*req.Mode)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		fields.Mode = &mode
	}

	month := allocation.MonthKey{Year: req.Year, Month: time.Month(req.Month)}
	stored, err := h.Overrides.Upsert(r.Context(), workspaceParam(r), allocation.FundID(req.FundID), month, fields)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(stored))
}

// DeleteOverride removes the override for (fund, year, month). Missing rows succeed.
func (h *Handler) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	m, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	month := allocation.MonthKey{Year: year, Month: time.Month(m)}
	fundID := allocation.FundID(chi.URLParam(r, "fundID"))
	if err := h.Overrides.Delete(r.Context(), workspaceParam(r), fundID, month); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ResetDatabase clears all data and every cached view.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	dropped := h.Views.Flush()
	h.Logger.Info("database reset", zap.Int("views_dropped", dropped))

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func workspaceParam(r *http.Request) allocation.WorkspaceID {
	return allocation.WorkspaceID(chi.URLParam(r, "ws"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error's classification.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *allocation.ValidationError
		lockedErr     *allocation.LockedPeriodError
		notFoundErr   *allocation.NotFoundError
	)
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   err.Error(),
			Code:    "validation_failed",
			Details: map[string]string{"field": validationErr.Field, "value": validationErr.Value},
		})
	case errors.As(err, &lockedErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   err.Error(),
			Code:    "period_locked",
			Details: map[string]string{"month": lockedErr.Month.String(), "current": lockedErr.Current.String()},
		})
	case errors.As(err, &notFoundErr):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case allocation.IsRetryable(err):
		h.Logger.Warn("upstream failure",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "upstream_unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", err)
	default:
		h.Logger.Error("unhandled error",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
