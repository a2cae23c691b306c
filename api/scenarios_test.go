package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListScenarios(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "household", list[0].ID)
}

func TestLoadScenario_NoBudget(t *testing.T) {
	// GIVEN an empty database
	s := newTestServer(t, "")

	// WHEN loading the no-budget scenario
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "no-budget"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN MODEL falls back to zero working capital with a warning
	row := s.month(t, "demo-lean", "2026-03")
	assert.Equal(t, "MODEL", row.WorkingCapitalMode)
	assert.Equal(t, "0.00", row.AllocatedFixedCost)
	assert.Equal(t, "2100.00", row.SavingsRemainder)
	assert.Contains(t, row.Warnings, "MODEL mode selected but no budget scenario is active; working capital set to 0")

	// AND the current scenario is reported
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "no-budget", decode[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_ReplacesPreviousData(t *testing.T) {
	s := newTestServer(t, "household")
	s.month(t, "demo-household", "2026-03") // warm the cache

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "no-budget"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/workspaces/demo-household/allocation?from=2026-03&to=2026-03", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "lottery"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetDatabase(t *testing.T) {
	s := newTestServer(t, "household")

	rec := s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/workspaces/demo-household/funds", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())
}
