package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_ReportsPhase(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	a := &App{ctx: context.Background(), config: &Config{Mode: ModeBuild}}
	a.setPhase(phaseBuilding)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	// --- Act ---
	a.healthHandler(rec, req)

	// --- Assert ---
	assert.Equal(t, http.StatusOK, rec.Code)
	var got healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, healthStatus{Status: "ok", Mode: ModeBuild, Phase: phaseBuilding}, got)
}

func TestHealthHandler_DefaultsToStarting(t *testing.T) {
	t.Parallel()

	a := &App{ctx: context.Background()}
	rec := httptest.NewRecorder()

	a.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Contains(t, rec.Body.String(), `"phase":"starting"`)
}

func TestStatusMux_ServesMetrics(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	a := &App{ctx: context.Background(), config: &Config{}}
	srv := httptest.NewServer(a.statusMux())
	t.Cleanup(srv.Close)

	// --- Act ---
	resp, err := http.Get(srv.URL + "/metrics")

	// --- Assert ---
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCloseHealthCheckServer_NotRunning(t *testing.T) {
	t.Parallel()

	a := &App{ctx: context.Background()}

	assert.NoError(t, a.closeHealthCheckServer())
}
