package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configpilot/configpilot/internal/testhelpers"
)

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	var body map[string]string
	f.do(t, http.MethodGet, "/health", nil).AssertStatus(http.StatusOK).DecodeJSON(&body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])

	f.do(t, http.MethodPost, "/health", nil).AssertStatus(http.StatusMethodNotAllowed)

	mux := http.NewServeMux()
	NewHTTPHandler(nil, nil).SetupRoutes(mux)
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/health", nil).Execute(mux).
		AssertStatus(http.StatusOK).
		AssertBodyContains(`"database":"not configured"`)
}

func TestHealth_DatabaseUnreachable(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	mux := http.NewServeMux()
	NewHTTPHandler(db, nil).SetupRoutes(mux)

	var body map[string]string
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/health", nil).Execute(mux).
		AssertStatus(http.StatusServiceUnavailable).
		DecodeJSON(&body)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unreachable", body["database"])
}
