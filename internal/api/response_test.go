package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/configpilot/configpilot/internal/models"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()
	RespondJSON(w, http.StatusAccepted, QueueResponse{TicketID: "T-1", State: models.TicketQueued})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ticketId":"T-1","state":"queued"}`, w.Body.String())
}

func TestRespondJSON_NilData(t *testing.T) {
	w := httptest.NewRecorder()
	RespondJSON(w, http.StatusOK, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, w.Body.Len())
}

func TestRespondErrorWithCode(t *testing.T) {
	w := httptest.NewRecorder()
	RespondErrorWithCode(w, http.StatusNotFound, "patterns_not_found", "no pattern analysis for ticket T-1")

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "patterns_not_found", resp.Code)
	assert.Equal(t, "no pattern analysis for ticket T-1", resp.Error)

	w = httptest.NewRecorder()
	RespondError(w, http.StatusBadRequest, "invalid ticket id")
	resp = decodeError(t, w)
	assert.Equal(t, "invalid ticket id", resp.Error)
	assert.Empty(t, resp.Code)
}

func TestRespondValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	RespondValidationError(w, map[string]string{
		"status":       "must be one of: APPROVED REJECTED MODIFIED",
		"modifiedData": "is required",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "validation_error", resp.Code)
	assert.Equal(t, "is required", resp.Details["modifiedData"])
	assert.Len(t, resp.Details, 2)
}

func TestRespondNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	RespondNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, w.Body.Len())
}

func TestErrorMapper(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	mapper := NewErrorMapper(zap.New(core),
		ErrorMapping{Err: models.ErrRecommendationNotFound, Status: http.StatusNotFound, Code: "recommendation_not_found"},
		ErrorMapping{Err: models.ErrMetadataUnavailable, Status: http.StatusBadGateway, Code: "metadata_unavailable"},
	)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"wrapped sentinel", fmt.Errorf("%w: naming-x on T-1", models.ErrRecommendationNotFound), http.StatusNotFound, "recommendation_not_found"},
		{"second mapping", fmt.Errorf("describe org-1: %w", models.ErrMetadataUnavailable), http.StatusBadGateway, "metadata_unavailable"},
		{"unmapped", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mapper.Respond(w, tt.err)
			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantCode, resp.Code)
			if tt.wantStatus == http.StatusInternalServerError {
				assert.NotContains(t, resp.Error, "disk")
			}
		})
	}
	assert.Equal(t, 1, logs.FilterMessage("unhandled service error").Len())
}
