package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/configpilot/configpilot/internal/models"
)

func TestDecodeJSON_FeedbackBody(t *testing.T) {
	body := `{"itemId":"naming-invoice","status":"MODIFIED","modifiedData":{"value":"Invoice_Total__c"}}`

	var dst FeedbackRequest
	require.NoError(t, DecodeJSON(newRequest(body), &dst))
	assert.Equal(t, "naming-invoice", dst.ItemID)
	assert.Equal(t, models.FeedbackModified, dst.Status)
	assert.Equal(t, "Invoice_Total__c", dst.ModifiedData["value"])
}

func TestDecodeJSON_ChangeSet(t *testing.T) {
	body := `{"orgId":"org-1","proposedChanges":{"fields":[{"action":"create","object":"Invoice__c","apiName":"Total__c","type":"currency"}]}}`

	var dst RecommendationsRequest
	require.NoError(t, DecodeJSON(newRequest(body), &dst))
	require.NotNil(t, dst.ProposedChanges)
	require.Len(t, dst.ProposedChanges.Fields, 1)
	assert.Equal(t, "Total__c", dst.ProposedChanges.Fields[0].APIName)
}

func TestDecodeJSON_Errors(t *testing.T) {
	huge := `{"ticketId":"` + strings.Repeat("x", MaxBodySize+1) + `"}`
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"empty body", "", "request body is empty"},
		{"malformed", `{"ticketId":}`, "malformed JSON"},
		{"type mismatch", `{"ticketId":42}`, `invalid value for field "ticketId"`},
		{"unknown field", `{"ticketId":"T-1","orgId":"org-1"}`, `unknown field "orgId"`},
		{"oversized", huge, "exceeds maximum size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst AnalyzePatternsRequest
			err := DecodeJSON(newRequest(tt.body), &dst)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodeJSON_NilBody(t *testing.T) {
	r, err := http.NewRequest(http.MethodPost, "/api/orgs/org-1/patterns/analyze", nil)
	require.NoError(t, err)

	var dst AnalyzePatternsRequest
	assert.EqualError(t, DecodeJSON(r, &dst), "request body is empty")
}

func TestDecodeAndValidate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantOK     bool
		wantStatus int
	}{
		{"valid", `{"ticketId":"T-1"}`, true, http.StatusOK},
		{"malformed", `{"ticketId":`, false, http.StatusBadRequest},
		{"missing ticket", `{}`, false, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			var dst AnalyzePatternsRequest
			ok := DecodeAndValidate(w, newRequest(tt.body), &dst)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestParseTimeRange(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/analytics/stats?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z", nil)
	from, to, err := ParseTimeRange(r)
	require.NoError(t, err)
	require.NotNil(t, from)
	require.NotNil(t, to)
	assert.Equal(t, 24*time.Hour, to.Sub(*from))

	from, to, err = ParseTimeRange(httptest.NewRequest(http.MethodGet, "/api/analytics/stats", nil))
	require.NoError(t, err)
	assert.Nil(t, from)
	assert.Nil(t, to)

	for _, query := range []string{"from=yesterday", "from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z"} {
		_, _, err := ParseTimeRange(httptest.NewRequest(http.MethodGet, "/api/analytics/stats?"+query, nil))
		assert.Error(t, err, query)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=0", 20},
		{"limit=-3", 20},
		{"limit=abc", 20},
		{"limit=1000", 100},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/tickets/T-1/history?"+tt.query, nil)
		assert.Equal(t, tt.want, QueryInt(r, "limit", 20, 100), tt.query)
	}
}

func newRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}
