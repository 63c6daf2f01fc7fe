package api

import (
	"strings"
	"testing"

	"github.com/configpilot/configpilot/internal/models"
)

func TestValidate_FeedbackRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     FeedbackRequest
		wantErr map[string]string
	}{
		{
			name: "approved",
			req:  FeedbackRequest{ItemID: "naming-a", Status: models.FeedbackApproved},
		},
		{
			name:    "missing item",
			req:     FeedbackRequest{Status: models.FeedbackRejected},
			wantErr: map[string]string{"itemId": "is required"},
		},
		{
			name:    "unknown status",
			req:     FeedbackRequest{ItemID: "naming-a", Status: "MAYBE"},
			wantErr: map[string]string{"status": "must be one of: APPROVED REJECTED MODIFIED"},
		},
		{
			name:    "modified without data",
			req:     FeedbackRequest{ItemID: "naming-a", Status: models.FeedbackModified},
			wantErr: map[string]string{"modifiedData": "is required"},
		},
		{
			name: "modified with data",
			req:  FeedbackRequest{ItemID: "naming-a", Status: models.FeedbackModified, ModifiedData: map[string]interface{}{"value": "x"}},
		},
		{
			name:    "reason too long",
			req:     FeedbackRequest{ItemID: "naming-a", Status: models.FeedbackRejected, Reason: strings.Repeat("a", 2001)},
			wantErr: map[string]string{"reason": "must be at most 2000 characters"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.req)
			if len(errs) != len(tt.wantErr) {
				t.Fatalf("errors = %v, want %v", errs, tt.wantErr)
			}
			for field, msg := range tt.wantErr {
				if errs[field] != msg {
					t.Errorf("%s error = %q, want %q", field, errs[field], msg)
				}
			}
		})
	}
}

func TestValidate_NestedChangePaths(t *testing.T) {
	req := RecommendationsRequest{
		OrgID: "org-1",
		ProposedChanges: &models.ProposedChanges{
			Fields: []models.FieldChange{
				{Action: models.ActionCreate, Object: "Invoice__c", APIName: "Total__c"},
				{Action: "rename", Object: "Invoice__c"},
			},
		},
	}
	errs := Validate(req)
	if errs["proposedChanges.fields[1].action"] != "must be one of: create modify delete" {
		t.Errorf("action error missing: %v", errs)
	}
	if errs["proposedChanges.fields[1].apiName"] != "is required" {
		t.Errorf("apiName error missing: %v", errs)
	}
	if _, ok := errs["proposedChanges.fields[0].action"]; ok {
		t.Errorf("valid entry reported: %v", errs)
	}
}

func TestValidate_TriggerAndSettings(t *testing.T) {
	if errs := Validate(RecommendationsRequest{OrgID: "org-1", TriggerType: "cron"}); errs["triggerType"] == "" {
		t.Errorf("expected triggerType error, got %v", errs)
	}

	zero, tooMany := 0, 65
	errs := Validate(UpdateRecalculationSettingsRequest{IntervalSeconds: &zero, Concurrency: &tooMany})
	if errs["interval_seconds"] != "must be at least 1" {
		t.Errorf("interval_seconds error = %q", errs["interval_seconds"])
	}
	if errs["concurrency"] != "must be at most 64" {
		t.Errorf("concurrency error = %q", errs["concurrency"])
	}
	if errs := Validate(UpdateRecalculationSettingsRequest{}); errs != nil {
		t.Errorf("empty update should be valid, got %v", errs)
	}
}

func TestValidate_ImproveRequestRecommendations(t *testing.T) {
	errs := Validate(ImproveRequest{Recommendations: []models.Recommendation{{ID: "a", Confidence: 1.4}}})
	if errs["recommendations[0].confidence"] != "must be at most 1" {
		t.Errorf("confidence error missing: %v", errs)
	}
	if errs := Validate(ImproveRequest{}); errs["recommendations"] != "is required" {
		t.Errorf("expected required error, got %v", errs)
	}
}
