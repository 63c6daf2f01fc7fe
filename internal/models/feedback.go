package models

import (
	"fmt"
	"time"
)

// FeedbackStatus is the human response to a recommendation.
type FeedbackStatus string

const (
	FeedbackApproved FeedbackStatus = "APPROVED"
	FeedbackRejected FeedbackStatus = "REJECTED"
	FeedbackModified FeedbackStatus = "MODIFIED"
)

func (s FeedbackStatus) Valid() bool {
	switch s {
	case FeedbackApproved, FeedbackRejected, FeedbackModified:
		return true
	}
	return false
}

// Feedback is what a reviewer submits for one recommendation.
type Feedback struct {
	Status       FeedbackStatus         `json:"status"`
	Reason       string                 `json:"reason,omitempty"`
	ModifiedData map[string]interface{} `json:"modifiedData,omitempty"`
}

// Validate checks the status and that modifications carry data.
func (f Feedback) Validate() error {
	if !f.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidFeedback, f.Status)
	}
	if f.Status == FeedbackModified && len(f.ModifiedData) == 0 {
		return fmt.Errorf("%w: MODIFIED feedback requires modifiedData", ErrInvalidFeedback)
	}
	return nil
}

// FeedbackRecord is one append-only feedback action (an "approval item" in storage).
type FeedbackRecord struct {
	ID           string                 `json:"id"`
	TicketID     string                 `json:"ticketId"`
	ItemID       string                 `json:"itemId"`
	ItemType     RecommendationType     `json:"itemType"`
	Status       FeedbackStatus         `json:"status"`
	Reason       string                 `json:"reason,omitempty"`
	Original     string                 `json:"original,omitempty"`
	ModifiedData map[string]interface{} `json:"modifiedData,omitempty"`
	Confidence   float64                `json:"confidence"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// Modification describes one accepted edit of a recommendation.
type Modification struct {
	Original string `json:"original"`
	Modified string `json:"modified"`
	Reason   string `json:"reason,omitempty"`
}

// LearningData is derived per recommendation type from feedback history. It is a
// cache and can always be recomputed.
type LearningData struct {
	PatternID      RecommendationType `json:"patternId"`
	FeedbackCount  int                `json:"feedbackCount"`
	AcceptanceRate float64            `json:"acceptanceRate"`
	Modifications  []Modification     `json:"modifications"`
}

// Trend labels the direction of acceptance over time.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// TrendAnalysis compares acceptance between the older and newer halves of recent feedback.
type TrendAnalysis struct {
	RecommendationType RecommendationType `json:"recommendationType"`
	SampleSize         int                `json:"sampleSize"`
	FirstHalfRate      float64            `json:"firstHalfRate"`
	SecondHalfRate     float64            `json:"secondHalfRate"`
	Delta              float64            `json:"delta"`
	Trend              Trend              `json:"trend"`
	SignificantChange  bool               `json:"significantChange"`
}
