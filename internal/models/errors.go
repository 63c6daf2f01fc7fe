package models

import "errors"

var (
	// ErrMetadataUnavailable means the metadata collaborator could not answer a describe call.
	ErrMetadataUnavailable = errors.New("org metadata unavailable")

	// ErrRecommendationNotFound means feedback referenced an unknown recommendation id.
	ErrRecommendationNotFound = errors.New("recommendation not found")

	// ErrTicketOrgMismatch means a request named a different org than the one the ticket belongs to.
	ErrTicketOrgMismatch = errors.New("ticket belongs to another org")

	// ErrCollaboratorFailure wraps LLM or metadata errors raised mid-cycle.
	ErrCollaboratorFailure = errors.New("collaborator failure")

	ErrInvalidFeedback   = errors.New("invalid feedback")
	ErrMalformedConflict = errors.New("malformed conflict")
)
