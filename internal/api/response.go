package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RespondJSON writes data as a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			zap.L().Warn("encode JSON response", zap.Error(err))
		}
	}
}

// RespondError writes a standard error response.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// RespondErrorWithCode writes an error response with a machine-readable code.
func RespondErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// RespondValidationError writes field-level validation errors as a 422 response.
func RespondValidationError(w http.ResponseWriter, fieldErrors map[string]string) {
	RespondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:   "Validation failed",
		Code:    "validation_error",
		Details: fieldErrors,
	})
}

// RespondNoContent writes a 204 No Content response with no body.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// ErrorMapping ties a sentinel error to its HTTP status and code.
type ErrorMapping struct {
	Err    error
	Status int
	Code   string
}

// ErrorMapper turns service errors into responses. Unmapped errors become a 500
// with a generic message and are logged.
type ErrorMapper struct {
	mappings []ErrorMapping
	log      *zap.Logger
}

// NewErrorMapper creates a mapper checked in order with errors.Is.
func NewErrorMapper(log *zap.Logger, mappings ...ErrorMapping) *ErrorMapper {
	if log == nil {
		log = zap.NewNop()
	}
	return &ErrorMapper{mappings: mappings, log: log}
}

// Respond writes the response for err.
func (m *ErrorMapper) Respond(w http.ResponseWriter, err error) {
	for _, mapping := range m.mappings {
		if errors.Is(err, mapping.Err) {
			RespondErrorWithCode(w, mapping.Status, mapping.Code, err.Error())
			return
		}
	}
	m.log.Error("unhandled service error", zap.Error(err))
	RespondErrorWithCode(w, http.StatusInternalServerError, "internal_error", "Internal server error")
}
