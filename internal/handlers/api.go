package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/aviary/internal/models"
)

// WriteJSON writes a JSON response with the specified status code
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteTaggedError maps the error taxonomy onto HTTP statuses. Constraint
// violations are the caller's fault; everything else is a server-side 5xx.
func WriteTaggedError(w http.ResponseWriter, err error) error {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.ErrKindConstraintViolation:
		status = http.StatusBadRequest
	case models.ErrKindPermissionDenied:
		status = http.StatusForbidden
	case models.ErrKindRateLimit:
		status = http.StatusTooManyRequests
	}
	return WriteError(w, status, err.Error())
}

// DecodeAndValidate decodes a JSON body into out and runs struct validation.
// A false return means the error response has been written.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, validate *validator.Validate, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := validate.Struct(out); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			WriteError(w, http.StatusInternalServerError, "validation setup error")
			return false
		}
		WriteError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return false
	}
	return true
}

// PagingParams extracts limit/offset query parameters with sane bounds
func PagingParams(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
