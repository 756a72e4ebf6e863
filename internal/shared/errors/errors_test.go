package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestConstructorsCarryStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		status int
		code   string
	}{
		{"not found", NotFound("Appointment", "x"), http.StatusNotFound, "NOT_FOUND"},
		{"not found message", NotFoundMessage("Invalid action"), http.StatusNotFound, "NOT_FOUND"},
		{"unauthorized", Unauthorized("Invalid credentials"), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"forbidden", Forbidden("Insufficient permissions"), http.StatusForbidden, "FORBIDDEN"},
		{"bad request", BadRequest("Invalid request body"), http.StatusBadRequest, "BAD_REQUEST"},
		{"validation", Validation("Time slot is already booked", nil), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"conflict", Conflict("duplicate"), http.StatusConflict, "CONFLICT"},
		{"method", MethodNotAllowed(), http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{"internal", Internal(fmt.Errorf("boom")), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.Equal(t, tt.code, tt.err.Code)
		})
	}
}

func TestNotFoundMessage(t *testing.T) {
	err := NotFound("Prescription", "")
	assert.Equal(t, "Prescription not found", err.Message)
	assert.NotContains(t, err.Details, "id")
}

func TestWrapKeepsAppError(t *testing.T) {
	original := Validation("Patient not found", nil)
	wrapped := Wrap(fmt.Errorf("context: %w", original), "failed to create prescription")

	assert.Same(t, original, wrapped)
	assert.Equal(t, http.StatusBadRequest, wrapped.HTTPStatus)
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(fmt.Errorf("connection refused"), "failed to list users")

	assert.Equal(t, http.StatusInternalServerError, wrapped.HTTPStatus)
	assert.Equal(t, "failed to list users", wrapped.Message)
	assert.ErrorContains(t, wrapped, "connection refused")
}

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "appointments_active_slot_key"}
	wrapped := fmt.Errorf("insert: %w", pgErr)

	assert.True(t, IsUniqueViolation(wrapped))
	assert.True(t, IsUniqueViolation(wrapped, "appointments_active_slot_key"))
	assert.False(t, IsUniqueViolation(wrapped, "users_email_key"))
	assert.False(t, IsUniqueViolation(fmt.Errorf("other")))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
}

func TestIsForeignKeyViolation(t *testing.T) {
	assert.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsForeignKeyViolation(&pgconn.PgError{Code: "23505"}))
}
