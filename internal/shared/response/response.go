// Package response writes the uniform JSON envelope every endpoint returns.
package response

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/carepoint/hospital/internal/shared/errors"
)

// TimestampLayout is the envelope timestamp format.
const TimestampLayout = "2006-01-02 15:04:05"

// Envelope is the body of every API response.
type Envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination computes the page count for total rows.
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = int(math.Ceil(float64(total) / float64(limit)))
	}
	return Pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

var now = time.Now

// JSON writes an envelope with the given status.
func JSON(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{
		Success:   success,
		Message:   message,
		Data:      data,
		Timestamp: now().Format(TimestampLayout),
	})
}

// OK writes a 200 success envelope.
func OK(w http.ResponseWriter, message string, data any) {
	if message == "" {
		message = "Success"
	}
	JSON(w, http.StatusOK, true, message, data)
}

// Created writes a 201 success envelope.
func Created(w http.ResponseWriter, message string, data any) {
	JSON(w, http.StatusCreated, true, message, data)
}

// Error renders err as a failure envelope. AppErrors keep their status and
// message; anything else is logged and reported as a generic 500.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		appErr = errors.Internal(err)
	}

	if appErr.HTTPStatus >= http.StatusInternalServerError && r != nil {
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}

	var data any
	if len(appErr.Details) > 0 && appErr.HTTPStatus < http.StatusInternalServerError {
		data = map[string]any{"code": appErr.Code, "details": appErr.Details}
	}

	JSON(w, appErr.HTTPStatus, false, appErr.Message, data)
}
