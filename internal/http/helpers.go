package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"kasku/internal/auth"
	"kasku/internal/core"
	applog "kasku/internal/log"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorResponse struct {
	Error  string   `json:"error"`
	Issues []string `json:"issues,omitempty"`
}

// okResponse acknowledges deletes, which succeed whether or not the target
// still existed.
type okResponse struct {
	OK bool `json:"ok"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string, issues ...string) {
	respondJSON(w, status, errorResponse{Error: msg, Issues: issues})
}

// decodeJSON parses and validates a request body. Validation failures come
// back as one issue string per offending field.
func decodeJSON(r *http.Request, dst any) (int, []string, error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return http.StatusBadRequest, nil, fmt.Errorf("invalid request body: %w", err)
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			issues := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %s validation", fe.Field(), fe.Tag()))
			}
			return http.StatusBadRequest, issues, errors.New("validation failed")
		}
		return http.StatusBadRequest, nil, err
	}

	return 0, nil, nil
}

// periodQuery reads an optional ?ym= query parameter.
func periodQuery(r *http.Request) (core.Period, error) {
	raw := r.URL.Query().Get("ym")
	if raw == "" {
		return "", nil
	}
	return core.ParsePeriod(raw)
}

func tenant(r *http.Request) string {
	return auth.TenantFromContext(r.Context())
}

// respondServiceError maps domain errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, core.ErrTerminalStatus):
		respondError(w, http.StatusConflict, "bill is not unpaid")
	case errors.Is(err, core.ErrInvalidPeriod),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidType),
		errors.Is(err, core.ErrEmptyName),
		errors.Is(err, core.ErrNameTooLong),
		errors.Is(err, core.ErrNoteTooLong),
		errors.Is(err, core.ErrZeroDate):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path,
			applog.FieldError, err.Error())
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
