package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/example/ride-hailing/internal/auth"
	"github.com/example/ride-hailing/internal/models"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind string) int {
	switch kind {
	case "ValidationError":
		return http.StatusBadRequest
	case "NotFound":
		return http.StatusNotFound
	case "Unauthorized":
		return http.StatusForbidden
	case "InvalidTransition", "RideUnavailable", "DriverUnavailable", "RideNotRateable", "AlreadyRated":
		return http.StatusConflict
	case "DependencyUnavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrInvalidToken) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: "Unauthenticated", Message: err.Error()}})
		return
	}
	kind := models.Kind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: kind, Message: msg}})
}

func errForbidden(msg string) error {
	return fmt.Errorf("%s: %w", msg, models.ErrUnauthorized)
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return models.Invalid("body", "malformed JSON: %v", err)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, models.Invalid(key, "must be an integer")
	}
	return n, nil
}

func queryFloat(r *http.Request, key string, required bool) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		if required {
			return 0, models.Invalid(key, "required")
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, models.Invalid(key, "must be a number")
	}
	return f, nil
}
