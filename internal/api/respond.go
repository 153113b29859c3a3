package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/types"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("api: failed to encode response", "err", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindUpstreamAuth:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err with the request's trace ids and writes the mapped response.
// Client errors carry their reason; server errors carry the full chain.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	status := statusFor(kind)

	log := observe.Logger(r.Context()).With("path", r.URL.Path, "kind", kind.String(), "err", err)
	msg := err.Error()
	if status < http.StatusInternalServerError {
		log.Info("api: request rejected")
		msg = types.MessageOf(err)
	} else {
		log.Error("api: request failed")
	}
	respondError(w, status, msg)
}

// decode reads a JSON body into v. Malformed bodies, including oversized
// ones, are validation errors.
func decode(r *http.Request, op string, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return types.Validation(op, "request body too large")
		}
		return types.Validation(op, "invalid JSON body: "+err.Error())
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key, op string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.Validation(op, key+" must be a non-negative integer")
	}
	return n, nil
}
