package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bertiespell/asset-canister/internal/admission"
	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/bertiespell/asset-canister/internal/ratelimit"
	"github.com/bertiespell/asset-canister/internal/store"
	"github.com/bertiespell/asset-canister/internal/stream"
	"github.com/rs/zerolog/log"
)

// ErrBadRequest is returned for malformed paths, queries and tokens.
var ErrBadRequest = errors.New("bad request")

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, stream.ErrInvalidToken):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, auth.ErrAnonymous):
		return http.StatusBadRequest, admission.Reason(err)
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, admission.ErrAnonymous):
		return http.StatusUnauthorized, admission.Reason(err)
	case errors.Is(err, admission.ErrUnauthorized), errors.Is(err, admission.ErrBlocked):
		return http.StatusForbidden, admission.Reason(err)
	case errors.Is(err, ratelimit.ErrRateLimited), errors.Is(err, ratelimit.ErrDailyLimitReached):
		return http.StatusTooManyRequests, admission.Reason(err)
	case errors.Is(err, admission.ErrCapacityExceeded):
		return http.StatusInsufficientStorage, admission.Reason(err)
	case errors.Is(err, admission.ErrOversizedChunk):
		return http.StatusRequestEntityTooLarge, admission.Reason(err)
	case errors.Is(err, admission.ErrTooManyChunks):
		return http.StatusConflict, admission.Reason(err)
	case errors.Is(err, store.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, admission.Reason(err)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, stream.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError writes the JSON error body for err.
func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		message = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}
