package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/atmx/paper-broker/internal/model"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrAlreadyRegistered),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotRegistered),
		errors.Is(err, model.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPriceUnavailable),
		errors.Is(err, model.ErrMarketClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrBonusOnCooldown):
		return http.StatusTooManyRequests
	case model.IsDomainError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError maps err to a status code. Anything that is not a
// domain rejection is logged and reported as an internal error without
// leaking its text.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", "", status)
		return
	}

	var cd *model.CooldownError
	if errors.As(err, &cd) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(cd.Remaining.Seconds()))))
	}
	writeError(w, err.Error(), model.ErrorCode(err), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
