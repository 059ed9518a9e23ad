package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/fjod/go_cart/commerce-service/internal/webhook"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return nil, false
	}
	return body, true
}

// handleServiceError maps the domain error taxonomy to HTTP status codes.
func handleServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	var declined *domain.DeclinedError
	if errors.As(err, &declined) {
		respondJSON(w, status, ErrorResponse{Error: "payment declined", Code: code, Details: declined.Message})
		return
	}
	respondError(w, status, code, message)
}

func classify(err error) (int, string) {
	var declined *domain.DeclinedError
	switch {
	case errors.As(err, &declined), errors.Is(err, domain.ErrProviderDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, domain.ErrSignatureInvalid):
		return http.StatusUnauthorized, "signature_invalid"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrCartConverted):
		return http.StatusConflict, "cart_converted"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrStatusConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, webhook.ErrRetryLater):
		return http.StatusServiceUnavailable, "retry_later"
	case errors.Is(err, domain.ErrProviderTimeout):
		return http.StatusServiceUnavailable, "provider_timeout"
	case errors.Is(err, domain.ErrRateUnavailable):
		return http.StatusServiceUnavailable, "rate_unavailable"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrEmptyCart):
		return http.StatusBadRequest, "empty_cart"
	case errors.Is(err, domain.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "invalid_argument"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
