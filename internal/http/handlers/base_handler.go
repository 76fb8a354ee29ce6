// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"okada/internal/modules/dispatch"
	"okada/internal/modules/referral"
	"okada/internal/modules/trip"
	"okada/internal/modules/wallet"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// isValidID ensures IDs are hex and 32 chars (matches the ID generator).
func isValidID(v string) bool {
	if len(v) != 32 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

func writeError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, errorResponse{Error: msg, Code: code})
}

// writeDomainError maps module sentinels onto HTTP statuses. The code
// field stays machine-readable so a driver client can tell a lost race
// from a lapsed offer from an expired request.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrBadRequest),
		errors.Is(err, trip.ErrBadRequest),
		errors.Is(err, referral.ErrBadRequest):
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())

	case errors.Is(err, dispatch.ErrForbidden), errors.Is(err, trip.ErrForbidden):
		writeError(c, http.StatusForbidden, "forbidden", err.Error())

	case errors.Is(err, dispatch.ErrRequestNotFound):
		writeError(c, http.StatusNotFound, "request_not_found", err.Error())
	case errors.Is(err, trip.ErrNotFound):
		writeError(c, http.StatusNotFound, "trip_not_found", err.Error())
	case errors.Is(err, wallet.ErrAccountNotFound), errors.Is(err, referral.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, dispatch.ErrAlreadyAssigned):
		writeError(c, http.StatusConflict, "already_assigned", err.Error())
	case errors.Is(err, dispatch.ErrNotOffered):
		writeError(c, http.StatusConflict, "not_offered", err.Error())
	case errors.Is(err, dispatch.ErrRequestExpired):
		writeError(c, http.StatusConflict, "request_expired", err.Error())
	case errors.Is(err, dispatch.ErrRequestClosed):
		writeError(c, http.StatusConflict, "request_closed", err.Error())
	case errors.Is(err, dispatch.ErrAcceptInProgress):
		writeError(c, http.StatusConflict, "accept_in_progress", err.Error())
	case errors.Is(err, dispatch.ErrRetryAccept):
		writeError(c, http.StatusConflict, "retry_accept", err.Error())
	case errors.Is(err, dispatch.ErrNotEligible):
		writeError(c, http.StatusConflict, "not_eligible", err.Error())
	case errors.Is(err, trip.ErrInvalidState):
		writeError(c, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, trip.ErrConflict):
		writeError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, referral.ErrAlreadyReferred):
		writeError(c, http.StatusConflict, "already_referred", err.Error())

	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(c, http.StatusPaymentRequired, "insufficient_funds", err.Error())

	default:
		writeError(c, http.StatusInternalServerError, "internal", "internal error")
	}
}
