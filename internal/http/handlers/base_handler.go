// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace/internal/http/middleware"
	"marketplace/internal/modules/confirmation"
	"marketplace/internal/modules/courierpool"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/order"
	"marketplace/internal/modules/penalty"
	"marketplace/internal/types"
)

type errorResponse struct {
	Error     string     `json:"error"`
	Code      string     `json:"code"`
	Attempts  *int       `json:"attempts,omitempty"`
	Remaining *int       `json:"remaining,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
}

// isValidID accepts the UUIDs handed out by types.NewID.
func isValidID(v string) bool {
	return types.ID(v).IsUUID()
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

// pathID reads and validates the :id parameter.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid id")
		return "", false
	}
	return types.ID(id), true
}

// caller returns the authenticated actor. Unknown role claims are refused.
func caller(c *gin.Context) (order.Actor, bool) {
	a := order.Actor{ID: types.ID(middleware.CallerUID(c)), Role: order.Role(middleware.CallerRole(c))}
	if a.ID == "" || !a.Role.Valid() {
		writeError(c, http.StatusForbidden, "forbidden", "unknown caller role")
		return order.Actor{}, false
	}
	return a, true
}

// requireRole returns the caller when it holds one of roles.
func requireRole(c *gin.Context, roles ...order.Role) (order.Actor, bool) {
	a, ok := caller(c)
	if !ok {
		return a, false
	}
	for _, r := range roles {
		if a.Role == r {
			return a, true
		}
	}
	writeError(c, http.StatusForbidden, "forbidden", "forbidden: "+string(a.Role)+" may not do this")
	return order.Actor{}, false
}

// writeDomainError maps service errors to a status and a stable code.
func writeDomainError(c *gin.Context, err error) {
	var (
		codeErr    *confirmation.CodeError
		blockedErr *penalty.BlockedError
	)
	switch {
	case errors.As(err, &codeErr):
		attempts, remaining := codeErr.Attempts, codeErr.Remaining
		writeJSON(c, http.StatusUnprocessableEntity, errorResponse{
			Error: err.Error(), Code: "invalid_code", Attempts: &attempts, Remaining: &remaining,
		})
	case errors.As(err, &blockedErr):
		until := blockedErr.Until
		writeJSON(c, http.StatusForbidden, errorResponse{Error: err.Error(), Code: "not_allowed", Until: &until})
	case errors.Is(err, order.ErrNotFound), errors.Is(err, dispatch.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, courierpool.ErrBadRequest):
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, order.ErrForbidden), errors.Is(err, confirmation.ErrForbidden), errors.Is(err, penalty.ErrForbidden):
		writeError(c, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, order.ErrInvalidTransition):
		writeError(c, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, order.ErrConflict):
		writeError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, dispatch.ErrAlreadyAssigned):
		writeError(c, http.StatusConflict, "already_assigned", err.Error())
	case errors.Is(err, dispatch.ErrNotAssignable):
		writeError(c, http.StatusConflict, "not_assignable", err.Error())
	case errors.Is(err, dispatch.ErrExpired):
		writeError(c, http.StatusGone, "expired", err.Error())
	case errors.Is(err, dispatch.ErrNotEligible):
		writeError(c, http.StatusForbidden, "not_eligible", err.Error())
	case errors.Is(err, confirmation.ErrWrongStatus):
		writeError(c, http.StatusConflict, "wrong_status", err.Error())
	case errors.Is(err, confirmation.ErrTooManyAttempts):
		writeError(c, http.StatusTooManyRequests, "too_many_attempts", err.Error())
	case errors.Is(err, penalty.ErrNotAllowed):
		writeError(c, http.StatusForbidden, "not_allowed", err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal", "internal error")
	}
}
