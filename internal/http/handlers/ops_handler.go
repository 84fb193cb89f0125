// README: Operational handlers for the timeout sweep and user blocks.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace/internal/modules/order"
	"marketplace/internal/modules/penalty"
	"marketplace/internal/modules/timeout"
	"marketplace/internal/types"
)

type OpsHandler struct {
	sweeper *timeout.Service
	penalty *penalty.Service
}

func NewOpsHandler(sweeper *timeout.Service, penaltySvc *penalty.Service) *OpsHandler {
	return &OpsHandler{sweeper: sweeper, penalty: penaltySvc}
}

func (h *OpsHandler) Sweep(c *gin.Context) {
	if _, ok := requireRole(c, order.RoleSystem); !ok {
		return
	}
	sum, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		// partial sweeps still report what they cancelled
		_ = c.Error(err)
	}
	writeJSON(c, http.StatusOK, gin.H{
		"cancelled_count": sum.Cancelled,
		"skipped_count":   sum.Skipped,
		"failed_count":    sum.Failed,
	})
}

func (h *OpsHandler) GetBlock(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	userID := types.ID(c.Param("id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "missing user id")
		return
	}
	if actor.Role != order.RoleAdmin && actor.ID != userID {
		writeError(c, http.StatusForbidden, "forbidden", "forbidden: not your account")
		return
	}
	st, err := h.penalty.IsBlocked(c.Request.Context(), userID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	resp := gin.H{"user_id": userID, "blocked": st.Blocked}
	if st.Blocked {
		resp["blocked_until"] = st.Block.BlockedUntil
		resp["reason"] = st.Block.Reason
		resp["cancelled_orders_count"] = st.Block.CancelledOrdersCount
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *OpsHandler) LiftBlock(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	userID := types.ID(c.Param("id"))
	if userID == "" {
		writeError(c, http.StatusBadRequest, "bad_request", "missing user id")
		return
	}
	if err := h.penalty.Lift(c.Request.Context(), userID, actor); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"user_id": userID, "blocked": false})
}
