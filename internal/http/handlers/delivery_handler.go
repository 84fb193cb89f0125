// README: Delivery confirmation handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace/internal/modules/confirmation"
	"marketplace/internal/modules/order"
	"marketplace/internal/types"
)

type DeliveryHandler struct {
	confirm *confirmation.Service
}

func NewDeliveryHandler(svc *confirmation.Service) *DeliveryHandler {
	return &DeliveryHandler{confirm: svc}
}

// confirmReq leaves the code format to the validator so a locked-out
// order answers too_many_attempts whatever is sent.
type confirmReq struct {
	Code     string    `json:"code" binding:"required,max=64"`
	Location *pointReq `json:"location"`
}

func (h *DeliveryHandler) Confirm(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleCourier)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req confirmReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request: "+err.Error())
		return
	}
	var loc *types.Point
	if req.Location != nil {
		p := req.Location.point()
		loc = &p
	}
	res, err := h.confirm.Confirm(c.Request.Context(), confirmation.ConfirmCommand{
		OrderID:   id,
		CourierID: actor.ID,
		Code:      req.Code,
		Location:  loc,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"success": res.Success, "attempts": res.Attempts})
}

func (h *DeliveryHandler) Reset(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleAdmin)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.confirm.Reset(c.Request.Context(), id, actor); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "failed_attempts": 0})
}
