// README: Courier handlers for presence, open offers, accepting offers and publishing them.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace/internal/modules/courierpool"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/order"
	"marketplace/internal/types"
)

type CourierHandler struct {
	dispatch *dispatch.Service
	couriers *courierpool.Service
}

func NewCourierHandler(dispatchSvc *dispatch.Service, courierSvc *courierpool.Service) *CourierHandler {
	return &CourierHandler{dispatch: dispatchSvc, couriers: courierSvc}
}

type offerView struct {
	ID        types.ID            `json:"id"`
	OrderID   types.ID            `json:"order_id"`
	CourierID types.ID            `json:"courier_id"`
	State     dispatch.OfferState `json:"state"`
	ExpiresAt time.Time           `json:"expires_at"`
}

func newOfferViews(offers []dispatch.Offer) []offerView {
	out := make([]offerView, 0, len(offers))
	for _, o := range offers {
		out = append(out, offerView{ID: o.ID, OrderID: o.OrderID, CourierID: o.CourierID, State: o.State, ExpiresAt: o.ExpiresAt})
	}
	return out
}

func (h *CourierHandler) UpdateLocation(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleCourier)
	if !ok {
		return
	}
	var req pointReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request: "+err.Error())
		return
	}
	if err := h.couriers.UpdateLocation(c.Request.Context(), actor.ID, req.point()); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "online"})
}

func (h *CourierHandler) GoOffline(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleCourier)
	if !ok {
		return
	}
	if err := h.couriers.GoOffline(c.Request.Context(), actor.ID); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "offline"})
}

func (h *CourierHandler) ListOffers(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleCourier)
	if !ok {
		return
	}
	offers, err := h.dispatch.ListOpenOffers(c.Request.Context(), actor.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"offers": newOfferViews(offers)})
}

func (h *CourierHandler) Accept(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleCourier)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := h.dispatch.AcceptOffer(c.Request.Context(), id, actor.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": res.OrderID})
}

func (h *CourierHandler) Publish(c *gin.Context) {
	if _, ok := requireRole(c, order.RoleSystem, order.RoleAdmin); !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	offers, err := h.dispatch.PublishOffers(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"offers": newOfferViews(offers)})
}
