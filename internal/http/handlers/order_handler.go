// README: Order handlers for create/get/events/transition/cancel and payment signals.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace/internal/modules/order"
	"marketplace/internal/types"
)

type OrderHandler struct {
	order *order.Service
}

func NewOrderHandler(svc *order.Service) *OrderHandler {
	return &OrderHandler{order: svc}
}

type pointReq struct {
	Lat float64 `json:"lat" binding:"gte=-90,lte=90"`
	Lng float64 `json:"lng" binding:"gte=-180,lte=180"`
}

func (p pointReq) point() types.Point { return types.Point{Lat: p.Lat, Lng: p.Lng} }

type createOrderReq struct {
	RestaurantID string          `json:"restaurant_id" binding:"required"`
	Total        string          `json:"total" binding:"required"`
	Currency     string          `json:"currency" binding:"omitempty,len=3"`
	Items        json.RawMessage `json:"items"`
	Pickup       pointReq        `json:"pickup"`
	Dropoff      pointReq        `json:"dropoff"`
}

type orderView struct {
	ID                  types.ID        `json:"id"`
	CustomerID          types.ID        `json:"customer_id"`
	RestaurantID        types.ID        `json:"restaurant_id"`
	CourierID           *types.ID       `json:"courier_id,omitempty"`
	Status              order.Status    `json:"status"`
	Total               string          `json:"total"`
	Currency            string          `json:"currency"`
	Items               json.RawMessage `json:"items"`
	Pickup              types.Point     `json:"pickup"`
	Dropoff             types.Point     `json:"dropoff"`
	DeliveryCode        string          `json:"delivery_code,omitempty"`
	CancelReason        *string         `json:"cancel_reason,omitempty"`
	EstimatedDeliveryAt *time.Time      `json:"estimated_delivery_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// newOrderView renders o for a; only the customer sees the delivery code.
func newOrderView(o *order.Order, a order.Actor) orderView {
	v := orderView{
		ID:                  o.ID,
		CustomerID:          o.CustomerID,
		RestaurantID:        o.RestaurantID,
		CourierID:           o.CourierID,
		Status:              o.Status,
		Total:               o.Total.Amount.StringFixed(2),
		Currency:            o.Total.Currency,
		Items:               o.Items,
		Pickup:              o.Pickup,
		Dropoff:             o.Dropoff,
		CancelReason:        o.CancelReason,
		EstimatedDeliveryAt: o.EstimatedDeliveryAt,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
	}
	if a.Role == order.RoleCustomer && a.ID == o.CustomerID {
		v.DeliveryCode = o.DeliveryCode
	}
	return v
}

type eventView struct {
	ID         int64        `json:"id"`
	FromStatus order.Status `json:"from_status"`
	ToStatus   order.Status `json:"to_status"`
	ActorID    types.ID     `json:"actor_id"`
	ActorRole  order.Role   `json:"actor_role"`
	Notes      string       `json:"notes,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleCustomer)
	if !ok {
		return
	}
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request: "+err.Error())
		return
	}
	total, err := types.ParseMoney(req.Total, req.Currency)
	if err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	o, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		CustomerID:   actor.ID,
		RestaurantID: types.ID(req.RestaurantID),
		Total:        total,
		Items:        req.Items,
		Pickup:       req.Pickup.point(),
		Dropoff:      req.Dropoff.point(),
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newOrderView(o, actor))
}

// visible loads the order and checks the caller may read it. Orders the
// caller may not see are reported as missing.
func (h *OrderHandler) visible(c *gin.Context) (*order.Order, order.Actor, bool) {
	actor, ok := caller(c)
	if !ok {
		return nil, actor, false
	}
	id, ok := pathID(c)
	if !ok {
		return nil, actor, false
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return nil, actor, false
	}
	if !o.VisibleTo(actor) {
		writeDomainError(c, order.ErrNotFound)
		return nil, actor, false
	}
	return o, actor, true
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, actor, ok := h.visible(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o, actor))
}

func (h *OrderHandler) Events(c *gin.Context) {
	o, _, ok := h.visible(c)
	if !ok {
		return
	}
	trail, err := h.order.Events(c.Request.Context(), o.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]eventView, 0, len(trail))
	for _, e := range trail {
		out = append(out, eventView{
			ID:         e.ID,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			ActorID:    e.ActorID,
			ActorRole:  e.ActorRole,
			Notes:      e.Notes,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"events": out})
}

type transitionReq struct {
	To     order.Status `json:"to" binding:"required"`
	Notes  string       `json:"notes" binding:"max=500"`
	Reason string       `json:"reason" binding:"max=200"`
}

// Transition drives the generic edges. Assignment and delivery have their
// own endpoints so that the offer race and the code check cannot be skipped.
func (h *OrderHandler) Transition(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req transitionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request: "+err.Error())
		return
	}
	switch req.To {
	case order.StatusAssigned:
		writeError(c, http.StatusBadRequest, "bad_request", "use the offer accept endpoint to assign")
		return
	case order.StatusDelivered:
		writeError(c, http.StatusBadRequest, "bad_request", "use the confirm endpoint to deliver")
		return
	}
	var (
		o   *order.Order
		err error
	)
	if req.To == order.StatusCancelled {
		reason := req.Reason
		if reason == "" {
			reason = req.Notes
		}
		o, err = h.order.Cancel(c.Request.Context(), order.CancelCommand{OrderID: id, Actor: actor, Reason: reason})
	} else {
		o, err = h.order.Transition(c.Request.Context(), order.TransitionCommand{
			OrderID: id,
			To:      req.To,
			Actor:   actor,
			Notes:   req.Notes,
		})
	}
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o, actor))
}

type cancelReq struct {
	Reason string `json:"reason" binding:"max=200"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	actor, ok := requireRole(c, order.RoleCustomer, order.RoleRestaurant, order.RoleAdmin)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid request: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = string(actor.Role) + "_cancel"
	}
	o, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{OrderID: id, Actor: actor, Reason: req.Reason})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newOrderView(o, actor))
}

type paymentReq struct {
	OrderID   string `json:"order_id" binding:"required,uuid"`
	Success   *bool  `json:"success" binding:"required"`
	Reference string `json:"reference" binding:"max=100"`
}

func (h *OrderHandler) PaymentSignal(c *gin.Context) {
	if _, ok := requireRole(c, order.RoleSystem); !ok {
		return
	}
	var req paymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid request: "+err.Error())
		return
	}
	o, err := h.order.ApplyPayment(c.Request.Context(), order.PaymentSignal{
		OrderID:   types.ID(req.OrderID),
		Success:   *req.Success,
		Reference: req.Reference,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": o.ID, "status": o.Status})
}
