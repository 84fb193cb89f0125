// README: HTTP route registration.
package http

import "github.com/gin-gonic/gin"

func (s *Server) register(api *gin.RouterGroup) {
	api.POST("/orders", s.orders.Create)
	api.GET("/orders/:id", s.orders.Get)
	api.GET("/orders/:id/events", s.orders.Events)
	api.POST("/orders/:id/transitions", s.orders.Transition)
	api.POST("/orders/:id/cancel", s.orders.Cancel)
	api.POST("/payments/signal", s.orders.PaymentSignal)

	api.POST("/orders/:id/offers", s.couriers.Publish)
	api.GET("/couriers/me/offers", s.couriers.ListOffers)
	api.PUT("/couriers/me/location", s.couriers.UpdateLocation)
	api.DELETE("/couriers/me/location", s.couriers.GoOffline)
	api.POST("/offers/:id/accept", s.couriers.Accept)

	api.POST("/orders/:id/confirm", s.delivery.Confirm)
	api.POST("/orders/:id/confirmation/reset", s.delivery.Reset)

	api.POST("/sweeps", s.ops.Sweep)
	api.GET("/users/:id/block", s.ops.GetBlock)
	api.DELETE("/users/:id/block", s.ops.LiftBlock)
}
