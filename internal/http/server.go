// README: API gateway; builds the gin engine and delegates to module services.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketplace/internal/http/handlers"
	"marketplace/internal/http/middleware"
	"marketplace/internal/infra"
	"marketplace/internal/logx"
	"marketplace/internal/metrics"
	"marketplace/internal/modules/confirmation"
	"marketplace/internal/modules/courierpool"
	"marketplace/internal/modules/dispatch"
	"marketplace/internal/modules/order"
	"marketplace/internal/modules/penalty"
	"marketplace/internal/modules/timeout"
)

type ServerDeps struct {
	Order    *order.Service
	Dispatch *dispatch.Service
	Couriers *courierpool.Service
	Confirm  *confirmation.Service
	Penalty  *penalty.Service
	Sweeper  *timeout.Service
	Verifier infra.TokenVerifier
	Log      logx.Logger
	Metrics  *metrics.Collectors
	// Gatherer backs /metrics; nil hides the endpoint.
	Gatherer prometheus.Gatherer
}

type Server struct {
	deps ServerDeps

	orders   *handlers.OrderHandler
	couriers *handlers.CourierHandler
	delivery *handlers.DeliveryHandler
	ops      *handlers.OpsHandler
}

func NewServer(deps ServerDeps) *Server {
	if deps.Log == nil {
		deps.Log = logx.Nop()
	}
	return &Server{
		deps:     deps,
		orders:   handlers.NewOrderHandler(deps.Order),
		couriers: handlers.NewCourierHandler(deps.Dispatch, deps.Couriers),
		delivery: handlers.NewDeliveryHandler(deps.Confirm),
		ops:      handlers.NewOpsHandler(deps.Sweeper, deps.Penalty),
	}
}

// Routes returns the handler with middleware and every route registered.
func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(s.deps.Log), middleware.Logging(s.deps.Log), middleware.Metrics(s.deps.Metrics))

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api", middleware.Auth(s.deps.Verifier))
	s.register(api)
	return r
}
