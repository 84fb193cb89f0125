// README: Prometheus collectors for the order engine. A nil *Collectors is a no-op.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Collectors struct {
	transitions     *prometheus.CounterVec
	accepts         *prometheus.CounterVec
	offersPublished prometheus.Counter
	confirmations   *prometheus.CounterVec
	sweepCancelled  prometheus.Counter
	sweepFailed     prometheus.Counter
	blocksCreated   prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Committed order status transitions.",
		}, []string{"from", "to"}),
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_accepts_total",
			Help: "Offer accept calls by outcome.",
		}, []string{"outcome"}),
		offersPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_offers_published_total",
			Help: "Dispatch offers created.",
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_confirmations_total",
			Help: "Delivery confirmation attempts by outcome.",
		}, []string{"outcome"}),
		sweepCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_cancelled_total",
			Help: "Orders cancelled by the timeout sweeper.",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweep_failed_total",
			Help: "Orders the timeout sweeper failed to cancel.",
		}),
		blocksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "user_blocks_created_total",
			Help: "Temporary account blocks created by the escalator.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.transitions, c.accepts, c.offersPublished, c.confirmations,
			c.sweepCancelled, c.sweepFailed, c.blocksCreated,
			c.HTTPRequests, c.HTTPDuration,
		)
	}
	return c
}

func (c *Collectors) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collectors) Accept(outcome string) {
	if c == nil {
		return
	}
	c.accepts.WithLabelValues(outcome).Inc()
}

func (c *Collectors) OffersPublished(n int) {
	if c == nil {
		return
	}
	c.offersPublished.Add(float64(n))
}

func (c *Collectors) Confirmation(outcome string) {
	if c == nil {
		return
	}
	c.confirmations.WithLabelValues(outcome).Inc()
}

func (c *Collectors) Sweep(cancelled, failed int) {
	if c == nil {
		return
	}
	c.sweepCancelled.Add(float64(cancelled))
	c.sweepFailed.Add(float64(failed))
}

func (c *Collectors) BlockCreated() {
	if c == nil {
		return
	}
	c.blocksCreated.Inc()
}
