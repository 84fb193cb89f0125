package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors_Count(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Transition("ready", "assigned")
	c.Transition("ready", "assigned")
	c.Accept("won")
	c.Accept("lost")
	c.Accept("lost")
	c.Sweep(3, 1)
	c.OffersPublished(4)

	require.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("ready", "assigned")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.accepts.WithLabelValues("lost")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.sweepCancelled))
	require.Equal(t, 1.0, testutil.ToFloat64(c.sweepFailed))
	require.Equal(t, 4.0, testutil.ToFloat64(c.offersPublished))
}

func TestCollectors_NilIsNoop(t *testing.T) {
	var c *Collectors
	c.Transition("a", "b")
	c.Accept("won")
	c.Confirmation("invalid_code")
	c.Sweep(1, 1)
	c.BlockCreated()
	c.OffersPublished(1)
}
