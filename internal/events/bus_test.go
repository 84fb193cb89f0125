package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace/internal/logx"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Event
	fail bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	if s.fail {
		return errors.New("transport down")
	}
	return nil
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.got...)
}

func TestBus_HandlersRunSynchronously(t *testing.T) {
	bus := NewBus(logx.Nop(), time.Second)
	var seen []Kind
	bus.Subscribe(KindStatusChanged, func(_ context.Context, e Event) { seen = append(seen, e.Kind) })
	bus.Subscribe(KindUserBlocked, func(_ context.Context, e Event) { t.Fatal("wrong kind delivered") })

	bus.Emit(context.Background(), Event{Kind: KindStatusChanged, OrderID: "o1"})
	require.Equal(t, []Kind{KindStatusChanged}, seen)
}

func TestBus_SinkFailureDoesNotPropagate(t *testing.T) {
	bus := NewBus(logx.Nop(), time.Second)
	ok := &recordingSink{}
	broken := &recordingSink{fail: true}
	bus.AddSink(ok)
	bus.AddSink(broken)

	ctx, cancel := context.WithCancel(context.Background())
	bus.Emit(ctx, Event{Kind: KindDeliveryConfirmed, OrderID: "o1"})
	cancel()
	bus.Wait()

	require.Len(t, ok.events(), 1)
	require.Len(t, broken.events(), 1)
	require.False(t, ok.events()[0].OccurredAt.IsZero())
}

func TestBuildMessage_Topics(t *testing.T) {
	until := time.Unix(1700000000, 0)
	cases := []struct {
		e     Event
		topic string
	}{
		{Event{Kind: KindStatusChanged, OrderID: "o1", From: "ready", To: "assigned"}, "order-o1"},
		{Event{Kind: KindDeliveryConfirmed, OrderID: "o1"}, "order-o1"},
		{Event{Kind: KindOfferPublished, OrderID: "o1", CourierID: "c9", OfferID: "f1", Until: &until}, "courier-c9"},
		{Event{Kind: KindUserBlocked, UserID: "u1", Until: &until}, "user-u1"},
	}
	for _, tc := range cases {
		msg := buildMessage(tc.e)
		require.NotNil(t, msg, tc.e.Kind)
		require.Equal(t, tc.topic, msg.Topic)
		require.Equal(t, string(tc.e.Kind), msg.Data["kind"])
	}

	offer := buildMessage(cases[2].e)
	require.Equal(t, "f1", offer.Data["offer_id"])
	require.Equal(t, "1700000000", offer.Data["expires_at"])

	require.Nil(t, buildMessage(Event{Kind: "unknown"}))
}

func TestRedisSinkChannels(t *testing.T) {
	s := NewRedisSink(nil, "")
	require.Equal(t, []string{"marketplace:events", "marketplace:events:order:o1"}, s.channels(Event{OrderID: "o1"}))
	require.Equal(t, []string{"marketplace:events"}, s.channels(Event{UserID: "u1"}))
}

type fakeTracking struct {
	paths  []string
	fields []map[string]interface{}
}

func (f *fakeTracking) Update(_ context.Context, path string, v map[string]interface{}) error {
	f.paths = append(f.paths, path)
	f.fields = append(f.fields, v)
	return nil
}

func TestRTDBSink_MirrorsOrderProgress(t *testing.T) {
	w := &fakeTracking{}
	sink := NewRTDBSink(w)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, sink.Deliver(ctx, Event{Kind: KindStatusChanged, OrderID: "o1", To: "assigned", CourierID: "c1", OccurredAt: at}))
	require.NoError(t, sink.Deliver(ctx, Event{Kind: KindDeliveryConfirmed, OrderID: "o1", OccurredAt: at}))
	require.NoError(t, sink.Deliver(ctx, Event{Kind: KindUserBlocked, UserID: "u1", OccurredAt: at}))
	require.NoError(t, sink.Deliver(ctx, Event{Kind: KindOfferPublished, OrderID: "o1", OccurredAt: at}))

	require.Equal(t, []string{"order_tracking/o1", "order_tracking/o1"}, w.paths)
	require.Equal(t, "assigned", w.fields[0]["status"])
	require.Equal(t, "c1", w.fields[0]["courier_id"])
	require.Equal(t, at.UnixMilli(), w.fields[1]["delivered_at"])
	require.NotContains(t, w.fields[1], "delivered_lat")
}
