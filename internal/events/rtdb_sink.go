package events

import (
	"context"
	"fmt"
)

// TrackingWriter merges fields into a Realtime Database node.
type TrackingWriter interface {
	Update(ctx context.Context, path string, fields map[string]interface{}) error
}

// RTDBSink mirrors order progress to "order_tracking/<id>" so customer and
// courier apps can listen to one node instead of polling the API.
type RTDBSink struct {
	writer TrackingWriter
}

func NewRTDBSink(w TrackingWriter) *RTDBSink {
	return &RTDBSink{writer: w}
}

func (s *RTDBSink) Name() string { return "rtdb" }

func (s *RTDBSink) Deliver(ctx context.Context, e Event) error {
	path, fields := trackingUpdate(e)
	if fields == nil {
		return nil
	}
	if err := s.writer.Update(ctx, path, fields); err != nil {
		return fmt.Errorf("rtdb update %s: %w", path, err)
	}
	return nil
}

func trackingUpdate(e Event) (string, map[string]interface{}) {
	if e.OrderID == "" {
		return "", nil
	}
	path := "order_tracking/" + string(e.OrderID)
	at := e.OccurredAt.UnixMilli()
	switch e.Kind {
	case KindStatusChanged:
		fields := map[string]interface{}{"status": e.To, "updated_at": at}
		if e.CourierID != "" {
			fields["courier_id"] = string(e.CourierID)
		}
		return path, fields
	case KindDeliveryConfirmed:
		fields := map[string]interface{}{"status": "delivered", "delivered_at": at, "updated_at": at}
		if e.Location != nil {
			fields["delivered_lat"] = e.Location.Lat
			fields["delivered_lng"] = e.Location.Lng
		}
		return path, fields
	}
	return "", nil
}
