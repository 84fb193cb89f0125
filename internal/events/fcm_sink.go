package events

import (
	"context"
	"fmt"
	"strconv"

	"firebase.google.com/go/v4/messaging"
)

// Messenger is the part of *messaging.Client the sink needs.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSink pushes events to Firebase Cloud Messaging topics. Apps subscribe
// to "order-<id>", "courier-<id>" and "user-<id>".
type FCMSink struct {
	client Messenger
}

func NewFCMSink(client Messenger) *FCMSink {
	return &FCMSink{client: client}
}

func (s *FCMSink) Name() string { return "fcm" }

func (s *FCMSink) Deliver(ctx context.Context, e Event) error {
	msg := buildMessage(e)
	if msg == nil {
		return nil
	}
	if _, err := s.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send to topic %s: %w", msg.Topic, err)
	}
	return nil
}

func buildMessage(e Event) *messaging.Message {
	data := map[string]string{
		"kind":        string(e.Kind),
		"occurred_at": strconv.FormatInt(e.OccurredAt.Unix(), 10),
	}
	if e.OrderID != "" {
		data["order_id"] = string(e.OrderID)
	}

	msg := &messaging.Message{Data: data}
	switch e.Kind {
	case KindStatusChanged:
		msg.Topic = "order-" + string(e.OrderID)
		data["from"] = e.From
		data["to"] = e.To
	case KindDeliveryConfirmed:
		msg.Topic = "order-" + string(e.OrderID)
		msg.Notification = &messaging.Notification{
			Title: "Order delivered",
			Body:  "Your order has been delivered. Enjoy your meal!",
		}
	case KindOfferPublished:
		msg.Topic = "courier-" + string(e.CourierID)
		data["offer_id"] = string(e.OfferID)
		if e.Until != nil {
			data["expires_at"] = strconv.FormatInt(e.Until.Unix(), 10)
		}
		msg.Notification = &messaging.Notification{
			Title: "New delivery available",
			Body:  "Accept quickly before another courier does.",
		}
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
	case KindUserBlocked:
		msg.Topic = "user-" + string(e.UserID)
		if e.Until != nil {
			data["until"] = strconv.FormatInt(e.Until.Unix(), 10)
		}
	default:
		return nil
	}
	return msg
}
