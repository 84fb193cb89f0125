// README: Kafka consumer group feeding payment-gateway results into the order lifecycle.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"marketplace/internal/logx"
	"marketplace/internal/modules/order"
	"marketplace/internal/types"
)

// PaymentMessage is the JSON value of one message on the payments topic.
type PaymentMessage struct {
	OrderID   string `json:"order_id"`
	Success   *bool  `json:"success"`
	Reference string `json:"reference"`
}

// HandleFunc applies one payment signal.
type HandleFunc func(context.Context, order.PaymentSignal) (*order.Order, error)

// Consumer wraps a sarama consumer group. A nil *Consumer is a no-op.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler HandleFunc
	log     logx.Logger
}

// NewConsumer returns nil when brokers, group or topic are not configured.
func NewConsumer(brokers []string, groupID, topic string, h HandleFunc, log logx.Logger) (*Consumer, error) {
	if len(brokers) == 0 || strings.TrimSpace(topic) == "" || strings.TrimSpace(groupID) == "" {
		return nil, nil
	}

	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: group, topic: topic, handler: h, log: log}, nil
}

// Run consumes until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	h := &groupHandler{c: c}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("kafka consume error", logx.Event("payments_consume_failed"), logx.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c == nil {
		return nil
	}
	return c.group.Close()
}

type groupHandler struct{ c *Consumer }

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := h.c.log
	for msg := range claim.Messages() {
		var m PaymentMessage
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			log.Warn("bad payment message", logx.Event("payment_message_invalid"), logx.Err(err))
			sess.MarkMessage(msg, "")
			continue
		}
		if !types.ID(m.OrderID).IsUUID() || m.Success == nil {
			log.Warn("payment message missing fields", logx.Event("payment_message_invalid"), logx.String("order_id", m.OrderID))
			sess.MarkMessage(msg, "")
			continue
		}

		sig := order.PaymentSignal{OrderID: types.ID(m.OrderID), Success: *m.Success, Reference: m.Reference}
		if _, err := h.c.handler(sess.Context(), sig); err != nil {
			if permanent(err) {
				// duplicates and late signals for settled orders
				log.Info("payment signal rejected",
					logx.Event("payment_signal_rejected"),
					logx.ID("order_id", sig.OrderID),
					logx.Err(err),
				)
				sess.MarkMessage(msg, "")
				continue
			}
			log.Error("payment signal failed, will retry",
				logx.Event("payment_signal_failed"),
				logx.ID("order_id", sig.OrderID),
				logx.Err(err),
			)
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, order.ErrInvalidTransition) ||
		errors.Is(err, order.ErrNotFound) ||
		errors.Is(err, order.ErrBadRequest)
}
