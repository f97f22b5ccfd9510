// Package payments turns payment gateway outcomes into order confirm and cancel calls.
package payments

import (
	"context"

	kafkax "github.com/ariefcatur/order-reservations/internal/kafka"
	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/ariefcatur/order-reservations/internal/reservation"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type OrderService interface {
	ConfirmOrder(ctx context.Context, orderID string) (reservation.Result, error)
	CancelOrder(ctx context.Context, orderID, reason string) (reservation.Result, error)
}

type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Handler struct {
	Orders OrderService
	Dedup  Deduper
	Log    *zap.Logger
}

var Topics = []string{orders.TopicPaymentAuthorized, orders.TopicPaymentFailed}

// HandleMessage is installed as the consumer handler. Redelivered events are
// skipped by event id; a processing error releases the claim so the
// consumer's in-place retry reprocesses it before any later offset.
func (h *Handler) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		h.log().Warn("drop undecodable event", zap.String("topic", m.Topic), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventPaymentAuthorized && env.EventType != orders.EventPaymentFailed {
		return nil
	}

	if h.Dedup != nil && env.EventID != "" {
		first, err := h.Dedup.Claim(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
	}

	if err := h.apply(ctx, env); err != nil {
		if h.Dedup != nil && env.EventID != "" {
			_ = h.Dedup.Forget(ctx, env.EventID)
		}
		return err
	}
	return nil
}

func (h *Handler) apply(ctx context.Context, env orders.Envelope) error {
	var (
		orderID string
		res     reservation.Result
		err     error
	)
	switch env.EventType {
	case orders.EventPaymentAuthorized:
		p, perr := kafkax.UnwrapPayload[orders.PaymentAuthorizedPayload](env.Payload)
		if perr != nil {
			h.log().Warn("drop payment event", zap.String("event_id", env.EventID), zap.Error(perr))
			return nil
		}
		orderID = p.OrderID
		res, err = h.Orders.ConfirmOrder(ctx, p.OrderID)
	case orders.EventPaymentFailed:
		p, perr := kafkax.UnwrapPayload[orders.PaymentFailedPayload](env.Payload)
		if perr != nil {
			h.log().Warn("drop payment event", zap.String("event_id", env.EventID), zap.Error(perr))
			return nil
		}
		orderID = p.OrderID
		res, err = h.Orders.CancelOrder(ctx, p.OrderID, reservation.ReasonPaymentFailed)
	}
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("event_type", env.EventType),
		zap.String("order_id", orderID),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.Outcome == reservation.OutcomeAlreadyTerminal && env.EventType == orders.EventPaymentAuthorized {
		// paid after the reservation lapsed; refunding is the gateway's side
		h.log().Warn("payment for order no longer pending", fields...)
		return nil
	}
	h.log().Info("payment event applied", fields...)
	return nil
}

func (h *Handler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}
