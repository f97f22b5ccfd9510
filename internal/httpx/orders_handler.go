package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/ariefcatur/order-reservations/internal/reservation"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	msgCancelled      = "your order was cancelled"
	msgNotCancellable = "this order can no longer be cancelled"
	msgConfirmed      = "your order was confirmed"
	msgNotConfirmable = "this order can no longer be confirmed"
)

type OrdersHandler struct {
	Service       *reservation.Service
	WatchInterval time.Duration
	Log           *zap.Logger

	streamsOnce sync.Once
	streamsDone chan struct{}
	closeOnce   sync.Once
}

func (h *OrdersHandler) streams() chan struct{} {
	h.streamsOnce.Do(func() { h.streamsDone = make(chan struct{}) })
	return h.streamsDone
}

// CloseStreams ends every open watch stream. http.Server.Shutdown does not
// interrupt long-lived responses, so register this with RegisterOnShutdown.
func (h *OrdersHandler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streams()) })
}

type CreateOrderReq struct {
	Items              []inventory.Line `json:"items"`
	ReservationSeconds int64            `json:"reservation_seconds"`
}

type CancelOrderReq struct {
	Reason string `json:"reason"`
}

type BulkCancelReq struct {
	OrderIDs []string `json:"order_ids"`
	Reason   string   `json:"reason"`
}

type AdvanceReq struct {
	Status orders.Status `json:"status"`
}

type OutcomeResp struct {
	Outcome reservation.Outcome `json:"outcome"`
	Message string              `json:"message"`
	Order   *orders.Order       `json:"order,omitempty"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/confirm", h.confirmOrder)
	r.Get("/orders/{id}/watch", h.watchOrder)

	r.Route("/admin/orders", func(r chi.Router) {
		r.Post("/cancel", h.bulkCancel)
		r.Post("/{id}/status", h.advanceOrder)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (h *OrdersHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.log().Error("request failed", zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "missing items")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.CreateOrder(ctx, req.Items, reservation.WindowSeconds(req.ReservationSeconds))
	var ise *inventory.InsufficientStockError
	switch {
	case errors.As(err, &ise):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient stock",
			"product_id": ise.ProductID,
			"requested":  ise.Requested,
			"available":  ise.Available,
		})
	case errors.Is(err, inventory.ErrProductNotFound),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrNoLines):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, o)
	}
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.GetOrderStatus(ctx, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "user"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Service.CancelOrder(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeOutcome(w, res, orders.StatusCancelled, msgCancelled, msgNotCancellable)
}

func (h *OrdersHandler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Service.ConfirmOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeOutcome(w, res, orders.StatusConfirmed, msgConfirmed, msgNotConfirmable)
}

// writeOutcome collapses races for the buyer: if another actor already moved
// the order to want, the answer is the same as if this call had done it.
func (h *OrdersHandler) writeOutcome(w http.ResponseWriter, res reservation.Result, want orders.Status, okMsg, terminalMsg string) {
	switch {
	case res.Outcome == reservation.OutcomeNotFound:
		writeError(w, http.StatusNotFound, "not found")
	case res.Outcome == reservation.OutcomeAlreadyTerminal && (res.Order == nil || res.Order.Status != want):
		writeJSON(w, http.StatusConflict, OutcomeResp{Outcome: res.Outcome, Message: terminalMsg, Order: res.Order})
	default:
		writeJSON(w, http.StatusOK, OutcomeResp{Outcome: res.Outcome, Message: okMsg, Order: res.Order})
	}
}

// watchOrder streams status snapshots as server-sent events until the order
// reaches a terminal status or the client goes away.
func (h *OrdersHandler) watchOrder(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	interval := h.WatchInterval
	if s := r.URL.Query().Get("interval"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 100*time.Millisecond {
			writeError(w, http.StatusBadRequest, "invalid interval")
			return
		}
		interval = d
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.streams():
			cancel()
		case <-ctx.Done():
		}
	}()

	ch, err := h.Service.WatchOrder(ctx, chi.URLParam(r, "id"), interval)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	for o := range ch {
		b, err := json.Marshal(o)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", b); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *OrdersHandler) bulkCancel(w http.ResponseWriter, r *http.Request) {
	var req BulkCancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.OrderIDs) == 0 {
		writeError(w, http.StatusBadRequest, "missing order_ids")
		return
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	writeJSON(w, http.StatusOK, map[string]any{"results": h.Service.CancelMany(ctx, req.OrderIDs, req.Reason)})
}

func (h *OrdersHandler) advanceOrder(w http.ResponseWriter, r *http.Request) {
	var req AdvanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.AdvanceOrder(ctx, chi.URLParam(r, "id"), req.Status)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, reservation.ErrStatusChanged):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "order": o})
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}
