package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/idempotency"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/orders"
)

const (
	// IdempotencyKeyHeader — заголовок ключа идемпотентности.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader выставляется на ответах, взятых из хранилища ключей.
	IdempotentReplayHeader = "Idempotent-Replayed"

	createOrderOperation = "POST /orders"
)

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := orderFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.services.Orders.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(list, newOrderResponse))
}

// createOrder создаёт заказ. С Idempotency-Key повтор с тем же телом
// получает сохранённый ответ.
func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	raw := r.Header.Get(IdempotencyKeyHeader)
	guard := s.services.Idempotency
	if strings.TrimSpace(raw) == "" || guard == nil {
		_ = s.doCreateOrder(w, r, body)
		return
	}

	user, _ := UserFromContext(r.Context())
	key, err := domain.NewIdempotencyKey(user.ID, raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	replay, err := guard.Begin(r.Context(), key, idempotency.Fingerprint(createOrderOperation, body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if replay != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(IdempotentReplayHeader, "true")
		w.WriteHeader(replay.StatusCode)
		_, _ = w.Write(replay.Body)
		return
	}

	buffered := newBufferedResponse()
	err = s.doCreateOrder(buffered, r, body)
	// Ключ обновляется, даже если клиент уже отключился.
	storeCtx := context.WithoutCancel(r.Context())
	if idempotency.Retryable(err) {
		guard.Release(storeCtx, key)
	} else {
		guard.Complete(storeCtx, key, buffered.status, buffered.body.Bytes())
	}
	buffered.flush(w)
}

// doCreateOrder пишет ответ в w и возвращает ошибку создания, если она была.
func (s *Server) doCreateOrder(w http.ResponseWriter, r *http.Request, body []byte) error {
	var req createOrderRequest
	if err := decodeJSON(body, &req); err != nil {
		s.writeError(w, r, err)
		return err
	}

	order, err := s.services.Orders.Create(r.Context(), orders.CreateOrderInput{
		ClientID:   req.ClientID,
		ProductIDs: req.ProductIDs,
		Status:     req.Status,
	})
	if err != nil {
		s.writeError(w, r, err)
		return err
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(order))
	return nil
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.services.Orders.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

func (s *Server) updateOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateOrderRequest
	if err := decodeRequest(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	update := domain.OrderUpdate{ProductIDs: req.ProductIDs}
	if req.Status != nil {
		status, err := domain.ParseOrderStatus(*req.Status)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		update.Status = &status
	}

	order, err := s.services.Orders.Update(r.Context(), id, update)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

func (s *Server) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.services.Orders.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
