// Package handler содержит HTTP-обработчики API бэк-офиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/gateway"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/hub"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/middleware"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/model"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/repository"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/service"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ApplyNotification(ctx context.Context, n *model.Notification) (*service.ApplyResult, error)
	SetOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) (*model.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (*model.Order, error)
	RegisterPush(ctx context.Context, sub model.PushSubscription) error
	UnregisterPush(ctx context.Context, endpoint string) error
}

// Verifier проверяет подлинность callback-запросов платёжного шлюза.
type Verifier interface {
	Verify(header http.Header, body []byte) (*model.Notification, error)
}

// EventHub предоставляет реестр живых подключений.
type EventHub interface {
	Subscribe() *hub.Subscriber
	Unsubscribe(s *hub.Subscriber)
	Broadcast(ev model.Event) int
}

// Handler реализует HTTP-обработчики API бэк-офиса.
type Handler struct {
	service       Service
	verifier      Verifier
	hub           EventHub
	logger        *zap.Logger
	tokenVerifier *middleware.TokenVerifier
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, v Verifier, h EventHub, logger *zap.Logger, tokens *middleware.TokenVerifier) *Handler {
	return &Handler{
		service:       s,
		verifier:      v,
		hub:           h,
		logger:        logger,
		tokenVerifier: tokens,
	}
}

const maxWebhookBody = 1 << 20

// PaymentWebhook принимает callback платёжного шлюза. Подпись проверяется до
// любого обращения к хранилищу; идемпотентный повтор подтверждается кодом 200,
// чтобы шлюз прекратил повторные попытки.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	n, err := h.verifier.Verify(r.Header, body)
	if err != nil {
		if errors.Is(err, gateway.ErrAuthentication) {
			h.logger.Warn("webhook authentication failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ApplyNotification(r.Context(), n)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			h.logger.Warn("webhook for unknown order", zap.String("reference", n.Reference))
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidTransition):
			h.logger.Error("webhook requested invalid transition",
				zap.String("reference", n.Reference),
				zap.String("requested", string(n.Status)))
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("webhook processing error",
				zap.Error(err),
				zap.String("reference", n.Reference),
				zap.String("requested", string(n.Status)))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	if !res.Transitioned {
		h.logger.Info("webhook acknowledged as idempotent no-op",
			zap.String("reference", n.Reference))
	}

	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

type setStatusRequest struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

type orderResponse struct {
	OrderID       int64   `json:"orderId"`
	Reference     string  `json:"reference"`
	Amount        int64   `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
	PaymentMethod *string `json:"paymentMethod,omitempty"`
	PaidAt        *string `json:"paidAt,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		OrderID:       o.ID,
		Reference:     o.Reference,
		Amount:        o.Amount,
		Currency:      o.Currency,
		Status:        string(o.Status),
		PaymentMethod: o.PaymentMethod,
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
	if o.PaidAt != nil {
		paidAt := o.PaidAt.Format(time.RFC3339)
		resp.PaidAt = &paidAt
	}
	return resp
}

// SetOrderStatus применяет переход статуса вручную, минуя webhook-путь.
func (h *Handler) SetOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status, ok := model.ParseOrderStatus(req.Status)
	if !ok || req.OrderID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.SetOrderStatus(r.Context(), req.OrderID, status)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidTransition):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("manual status change error",
				zap.Error(err),
				zap.Int64("orderID", req.OrderID),
				zap.String("requested", req.Status))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"order":   toOrderResponse(order),
	})
}

// GetOrder возвращает заказ по торговому номеру. Клиенты потоковой подписки
// перечитывают состояние через этот маршрут после переподключения.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if !validation.IsValidReference(reference) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrderByReference(r.Context(), reference)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("reference", reference))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type broadcastRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// BroadcastEvent вбрасывает событие в реестр живых подключений. Используется
// внутренними инициаторами (например, обработчиками смены настроек магазина).
func (h *Handler) BroadcastEvent(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Type == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	n := h.hub.Broadcast(model.NewEvent(req.Type, req.Data))

	writeJSON(w, http.StatusOK, map[string]int{"subscribers": n})
}

type pushSubscribeRequest struct {
	Endpoint     string `json:"endpoint"`
	SubscriberID string `json:"subscriberId"`
	Keys         struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushSubscribe регистрирует push-подписку. Повторная регистрация того же
// endpoint обновляет запись.
func (h *Handler) PushSubscribe(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Endpoint == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sub := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if req.SubscriberID != "" {
		sub.SubscriberID = &req.SubscriberID
	}

	if err := h.service.RegisterPush(r.Context(), sub); err != nil {
		h.logger.Error("register push error", zap.Error(err), zap.String("endpoint", req.Endpoint))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// PushUnsubscribe удаляет push-подписку. Отсутствующий endpoint — тоже успех.
func (h *Handler) PushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req pushUnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Endpoint == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UnregisterPush(r.Context(), req.Endpoint); err != nil {
		h.logger.Error("unregister push error", zap.Error(err), zap.String("endpoint", req.Endpoint))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
