// Package model содержит доменные сущности бэк-офиса магазина.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatusPaid            OrderStatus = "PAID"
	OrderStatusProcessing      OrderStatus = "PROCESSING"
	OrderStatusShipped         OrderStatus = "SHIPPED"
	OrderStatusDelivered       OrderStatus = "DELIVERED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// ParseOrderStatus преобразует строку в OrderStatus.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch OrderStatus(s) {
	case OrderStatusAwaitingPayment, OrderStatusPaid, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusFailed:
		return OrderStatus(s), true
	}
	return "", false
}

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusFailed
}

// Order описывает заказ покупателя.
// Reference — торговый номер заказа, которым оперируют шлюз и покупатель;
// он уникален и не совпадает с внутренним идентификатором.
type Order struct {
	ID            int64
	Reference     string
	UserID        int64
	Amount        int64
	Currency      string
	Status        OrderStatus
	PaymentMethod *string
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Notification описывает проверенное уведомление платёжного шлюза.
// Сущность временная: после применения к заказу она не сохраняется.
type Notification struct {
	Reference     string
	Status        OrderStatus
	Amount        int64
	Currency      string
	PaymentMethod string
	ReceivedAt    time.Time
}

// Типы событий, рассылаемых подписчикам.
const (
	EventTypeConnected     = "CONNECTED"
	EventTypeStatusChanged = "STATUS_CHANGED"
)

// Event описывает событие, рассылаемое живым и push-подписчикам.
type Event struct {
	ID        uuid.UUID       `json:"event_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent создаёт событие указанного типа с текущим временем.
func NewEvent(eventType string, data json.RawMessage) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// StatusChangedPayload — полезная нагрузка события STATUS_CHANGED.
type StatusChangedPayload struct {
	OrderID   int64  `json:"orderId"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// PushSubscription описывает долговременную подписку на push-уведомления.
// В отличие от живого подключения, подписка переживает перезапуск процесса.
type PushSubscription struct {
	ID           int64
	Endpoint     string
	SubscriberID *string
	P256dh       string
	Auth         string
	CreatedAt    time.Time
}
