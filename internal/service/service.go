// Package service реализует сверку платёжных уведомлений с состоянием заказов.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/model"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/repository"
)

var (
	// ErrStaleTransition возвращается, когда запрошенный статус уже достигнут
	// или пройден. Для webhook-пути это идемпотентный no-op, не ошибка уровня HTTP.
	ErrStaleTransition = errors.New("stale transition")
	// ErrInvalidTransition возвращается для перехода, запрещённого жизненным
	// циклом заказа (например, прыжок через статус).
	ErrInvalidTransition = errors.New("invalid transition")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	FindOrderByReference(ctx context.Context, reference string) (*model.Order, error)
	FindOrderByID(ctx context.Context, id int64) (*model.Order, error)
	CompareAndSetStatus(ctx context.Context, id int64, expected, next model.OrderStatus, upd repository.StatusUpdate) (bool, error)
	UpsertPushSubscription(ctx context.Context, sub model.PushSubscription) error
	DeletePushSubscription(ctx context.Context, endpoint string) error
	ListPushSubscriptions(ctx context.Context) ([]model.PushSubscription, error)
}

// Broadcaster рассылает событие живым подписчикам. Вместо внутрипроцессного
// реестра сюда можно подставить внешний ретранслятор, не меняя сервис.
type Broadcaster interface {
	Broadcast(ev model.Event) int
}

// PushDispatcher асинхронно доставляет событие по push-подпискам.
type PushDispatcher interface {
	Dispatch(ctx context.Context, ev model.Event)
}

// Разрешённые переходы жизненного цикла заказа.
var allowedTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusAwaitingPayment: {model.OrderStatusPaid, model.OrderStatusCancelled, model.OrderStatusFailed},
	model.OrderStatusPaid:            {model.OrderStatusProcessing, model.OrderStatusCancelled},
	model.OrderStatusProcessing:      {model.OrderStatusShipped, model.OrderStatusCancelled},
	model.OrderStatusShipped:         {model.OrderStatusDelivered},
}

var statusRank = map[model.OrderStatus]int{
	model.OrderStatusAwaitingPayment: 0,
	model.OrderStatusPaid:            1,
	model.OrderStatusProcessing:      2,
	model.OrderStatusShipped:         3,
	model.OrderStatusDelivered:       4,
	model.OrderStatusCancelled:       5,
	model.OrderStatusFailed:          5,
}

// classifyTransition проверяет пару (текущий, запрошенный) по таблице переходов.
// Возвращает nil для разрешённого перехода, ErrStaleTransition для повтора или
// отката и ErrInvalidTransition для запрещённого перехода вперёд.
func classifyTransition(current, target model.OrderStatus) error {
	if current == target {
		return ErrStaleTransition
	}
	if current.IsTerminal() {
		return ErrStaleTransition
	}
	for _, s := range allowedTransitions[current] {
		if s == target {
			return nil
		}
	}
	if statusRank[target] <= statusRank[current] {
		return ErrStaleTransition
	}
	return ErrInvalidTransition
}

// Service применяет уведомления шлюза и ручные команды к заказам и
// инициирует рассылку событий об изменении статуса.
type Service struct {
	repo            Repository
	broadcaster     Broadcaster
	dispatcher      PushDispatcher
	logger          *zap.Logger
	amountTolerance int64
	now             func() time.Time
}

// NewService создаёт сервис сверки платежей.
func NewService(repo Repository, broadcaster Broadcaster, dispatcher PushDispatcher, logger *zap.Logger, amountTolerance int64) *Service {
	return &Service{
		repo:            repo,
		broadcaster:     broadcaster,
		dispatcher:      dispatcher,
		logger:          logger,
		amountTolerance: amountTolerance,
		now:             time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ApplyResult описывает исход применения перехода статуса.
type ApplyResult struct {
	Order *model.Order
	// Transitioned истинен, только если именно этот вызов выполнил запись.
	// Ложное значение означает идемпотентный no-op.
	Transitioned bool
}

// ApplyNotification применяет проверенное уведомление шлюза к заказу.
// Повторное уведомление с тем же целевым статусом завершается успешным
// no-op без дополнительной записи и рассылки. При конкуренции двух
// уведомлений переход выигрывает ровно одно, второе уходит по пути no-op.
func (s *Service) ApplyNotification(ctx context.Context, n *model.Notification) (*ApplyResult, error) {
	order, err := s.repo.FindOrderByReference(ctx, n.Reference)
	if err != nil {
		return nil, err
	}

	if n.Amount > 0 && absDiff(n.Amount, order.Amount) > s.amountTolerance {
		// Расхождение сумм не блокирует переход, но фиксируется для ручной сверки.
		s.logger.Warn("notification amount mismatch",
			zap.String("reference", order.Reference),
			zap.Int64("orderAmount", order.Amount),
			zap.Int64("notificationAmount", n.Amount),
			zap.Int64("tolerance", s.amountTolerance))
	}

	var paymentMethod *string
	if n.PaymentMethod != "" {
		paymentMethod = &n.PaymentMethod
	}

	res, err := s.transition(ctx, order, n.Status, paymentMethod)
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			s.logger.Info("stale notification ignored",
				zap.String("reference", order.Reference),
				zap.String("current", string(res.Order.Status)),
				zap.String("requested", string(n.Status)))
			return res, nil
		}
		return nil, err
	}

	return res, nil
}

// SetOrderStatus применяет переход статуса вручную, минуя проверку подписи.
// Используется операторским контуром; авторизация вызова лежит на нём.
// Таблица переходов общая с webhook-путём.
func (s *Service) SetOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) (*model.Order, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	res, err := s.transition(ctx, order, status, nil)
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			s.logger.Info("manual status change is a no-op",
				zap.Int64("orderID", orderID),
				zap.String("current", string(res.Order.Status)),
				zap.String("requested", string(status)))
			return res.Order, nil
		}
		return nil, err
	}

	return res.Order, nil
}

// GetOrderByReference возвращает заказ по торговому номеру.
func (s *Service) GetOrderByReference(ctx context.Context, reference string) (*model.Order, error) {
	return s.repo.FindOrderByReference(ctx, reference)
}

// RegisterPush сохраняет push-подписку; повторная регистрация обновляет запись.
func (s *Service) RegisterPush(ctx context.Context, sub model.PushSubscription) error {
	return s.repo.UpsertPushSubscription(ctx, sub)
}

// UnregisterPush удаляет push-подписку; удаление отсутствующей — успех.
func (s *Service) UnregisterPush(ctx context.Context, endpoint string) error {
	return s.repo.DeletePushSubscription(ctx, endpoint)
}

// Число попыток условной записи при конкуренции.
const casAttempts = 3

// transition ведёт заказ к целевому статусу через условную запись.
// Проигравший гонку перечитывает заказ и классифицирует переход заново;
// как правило повторная классификация даёт ErrStaleTransition.
// При ErrStaleTransition возвращаемый результат содержит актуальный заказ.
func (s *Service) transition(ctx context.Context, order *model.Order, target model.OrderStatus, paymentMethod *string) (*ApplyResult, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := classifyTransition(order.Status, target); err != nil {
			return &ApplyResult{Order: order}, err
		}

		upd := repository.StatusUpdate{}
		if target == model.OrderStatusPaid {
			paidAt := s.now().UTC()
			upd.PaidAt = &paidAt
			upd.PaymentMethod = paymentMethod
		}

		won, err := s.repo.CompareAndSetStatus(ctx, order.ID, order.Status, target, upd)
		if err != nil {
			return nil, fmt.Errorf("compare and set status: %w", err)
		}

		if !won {
			order, err = s.repo.FindOrderByID(ctx, order.ID)
			if err != nil {
				return nil, err
			}
			continue
		}

		updated := *order
		updated.Status = target
		updated.UpdatedAt = s.now().UTC()
		if upd.PaidAt != nil && updated.PaidAt == nil {
			updated.PaidAt = upd.PaidAt
		}
		if upd.PaymentMethod != nil && updated.PaymentMethod == nil {
			updated.PaymentMethod = upd.PaymentMethod
		}

		s.publishStatusChange(&updated)

		return &ApplyResult{Order: &updated, Transitioned: true}, nil
	}

	return nil, fmt.Errorf("status update contention for order %d", order.ID)
}

// publishStatusChange рассылает событие об изменении статуса живым подписчикам
// и запускает асинхронную доставку по push-подпискам.
func (s *Service) publishStatusChange(order *model.Order) {
	payload, err := json.Marshal(model.StatusChangedPayload{
		OrderID:   order.ID,
		Reference: order.Reference,
		Status:    string(order.Status),
	})
	if err != nil {
		s.logger.Error("marshal status change payload", zap.Error(err))
		return
	}

	ev := model.NewEvent(model.EventTypeStatusChanged, payload)

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(ev)
	}
	if s.dispatcher != nil {
		// Доставка push не должна задерживать ответ шлюзу.
		go s.dispatcher.Dispatch(context.Background(), ev)
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
