package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/model"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/repository"
)

// memRepo реализует Repository поверх карты с той же семантикой условной
// записи, что и PostgreSQL-реализация.
type memRepo struct {
	mu     sync.Mutex
	orders map[int64]*model.Order
	byRef  map[string]int64
	subs   map[string]model.PushSubscription

	casCalls int
}

func newMemRepo(orders ...*model.Order) *memRepo {
	r := &memRepo{
		orders: make(map[int64]*model.Order),
		byRef:  make(map[string]int64),
		subs:   make(map[string]model.PushSubscription),
	}
	for _, o := range orders {
		cp := *o
		r.orders[o.ID] = &cp
		r.byRef[o.Reference] = o.ID
	}
	return r
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) FindOrderByReference(ctx context.Context, reference string) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byRef[reference]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *r.orders[id]
	return &cp, nil
}

func (r *memRepo) FindOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memRepo) CompareAndSetStatus(ctx context.Context, id int64, expected, next model.OrderStatus, upd repository.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.casCalls++

	o, ok := r.orders[id]
	if !ok || o.Status != expected {
		return false, nil
	}

	o.Status = next
	if o.PaidAt == nil && upd.PaidAt != nil {
		o.PaidAt = upd.PaidAt
	}
	if o.PaymentMethod == nil && upd.PaymentMethod != nil {
		o.PaymentMethod = upd.PaymentMethod
	}
	o.UpdatedAt = time.Now()
	return true, nil
}

func (r *memRepo) UpsertPushSubscription(ctx context.Context, sub model.PushSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.Endpoint] = sub
	return nil
}

func (r *memRepo) DeletePushSubscription(ctx context.Context, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, endpoint)
	return nil
}

func (r *memRepo) ListPushSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]model.PushSubscription, 0, len(r.subs))
	for _, s := range r.subs {
		res = append(res, s)
	}
	return res, nil
}

func (r *memRepo) order(id int64) model.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.orders[id]
}

type countingBroadcaster struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *countingBroadcaster) Broadcast(ev model.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return 1
}

func (b *countingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func newTestService(t *testing.T, repo Repository, b Broadcaster) *Service {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return NewService(repo, b, nil, logger, 0)
}

func awaitingOrder() *model.Order {
	return &model.Order{
		ID:        100,
		Reference: "ORD-100",
		UserID:    1,
		Amount:    100000,
		Currency:  "IDR",
		Status:    model.OrderStatusAwaitingPayment,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func paidNotification() *model.Notification {
	return &model.Notification{
		Reference:     "ORD-100",
		Status:        model.OrderStatusPaid,
		Amount:        100000,
		Currency:      "IDR",
		PaymentMethod: "QRIS",
		ReceivedAt:    time.Now(),
	}
}

func TestApplyNotification_TransitionsToPaid(t *testing.T) {
	repo := newMemRepo(awaitingOrder())
	b := &countingBroadcaster{}
	svc := newTestService(t, repo, b)

	res, err := svc.ApplyNotification(context.Background(), paidNotification())
	if err != nil {
		t.Fatalf("ApplyNotification error: %v", err)
	}

	if !res.Transitioned {
		t.Fatalf("expected a real transition")
	}
	if res.Order.Status != model.OrderStatusPaid {
		t.Fatalf("status = %q, want PAID", res.Order.Status)
	}
	if res.Order.PaidAt == nil {
		t.Fatalf("paidAt must be set on transition into PAID")
	}
	if res.Order.PaymentMethod == nil || *res.Order.PaymentMethod != "QRIS" {
		t.Fatalf("payment method not recorded: %v", res.Order.PaymentMethod)
	}
	if b.count() != 1 {
		t.Fatalf("broadcasts = %d, want 1", b.count())
	}

	stored := repo.order(100)
	if stored.Status != model.OrderStatusPaid || stored.PaidAt == nil {
		t.Fatalf("stored order not updated: %+v", stored)
	}
}

func TestApplyNotification_ReplayIsIdempotent(t *testing.T) {
	repo := newMemRepo(awaitingOrder())
	b := &countingBroadcaster{}
	svc := newTestService(t, repo, b)

	first, err := svc.ApplyNotification(context.Background(), paidNotification())
	if err != nil {
		t.Fatalf("first ApplyNotification error: %v", err)
	}
	firstPaidAt := *first.Order.PaidAt

	second, err := svc.ApplyNotification(context.Background(), paidNotification())
	if err != nil {
		t.Fatalf("replay must succeed, got %v", err)
	}

	if second.Transitioned {
		t.Fatalf("replay must be a no-op")
	}
	if b.count() != 1 {
		t.Fatalf("broadcasts = %d, want exactly 1", b.count())
	}

	stored := repo.order(100)
	if stored.PaidAt == nil || !stored.PaidAt.Equal(firstPaidAt) {
		t.Fatalf("paidAt changed on replay: %v vs %v", stored.PaidAt, firstPaidAt)
	}
}

func TestApplyNotification_StaleAfterCancellation(t *testing.T) {
	order := awaitingOrder()
	order.Status = model.OrderStatusCancelled
	repo := newMemRepo(order)
	b := &countingBroadcaster{}
	svc := newTestService(t, repo, b)

	res, err := svc.ApplyNotification(context.Background(), paidNotification())
	if err != nil {
		t.Fatalf("stale notification must be acknowledged, got %v", err)
	}
	if res.Transitioned {
		t.Fatalf("cancelled order must not transition")
	}
	if b.count() != 0 {
		t.Fatalf("no broadcast expected, got %d", b.count())
	}
	if got := repo.order(100).Status; got != model.OrderStatusCancelled {
		t.Fatalf("status changed to %q", got)
	}
}

func TestApplyNotification_UnknownReference(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo, &countingBroadcaster{})

	_, err := svc.ApplyNotification(context.Background(), paidNotification())
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestApplyNotification_AmountMismatchDoesNotBlock(t *testing.T) {
	repo := newMemRepo(awaitingOrder())
	svc := newTestService(t, repo, &countingBroadcaster{})

	n := paidNotification()
	n.Amount = 99990

	res, err := svc.ApplyNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("amount mismatch must not block the transition: %v", err)
	}
	if !res.Transitioned {
		t.Fatalf("expected transition despite amount mismatch")
	}
}

func TestApplyNotification_ConcurrentReplays(t *testing.T) {
	const n = 32

	repo := newMemRepo(awaitingOrder())
	b := &countingBroadcaster{}
	svc := newTestService(t, repo, b)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		transitions  int
		noops        int
		unexpectedCh = make(chan error, n)
	)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			res, err := svc.ApplyNotification(context.Background(), paidNotification())
			if err != nil {
				unexpectedCh <- err
				return
			}

			mu.Lock()
			if res.Transitioned {
				transitions++
			} else {
				noops++
			}
			mu.Unlock()
		}()
	}

	close(start)
	wg.Wait()
	close(unexpectedCh)

	for err := range unexpectedCh {
		t.Fatalf("concurrent ApplyNotification error: %v", err)
	}

	if transitions != 1 {
		t.Fatalf("transitions = %d, want exactly 1", transitions)
	}
	if noops != n-1 {
		t.Fatalf("no-ops = %d, want %d", noops, n-1)
	}
	if b.count() != 1 {
		t.Fatalf("broadcasts = %d, want exactly 1", b.count())
	}
}

func TestSetOrderStatus_TransitionTable(t *testing.T) {
	statuses := []model.OrderStatus{
		model.OrderStatusAwaitingPayment,
		model.OrderStatusPaid,
		model.OrderStatusProcessing,
		model.OrderStatusShipped,
		model.OrderStatusDelivered,
		model.OrderStatusCancelled,
		model.OrderStatusFailed,
	}

	allowed := map[model.OrderStatus]map[model.OrderStatus]bool{
		model.OrderStatusAwaitingPayment: {
			model.OrderStatusPaid:      true,
			model.OrderStatusCancelled: true,
			model.OrderStatusFailed:    true,
		},
		model.OrderStatusPaid: {
			model.OrderStatusProcessing: true,
			model.OrderStatusCancelled:  true,
		},
		model.OrderStatusProcessing: {
			model.OrderStatusShipped:   true,
			model.OrderStatusCancelled: true,
		},
		model.OrderStatusShipped: {
			model.OrderStatusDelivered: true,
		},
	}

	for _, current := range statuses {
		for _, target := range statuses {
			if current == target {
				continue
			}

			t.Run(string(current)+"->"+string(target), func(t *testing.T) {
				order := awaitingOrder()
				order.Status = current
				repo := newMemRepo(order)
				b := &countingBroadcaster{}
				svc := newTestService(t, repo, b)

				got, err := svc.SetOrderStatus(context.Background(), order.ID, target)

				switch {
				case allowed[current][target]:
					if err != nil {
						t.Fatalf("allowed transition rejected: %v", err)
					}
					if got.Status != target {
						t.Fatalf("status = %q, want %q", got.Status, target)
					}
					if b.count() != 1 {
						t.Fatalf("broadcasts = %d, want 1", b.count())
					}
				case classifyTransition(current, target) == ErrInvalidTransition:
					if !errors.Is(err, ErrInvalidTransition) {
						t.Fatalf("expected ErrInvalidTransition, got %v", err)
					}
					if repo.order(order.ID).Status != current {
						t.Fatalf("invalid transition must not be applied")
					}
				default:
					// Откат или повтор: no-op с актуальным заказом.
					if err != nil {
						t.Fatalf("stale transition must be a no-op, got %v", err)
					}
					if got.Status != current {
						t.Fatalf("status changed on stale transition: %q", got.Status)
					}
					if b.count() != 0 {
						t.Fatalf("no broadcast expected on no-op")
					}
				}
			})
		}
	}
}

func TestClassifyTransition_BackwardIsStale(t *testing.T) {
	backward := [][2]model.OrderStatus{
		{model.OrderStatusPaid, model.OrderStatusAwaitingPayment},
		{model.OrderStatusProcessing, model.OrderStatusPaid},
		{model.OrderStatusShipped, model.OrderStatusProcessing},
		{model.OrderStatusDelivered, model.OrderStatusPaid},
	}

	for _, pair := range backward {
		if err := classifyTransition(pair[0], pair[1]); !errors.Is(err, ErrStaleTransition) {
			t.Errorf("classifyTransition(%s, %s) = %v, want ErrStaleTransition", pair[0], pair[1], err)
		}
	}
}

func TestClassifyTransition_ForwardSkipIsInvalid(t *testing.T) {
	skips := [][2]model.OrderStatus{
		{model.OrderStatusAwaitingPayment, model.OrderStatusProcessing},
		{model.OrderStatusAwaitingPayment, model.OrderStatusShipped},
		{model.OrderStatusPaid, model.OrderStatusShipped},
		{model.OrderStatusPaid, model.OrderStatusFailed},
		{model.OrderStatusShipped, model.OrderStatusCancelled},
	}

	for _, pair := range skips {
		if err := classifyTransition(pair[0], pair[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("classifyTransition(%s, %s) = %v, want ErrInvalidTransition", pair[0], pair[1], err)
		}
	}
}

func TestSetOrderStatus_CancelPaidOrder(t *testing.T) {
	order := awaitingOrder()
	order.Status = model.OrderStatusPaid
	paidAt := time.Now().Add(-time.Hour)
	order.PaidAt = &paidAt

	repo := newMemRepo(order)
	svc := newTestService(t, repo, &countingBroadcaster{})

	got, err := svc.SetOrderStatus(context.Background(), order.ID, model.OrderStatusCancelled)
	if err != nil {
		t.Fatalf("cancelling a paid order must be allowed: %v", err)
	}
	if got.Status != model.OrderStatusCancelled {
		t.Fatalf("status = %q, want CANCELLED", got.Status)
	}
	if got.PaidAt == nil || !got.PaidAt.Equal(paidAt) {
		t.Fatalf("paidAt must never be cleared: %v", got.PaidAt)
	}
}

func TestRegisterPush_UpsertsByEndpoint(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(t, repo, &countingBroadcaster{})

	ctx := context.Background()
	sub := model.PushSubscription{Endpoint: "https://push.example/ep-1", P256dh: "k1", Auth: "a1"}

	if err := svc.RegisterPush(ctx, sub); err != nil {
		t.Fatalf("RegisterPush error: %v", err)
	}

	sub.P256dh = "k2"
	if err := svc.RegisterPush(ctx, sub); err != nil {
		t.Fatalf("repeated RegisterPush error: %v", err)
	}

	subs, _ := repo.ListPushSubscriptions(ctx)
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1 (upsert)", len(subs))
	}
	if subs[0].P256dh != "k2" {
		t.Fatalf("subscription not updated: %+v", subs[0])
	}

	if err := svc.UnregisterPush(ctx, sub.Endpoint); err != nil {
		t.Fatalf("UnregisterPush error: %v", err)
	}
	if err := svc.UnregisterPush(ctx, sub.Endpoint); err != nil {
		t.Fatalf("repeated UnregisterPush must succeed: %v", err)
	}
}
