// Package push реализует асинхронную доставку событий по долговременным push-подпискам.
package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/model"
)

// SubscriptionStore описывает контракт хранилища push-подписок.
type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context) ([]model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

// Dispatcher доставляет события на endpoint каждой сохранённой подписки.
// Временные сбои повторяются ограниченное число раз; endpoint, ответивший
// 404 или 410, считается навсегда недоступным, и его подписка удаляется.
type Dispatcher struct {
	store  SubscriptionStore
	client *retryablehttp.Client
	logger *zap.Logger
}

// NewDispatcher создаёт Dispatcher с указанным числом повторов для временных сбоев.
func NewDispatcher(store SubscriptionStore, logger *zap.Logger, retryMax int) *Dispatcher {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Dispatcher{
		store:  store,
		client: client,
		logger: logger,
	}
}

// Dispatch рассылает событие по всем подпискам. Отказ одного endpoint не
// мешает доставке остальным. Возврат происходит после завершения всех попыток.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.Event) {
	subs, err := d.store.ListPushSubscriptions(ctx)
	if err != nil {
		d.logger.Error("list push subscriptions", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("marshal push payload", zap.Error(err), zap.String("type", ev.Type))
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub model.PushSubscription) {
			defer wg.Done()
			d.deliver(ctx, sub, payload)
		}(sub)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub model.PushSubscription, payload []byte) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, payload)
	if err != nil {
		d.logger.Error("build push request", zap.Error(err), zap.String("endpoint", sub.Endpoint))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		// Повторы временных сбоев исчерпаны.
		d.logger.Warn("push delivery failed", zap.Error(err), zap.String("endpoint", sub.Endpoint))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		d.logger.Info("push subscription expired, removing",
			zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
		if err := d.store.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
			d.logger.Error("delete expired push subscription", zap.Error(err), zap.String("endpoint", sub.Endpoint))
		}
	case resp.StatusCode >= http.StatusMultipleChoices:
		d.logger.Warn("push delivery rejected",
			zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
	}
}
