// Package hub реализует реестр живых подключений и рассылку событий по ним.
package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/model"
)

// Размер буфера подписчика. Подписчик, не вычитавший буфер к моменту очередной
// рассылки, считается мёртвым и удаляется из реестра.
const subscriberBuffer = 16

// Subscriber представляет одно живое подключение, зарегистрированное в Hub.
type Subscriber struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// Events возвращает канал сериализованных событий подписчика.
func (s *Subscriber) Events() <-chan []byte {
	return s.ch
}

// Done возвращает канал, закрываемый при снятии подписчика с учёта.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Hub владеет множеством зарегистрированных подписчиков и рассылает им события.
// Реестр существует в пределах одного процесса; создаётся при старте и
// закрывается при остановке.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// New создаёт пустой Hub.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Subscribe регистрирует нового подписчика. Если Hub уже закрыт,
// возвращается подписчик с закрытым каналом Done.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ch:   make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.close()
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s
}

// Unsubscribe снимает подписчика с учёта и закрывает его канал Done.
// Повторный вызов безопасен.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()

	s.close()
}

// Len возвращает число зарегистрированных подписчиков.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast сериализует событие один раз и доставляет его всем подписчикам.
// Подписчик, чей буфер переполнен или чьё подключение закрыто, удаляется из
// реестра прямо во время рассылки. Возвращает число успешных доставок.
func (h *Hub) Broadcast(ev model.Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err), zap.String("type", ev.Type))
		return 0
	}

	h.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		select {
		case <-s.done:
			h.Unsubscribe(s)
		case s.ch <- data:
			delivered++
		default:
			h.logger.Warn("dropping dead subscriber", zap.String("event", ev.Type))
			h.Unsubscribe(s)
		}
	}

	return delivered
}

// Close снимает с учёта и закрывает всех подписчиков. После закрытия новые
// подписки не принимаются.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
