package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/model"
)

// Интервал служебных кадров, удерживающих соединение открытым для промежуточных прокси.
const heartbeatInterval = 25 * time.Second

// StreamEvents открывает длительный поток событий (Server-Sent Events).
// Первый кадр — подтверждение подключения; далее кадры `data: {...}`,
// каждый завершается пустой строкой. Регистрация снимается с учёта на любом
// пути выхода: закрытие клиентом, ошибка записи, остановка реестра.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, model.NewEvent(model.EventTypeConnected, nil)); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case data, open := <-sub.Events():
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				h.logger.Debug("subscriber write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
