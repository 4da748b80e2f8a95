package events

import (
	"context"
	"sync"

	"github.com/mmeshcher/orderstatus-service/internal/model"
)

const defaultSubscriberBuffer = 64

// Hub раздаёт события подписчикам внутри процесса.
// Медленный подписчик с заполненным буфером теряет событие, публикация не блокируется.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan model.Event
	buffer int
	closed bool
}

// NewHub создаёт хаб с буфером указанного размера на каждого подписчика.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[int]chan model.Event),
		buffer: buffer,
	}
}

// Subscribe регистрирует подписчика. Возвращённую функцию нужно вызвать для отписки.
func (h *Hub) Subscribe() (<-chan model.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan model.Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish рассылает событие всем текущим подписчикам.
func (h *Hub) Publish(_ context.Context, ev model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers возвращает количество активных подписчиков.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close закрывает каналы всех подписчиков.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
