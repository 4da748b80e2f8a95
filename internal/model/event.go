package model

import "time"

// Имена событий, которые получают подписчики.
const (
	EventOrderUpdate    = "orderUpdate"
	EventProgressUpdate = "progressUpdate"
)

// Event — уведомление об изменении заказа или прогресса его доставки.
type Event struct {
	ID         string      `json:"id,omitempty"`
	Name       string      `json:"event"`
	OrderID    string      `json:"orderId"`
	Status     OrderStatus `json:"status,omitempty"`
	Progress   *int        `json:"progress,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// NewOrderUpdate создаёт событие смены статуса заказа.
func NewOrderUpdate(orderID string, status OrderStatus) Event {
	return Event{
		Name:       EventOrderUpdate,
		OrderID:    orderID,
		Status:     status,
		OccurredAt: time.Now().UTC(),
	}
}

// NewProgressUpdate создаёт событие изменения прогресса доставки.
func NewProgressUpdate(orderID string, progress int) Event {
	return Event{
		Name:       EventProgressUpdate,
		OrderID:    orderID,
		Progress:   &progress,
		OccurredAt: time.Now().UTC(),
	}
}
