// Package events доставляет уведомления о заказах подписчикам.
package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/mmeshcher/orderstatus-service/internal/model"
)

// Publisher отправляет событие без гарантии доставки.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// Multi рассылает событие всем вложенным публикаторам по очереди.
type Multi []Publisher

// Publish передаёт событие каждому публикатору. Все получатели видят один и тот же ID.
func (m Multi) Publish(ctx context.Context, ev model.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Nop отбрасывает все события.
type Nop struct{}

// Publish ничего не делает.
func (Nop) Publish(context.Context, model.Event) {}
