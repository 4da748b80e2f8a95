package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/mmeshcher/orderstatus-service/internal/model"
)

// tracker — состояние симуляции одного заказа.
type tracker struct {
	orderID string
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	progress  int
	status    model.ProgressStatus
	ticks     int
	updatedAt time.Time
}

func newTracker(orderID string, progress int, status model.ProgressStatus, cancel context.CancelFunc) *tracker {
	return &tracker{
		orderID:   orderID,
		cancel:    cancel,
		done:      make(chan struct{}),
		progress:  progress,
		status:    status,
		updatedAt: time.Now().UTC(),
	}
}

// halt отменяет горутину трекера и ждёт её завершения.
func (t *tracker) halt() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

func (t *tracker) nextTick() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks++
	return t.ticks
}

// advance увеличивает прогресс не выше limit. Второе значение сообщает о достижении limit.
func (t *tracker) advance(step, limit int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress = min(t.progress+step, limit)
	t.updatedAt = time.Now().UTC()
	if t.progress >= limit {
		t.status = model.ProgressCompleted
		return t.progress, true
	}
	return t.progress, false
}

func (t *tracker) setStatus(status model.ProgressStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.updatedAt = time.Now().UTC()
}

func (t *tracker) snapshot() model.DeliveryProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.DeliveryProgress{
		OrderID:   t.orderID,
		Progress:  t.progress,
		Status:    t.status,
		UpdatedAt: t.updatedAt,
	}
}
