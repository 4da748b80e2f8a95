// Package delivery симулирует движение курьера и публикует прогресс доставки заказов.
//
// Для каждого заказа в статусе "on-the-way" работает одна горутина-супервизор. Она владеет
// тикером и таймером потолка, поэтому остановка супервизора освобождает оба. Состояние
// супервизора переходит running → paused → running при срабатывании потолка и завершается
// при терминальном статусе заказа, достижении максимума или явной остановке.
package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/orderstatus-service/internal/events"
	"github.com/mmeshcher/orderstatus-service/internal/keylock"
	"github.com/mmeshcher/orderstatus-service/internal/model"
)

// ErrClosed возвращается при запуске симуляции после остановки симулятора.
var ErrClosed = errors.New("delivery simulator is shut down")

const storeTimeout = 3 * time.Second

// StatusReader читает актуальный статус заказа из хранилища.
type StatusReader interface {
	GetStatus(ctx context.Context, orderID string) (model.OrderStatus, error)
}

// ProgressStore сохраняет копию прогресса доставки.
type ProgressStore interface {
	SaveDeliveryProgress(ctx context.Context, p model.DeliveryProgress) error
}

// Config задаёт параметры симуляции.
type Config struct {
	// TickInterval — период увеличения прогресса.
	TickInterval time.Duration
	// Step — прирост прогресса за один тик.
	Step int
	// SampleEvery — статус заказа сверяется с хранилищем на каждом SampleEvery-м тике.
	SampleEvery int
	// Ceiling — через это время цикл тиков приостанавливается и перезапускается.
	Ceiling time.Duration
	// RestartDelay — пауза перед перезапуском после потолка.
	RestartDelay time.Duration
}

// DefaultConfig возвращает параметры: тик 1 с, шаг 2, сверка на каждом тике,
// потолок 15 минут, пауза перед перезапуском 1 с.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		Step:         2,
		SampleEvery:  1,
		Ceiling:      15 * time.Minute,
		RestartDelay: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.Step <= 0 {
		c.Step = d.Step
	}
	if c.SampleEvery <= 0 {
		c.SampleEvery = d.SampleEvery
	}
	if c.Ceiling <= 0 {
		c.Ceiling = d.Ceiling
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	return c
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeCeiling
	outcomeTerminal
	outcomeCompleted
	outcomeStopped
)

// Simulator — реестр активных симуляций доставки.
type Simulator struct {
	cfg      Config
	statuses StatusReader
	store    ProgressStore
	pub      events.Publisher
	logger   *zap.Logger

	keys *keylock.Map

	mu       sync.Mutex
	trackers map[string]*tracker
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	running    atomic.Int64
}

// NewSimulator создаёт симулятор. store может быть nil, тогда прогресс живёт только в памяти.
func NewSimulator(cfg Config, statuses StatusReader, store ProgressStore, pub events.Publisher, logger *zap.Logger) *Simulator {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Simulator{
		cfg:        cfg.withDefaults(),
		statuses:   statuses,
		store:      store,
		pub:        pub,
		logger:     logger.With(zap.String("component", "delivery_simulator")),
		keys:       keylock.New(),
		trackers:   make(map[string]*tracker),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Start запускает симуляцию для заказа. Уже работающая симуляция этого заказа
// останавливается, новая продолжает с её прогресса.
func (s *Simulator) Start(orderID string) error {
	unlock := s.keys.Lock(orderID)
	defer unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.trackers[orderID]
	s.mu.Unlock()

	resume := 0
	if prev != nil {
		prev.halt()
		s.mu.Lock()
		// тикер мог сам удалиться, увидев терминальный статус
		if s.trackers[orderID] == prev {
			resume = prev.snapshot().Progress
		}
		s.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	t := newTracker(orderID, resume, model.ProgressRunning, cancel)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	s.trackers[orderID] = t
	s.running.Add(1)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, t)

	s.mirror(t)
	s.logger.Info("delivery simulation started", zap.String("orderId", orderID), zap.Int("progress", resume))

	return nil
}

// Stop останавливает симуляцию и удаляет её состояние. Возвращает false, если симуляции не было.
func (s *Simulator) Stop(orderID string) bool {
	unlock := s.keys.Lock(orderID)
	defer unlock()

	s.mu.Lock()
	t := s.trackers[orderID]
	s.mu.Unlock()

	if t == nil {
		return false
	}

	t.halt()

	s.mu.Lock()
	if s.trackers[orderID] == t {
		delete(s.trackers, orderID)
	}
	s.mu.Unlock()

	s.logger.Info("delivery simulation stopped", zap.String("orderId", orderID))
	return true
}

// Complete останавливает тики и фиксирует прогресс на максимуме.
// Используется, когда код доставки подтверждён раньше, чем анимация дошла до конца.
// Если прогресс сохранён в хранилище, состояние в памяти удаляется; без хранилища
// завершённый прогресс остаётся в памяти до Stop.
func (s *Simulator) Complete(orderID string) {
	unlock := s.keys.Lock(orderID)
	defer unlock()

	s.mu.Lock()
	t := s.trackers[orderID]
	s.mu.Unlock()

	if t != nil {
		t.halt()
	}

	final := newTracker(orderID, model.MaxProgress, model.ProgressCompleted, nil)
	close(final.done)

	s.mu.Lock()
	s.trackers[orderID] = final
	s.mu.Unlock()

	s.pub.Publish(context.Background(), model.NewProgressUpdate(orderID, model.MaxProgress))

	// после записи в хранилище прогресс читается оттуда
	if s.mirror(final) {
		s.discard(final)
	}

	s.logger.Info("delivery simulation completed", zap.String("orderId", orderID))
}

// Progress возвращает прогресс заказа, если он отслеживается в памяти.
func (s *Simulator) Progress(orderID string) (model.DeliveryProgress, bool) {
	s.mu.Lock()
	t := s.trackers[orderID]
	s.mu.Unlock()

	if t == nil {
		return model.DeliveryProgress{OrderID: orderID}, false
	}
	return t.snapshot(), true
}

// Active сообщает, работает ли для заказа цикл тиков.
func (s *Simulator) Active(orderID string) bool {
	s.mu.Lock()
	t := s.trackers[orderID]
	s.mu.Unlock()

	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Running возвращает количество работающих горутин симуляции.
func (s *Simulator) Running() int {
	return int(s.running.Load())
}

// Shutdown останавливает все симуляции и дожидается завершения их горутин.
func (s *Simulator) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()
	s.wg.Wait()

	s.logger.Info("delivery simulator shut down")
}

func (s *Simulator) run(ctx context.Context, t *tracker) {
	defer s.wg.Done()
	defer close(t.done)
	defer s.running.Add(-1)

	for {
		t.setStatus(model.ProgressRunning)

		switch s.tickUntilCeiling(ctx, t) {
		case outcomeCeiling:
			t.setStatus(model.ProgressPaused)
			s.mirror(t)
			s.logger.Info("delivery ceiling reached, pausing before restart",
				zap.String("orderId", t.orderID),
				zap.Int("progress", t.snapshot().Progress),
			)

			timer := time.NewTimer(s.cfg.RestartDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		default:
			return
		}
	}
}

func (s *Simulator) tickUntilCeiling(ctx context.Context, t *tracker) outcome {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	ceiling := time.NewTimer(s.cfg.Ceiling)
	defer ceiling.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcomeStopped
		case <-ceiling.C:
			return outcomeCeiling
		case <-ticker.C:
			if o := s.tick(ctx, t); o != outcomeContinue {
				return o
			}
		}
	}
}

// tick выполняет один шаг симуляции.
func (s *Simulator) tick(ctx context.Context, t *tracker) outcome {
	n := t.nextTick()

	if n%s.cfg.SampleEvery == 0 {
		status, err := s.readStatus(ctx, t.orderID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			s.discard(t)
			s.logger.Info("delivery stopped, order status missing", zap.String("orderId", t.orderID))
			return outcomeTerminal
		case err != nil:
			if ctx.Err() != nil {
				return outcomeStopped
			}
			s.logger.Warn("read order status during tick", zap.Error(err), zap.String("orderId", t.orderID))
			return outcomeContinue
		case status.Terminal():
			s.discard(t)
			s.logger.Info("delivery stopped",
				zap.String("orderId", t.orderID),
				zap.String("status", string(status)),
			)
			return outcomeTerminal
		}
	}

	progress, completed := t.advance(s.cfg.Step, model.MaxProgress)
	s.pub.Publish(ctx, model.NewProgressUpdate(t.orderID, progress))

	if completed {
		if s.mirror(t) {
			s.discard(t)
		}
		s.logger.Info("delivery progress reached maximum", zap.String("orderId", t.orderID))
		return outcomeCompleted
	}

	return outcomeContinue
}

func (s *Simulator) readStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return s.statuses.GetStatus(ctx, orderID)
}

func (s *Simulator) discard(t *tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trackers[t.orderID] == t {
		delete(s.trackers, t.orderID)
	}
}

// mirror сохраняет снимок прогресса и сообщает, удалось ли это.
func (s *Simulator) mirror(t *tracker) bool {
	if s.store == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	snap := t.snapshot()
	if err := s.store.SaveDeliveryProgress(ctx, snap); err != nil {
		s.logger.Warn("save delivery progress",
			zap.Error(err),
			zap.String("orderId", snap.OrderID),
			zap.Int("progress", snap.Progress),
		)
		return false
	}
	return true
}
