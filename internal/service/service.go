// Package service реализует жизненный цикл статуса заказа.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/orderstatus-service/internal/events"
	"github.com/mmeshcher/orderstatus-service/internal/keylock"
	"github.com/mmeshcher/orderstatus-service/internal/model"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateOrderStatus(ctx context.Context, orderID, userEmail string) (*model.OrderStatusRecord, error)
	GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatusRecord, error)
	UpdateStatus(ctx context.Context, orderID string, status model.OrderStatus) (*model.OrderStatusRecord, error)
	TouchOrderStatus(ctx context.Context, orderID string) (*model.OrderStatusRecord, error)
	MarkDelivered(ctx context.Context, orderID string) (*model.OrderStatusRecord, error)
	ListOrderStatuses(ctx context.Context, statuses []model.OrderStatus) ([]model.OrderStatusRecord, error)
	SyncOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error
	DeleteOrder(ctx context.Context, orderID string) error
	GetDeliveryProgress(ctx context.Context, orderID string) (*model.DeliveryProgress, error)
}

// Simulator управляет симуляцией доставки заказов.
type Simulator interface {
	Start(orderID string) error
	Stop(orderID string) bool
	Complete(orderID string)
	Progress(orderID string) (model.DeliveryProgress, bool)
	Shutdown()
}

// Service содержит бизнес-логику переходов статуса заказа.
type Service struct {
	repo   Repository
	sim    Simulator
	pub    events.Publisher
	logger *zap.Logger
	keys   *keylock.Map
}

// NewService создаёт новый сервис.
func NewService(repo Repository, sim Simulator, pub events.Publisher, logger *zap.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		sim:    sim,
		pub:    pub,
		logger: logger,
		keys:   keylock.New(),
	}
}

// Close останавливает симуляции и закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.sim != nil {
		s.sim.Shutdown()
	}
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Confirm подтверждает заказ: создаёт запись в статусе pending, переоткрывает
// отменённый заказ или обновляет время изменения существующей записи.
func (s *Service) Confirm(ctx context.Context, orderID, userEmail string) (*model.OrderStatusRecord, error) {
	unlock := s.keys.Lock(orderID)
	defer unlock()

	rec, err := s.repo.GetOrderStatus(ctx, orderID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		if userEmail == "" {
			return nil, fmt.Errorf("%w: user email is required to confirm order %s", model.ErrInvalidState, orderID)
		}
		rec, err = s.repo.CreateOrderStatus(ctx, orderID, userEmail)
		if errors.Is(err, model.ErrAlreadyExists) {
			rec, err = s.repo.TouchOrderStatus(ctx, orderID)
		}
	case err != nil:
		return nil, err
	case rec.Status == model.OrderStatusCanceled:
		rec, err = s.repo.UpdateStatus(ctx, orderID, model.OrderStatusPending)
	default:
		rec, err = s.repo.TouchOrderStatus(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}

	s.pub.Publish(ctx, model.NewOrderUpdate(orderID, rec.Status))
	s.logger.Info("order confirmed", zap.String("orderId", orderID), zap.String("status", string(rec.Status)))

	return rec, nil
}

// Cancel отменяет заказ и останавливает симуляцию его доставки.
func (s *Service) Cancel(ctx context.Context, orderID string) (*model.OrderStatusRecord, error) {
	unlock := s.keys.Lock(orderID)
	defer unlock()

	rec, err := s.repo.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.Status == model.OrderStatusDelivered {
		return nil, fmt.Errorf("%w: order %s is already delivered", model.ErrInvalidState, orderID)
	}

	rec, err = s.repo.UpdateStatus(ctx, orderID, model.OrderStatusCanceled)
	if err != nil {
		return nil, err
	}

	s.sim.Stop(orderID)
	s.syncOrder(ctx, orderID, rec.Status)
	s.pub.Publish(ctx, model.NewOrderUpdate(orderID, rec.Status))
	s.logger.Info("order canceled", zap.String("orderId", orderID))

	return rec, nil
}

// Accept передаёт заказ в доставку и запускает симуляцию прогресса.
func (s *Service) Accept(ctx context.Context, orderID string) (*model.OrderStatusRecord, error) {
	unlock := s.keys.Lock(orderID)
	defer unlock()

	rec, err := s.repo.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.UserEmail == "" {
		return nil, fmt.Errorf("%w: order %s has no user email", model.ErrInvalidState, orderID)
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, rec.Status)
	}

	prev := rec.Status

	rec, err = s.repo.UpdateStatus(ctx, orderID, model.OrderStatusOnTheWay)
	if err != nil {
		return nil, err
	}

	// без запущенной симуляции заказ не должен оставаться в пути
	if err := s.sim.Start(orderID); err != nil {
		if _, rerr := s.repo.UpdateStatus(ctx, orderID, prev); rerr != nil {
			s.logger.Error("revert order status",
				zap.Error(rerr),
				zap.String("orderId", orderID),
				zap.String("status", string(prev)),
			)
		}
		return nil, fmt.Errorf("start delivery simulation: %w", err)
	}

	s.syncOrder(ctx, orderID, rec.Status)
	s.pub.Publish(ctx, model.NewOrderUpdate(orderID, rec.Status))

	s.logger.Info("order accepted", zap.String("orderId", orderID))
	return rec, nil
}

// MarkDelivered фиксирует доставку заказа после подтверждения кода.
func (s *Service) MarkDelivered(ctx context.Context, orderID string) error {
	unlock := s.keys.Lock(orderID)
	defer unlock()

	rec, err := s.repo.GetOrderStatus(ctx, orderID)
	if err != nil {
		return err
	}
	if rec.Status != model.OrderStatusOnTheWay {
		return fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, rec.Status)
	}

	rec, err = s.repo.MarkDelivered(ctx, orderID)
	if err != nil {
		return err
	}

	s.syncOrder(ctx, orderID, rec.Status)
	s.pub.Publish(ctx, model.NewOrderUpdate(orderID, rec.Status))
	s.sim.Complete(orderID)

	s.logger.Info("order delivered", zap.String("orderId", orderID))
	return nil
}

// Status возвращает текущий статус заказа.
func (s *Service) Status(ctx context.Context, orderID string) (model.OrderStatus, error) {
	rec, err := s.repo.GetOrderStatus(ctx, orderID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// ListActive возвращает заказы в статусах pending, on-the-way и delivered, начиная с последних изменённых.
func (s *Service) ListActive(ctx context.Context) ([]model.OrderStatusRecord, error) {
	return s.repo.ListOrderStatuses(ctx, model.ActiveStatuses)
}

// Progress возвращает прогресс доставки из памяти, иначе сохранённую копию, иначе ноль.
func (s *Service) Progress(ctx context.Context, orderID string) (model.DeliveryProgress, error) {
	if p, ok := s.sim.Progress(orderID); ok {
		return p, nil
	}

	p, err := s.repo.GetDeliveryProgress(ctx, orderID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.DeliveryProgress{OrderID: orderID}, nil
		}
		return model.DeliveryProgress{}, err
	}
	return *p, nil
}

// DeleteOrder удаляет заказ вместе со статусом и прогрессом доставки.
func (s *Service) DeleteOrder(ctx context.Context, orderID string) error {
	unlock := s.keys.Lock(orderID)
	defer unlock()

	if err := s.repo.DeleteOrder(ctx, orderID); err != nil {
		return err
	}

	s.sim.Stop(orderID)
	s.logger.Info("order deleted", zap.String("orderId", orderID))
	return nil
}

func (s *Service) syncOrder(ctx context.Context, orderID string, status model.OrderStatus) {
	if err := s.repo.SyncOrderStatus(ctx, orderID, status); err != nil {
		s.logger.Warn("sync parent order status",
			zap.Error(err),
			zap.String("orderId", orderID),
			zap.String("status", string(status)),
		)
	}
}
