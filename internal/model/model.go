// Package model содержит доменные сущности сервиса статусов заказов.
package model

import "time"

// OrderStatus описывает этап жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOnTheWay  OrderStatus = "on-the-way"
	OrderStatusCanceled  OrderStatus = "canceled"
	OrderStatusDelivered OrderStatus = "delivered"
)

// Terminal сообщает, должен ли симулятор доставки остановиться на этом статусе.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCanceled
}

// Valid проверяет, что статус входит в допустимый набор.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusOnTheWay, OrderStatusCanceled, OrderStatusDelivered:
		return true
	}
	return false
}

// ActiveStatuses перечисляет статусы, которые попадают в общий список заказов.
var ActiveStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusOnTheWay,
	OrderStatusDelivered,
}

// OrderStatusRecord хранит текущее состояние заказа и данные одноразового кода доставки.
type OrderStatusRecord struct {
	OrderID      string
	UserEmail    string
	Status       OrderStatus
	DeliveryOTP  *string
	OTPExpiresAt *time.Time
	OTPAttempts  int
	OTPVerified  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasActiveOTP сообщает, выпущен ли для заказа код, который ещё не погашен.
func (r *OrderStatusRecord) HasActiveOTP() bool {
	return r.DeliveryOTP != nil && *r.DeliveryOTP != "" && r.OTPExpiresAt != nil
}

// ProgressStatus описывает состояние анимации доставки.
type ProgressStatus string

const (
	ProgressRunning   ProgressStatus = "running"
	ProgressPaused    ProgressStatus = "paused"
	ProgressCompleted ProgressStatus = "completed"
)

// MaxProgress — значение прогресса, соответствующее завершённой доставке.
const MaxProgress = 500

// DeliveryProgress — снимок прогресса доставки заказа.
type DeliveryProgress struct {
	OrderID   string
	Progress  int
	Status    ProgressStatus
	UpdatedAt time.Time
}
