package model

import "errors"

var (
	// ErrNotFound возвращается, если запись о заказе не найдена.
	ErrNotFound = errors.New("order not found")
	// ErrAlreadyExists возвращается при повторном создании записи о статусе.
	ErrAlreadyExists = errors.New("order status already exists")
	// ErrInvalidState возвращается, если операция недопустима для текущего состояния заказа.
	ErrInvalidState = errors.New("operation not allowed in current order state")

	// ErrOTPNotGenerated возвращается, если для заказа нет активного кода.
	ErrOTPNotGenerated = errors.New("otp not generated")
	// ErrOTPExpired возвращается, если срок действия кода истёк.
	ErrOTPExpired = errors.New("otp expired")
	// ErrTooManyAttempts возвращается после исчерпания попыток ввода кода.
	ErrTooManyAttempts = errors.New("too many otp attempts")
	// ErrInvalidOTP возвращается при несовпадении кода.
	ErrInvalidOTP = errors.New("invalid otp")
)
