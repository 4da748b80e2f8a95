// Package otp выпускает и проверяет одноразовые коды подтверждения доставки.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/orderstatus-service/internal/keylock"
	"github.com/mmeshcher/orderstatus-service/internal/model"
)

// Store описывает хранилище, в котором живёт код доставки заказа.
type Store interface {
	GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatusRecord, error)
	SaveOTP(ctx context.Context, orderID, code string, expiresAt time.Time) error
	IncrementOTPAttempts(ctx context.Context, orderID string, limit int) (int, error)
}

// Notifier отправляет код получателю.
type Notifier interface {
	SendNotification(ctx context.Context, recipient, subject, body string) error
}

// DeliveryConfirmer переводит заказ в delivered после успешной проверки кода.
type DeliveryConfirmer interface {
	MarkDelivered(ctx context.Context, orderID string) error
}

// Config задаёт параметры кодов.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	Digits      int
}

// DefaultConfig возвращает шестизначный код на 5 минут и 5 попыток.
func DefaultConfig() Config {
	return Config{
		TTL:         5 * time.Minute,
		MaxAttempts: 5,
		Digits:      6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Digits <= 0 || c.Digits > 9 {
		c.Digits = d.Digits
	}
	return c
}

// Issuer генерирует коды, отправляет их покупателю и проверяет введённые значения.
type Issuer struct {
	cfg       Config
	store     Store
	notifier  Notifier
	confirmer DeliveryConfirmer
	logger    *zap.Logger
	keys      *keylock.Map

	now    func() time.Time
	random io.Reader
}

// NewIssuer создаёт Issuer.
func NewIssuer(cfg Config, store Store, notifier Notifier, confirmer DeliveryConfirmer, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		cfg:       cfg.withDefaults(),
		store:     store,
		notifier:  notifier,
		confirmer: confirmer,
		logger:    logger,
		keys:      keylock.New(),
		now:       func() time.Time { return time.Now().UTC() },
		random:    rand.Reader,
	}
}

// Generate выпускает новый код для заказа в пути, заменяя предыдущий, и возвращает время его истечения.
func (i *Issuer) Generate(ctx context.Context, orderID string) (time.Time, error) {
	unlock := i.keys.Lock(orderID)
	defer unlock()

	rec, err := i.store.GetOrderStatus(ctx, orderID)
	if err != nil {
		return time.Time{}, err
	}

	if rec.UserEmail == "" {
		return time.Time{}, fmt.Errorf("%w: order %s has no recipient email", model.ErrInvalidState, orderID)
	}
	// подтвердить код можно только у заказа в пути
	if rec.Status != model.OrderStatusOnTheWay {
		return time.Time{}, fmt.Errorf("%w: order %s is %s", model.ErrInvalidState, orderID, rec.Status)
	}

	code, err := i.newCode()
	if err != nil {
		return time.Time{}, fmt.Errorf("generate otp: %w", err)
	}

	expiresAt := i.now().Add(i.cfg.TTL)
	if err := i.store.SaveOTP(ctx, orderID, code, expiresAt); err != nil {
		return time.Time{}, err
	}

	subject, body := message(orderID, code, i.cfg.TTL)
	if err := i.notifier.SendNotification(ctx, rec.UserEmail, subject, body); err != nil {
		i.logger.Warn("failed to send delivery otp",
			zap.String("orderId", orderID),
			zap.Error(err),
		)
	}

	i.logger.Info("delivery otp issued",
		zap.String("orderId", orderID),
		zap.Time("expiresAt", expiresAt),
	)

	return expiresAt, nil
}

// Resend выпускает код заново. Предыдущий код перестаёт действовать.
func (i *Issuer) Resend(ctx context.Context, orderID string) (time.Time, error) {
	return i.Generate(ctx, orderID)
}

// Verify проверяет код и при совпадении подтверждает доставку заказа.
func (i *Issuer) Verify(ctx context.Context, orderID, code string) error {
	unlock := i.keys.Lock(orderID)
	defer unlock()

	rec, err := i.store.GetOrderStatus(ctx, orderID)
	if err != nil {
		return err
	}

	if !rec.HasActiveOTP() {
		return model.ErrOTPNotGenerated
	}
	if i.now().After(*rec.OTPExpiresAt) {
		return model.ErrOTPExpired
	}
	if rec.OTPAttempts >= i.cfg.MaxAttempts {
		return model.ErrTooManyAttempts
	}

	submitted := strings.TrimSpace(code)
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(*rec.DeliveryOTP)) != 1 {
		attempts, err := i.store.IncrementOTPAttempts(ctx, orderID, i.cfg.MaxAttempts)
		if err != nil {
			return err
		}
		i.logger.Info("delivery otp mismatch",
			zap.String("orderId", orderID),
			zap.Int("attempts", attempts),
		)
		return model.ErrInvalidOTP
	}

	return i.confirmer.MarkDelivered(ctx, orderID)
}

func (i *Issuer) newCode() (string, error) {
	limit := big.NewInt(1)
	for range i.cfg.Digits {
		limit.Mul(limit, big.NewInt(10))
	}

	n, err := rand.Int(i.random, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", i.cfg.Digits, n.Int64()), nil
}

func message(orderID, code string, ttl time.Duration) (string, string) {
	subject := fmt.Sprintf("Your delivery OTP - Order %s", orderID)
	body := fmt.Sprintf(
		"Your one-time delivery code for order %s is %s.\nIt expires in %d minutes. Share it with the courier only when you receive the order.",
		orderID, code, int(ttl.Minutes()),
	)
	return subject, body
}
