// Package jobs содержит фоновые задачи сервиса, запускаемые по расписанию.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultSweepSchedule — расписание очистки кодов по умолчанию.
	DefaultSweepSchedule = "@every 1m"

	sweepTimeout = 30 * time.Second
)

// OTPCleaner удаляет коды доставки, истёкшие раньше указанного момента.
type OTPCleaner interface {
	ClearExpiredOTPs(ctx context.Context, before time.Time) (int64, error)
}

// OTPSweepJob периодически удаляет давно истёкшие коды доставки.
type OTPSweepJob struct {
	store     OTPCleaner
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
}

// NewOTPSweepJob создаёт задачу очистки. Коды удаляются, если истекли более retention назад.
func NewOTPSweepJob(store OTPCleaner, retention time.Duration, logger *zap.Logger) *OTPSweepJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTPSweepJob{
		store:     store,
		retention: retention,
		schedule:  DefaultSweepSchedule,
		cron:      cron.New(cron.WithSeconds()),
		logger:    logger.With(zap.String("component", "otp_sweep_job")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start регистрирует задачу в планировщике и запускает его.
func (j *OTPSweepJob) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("otp sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("otp sweep job started", zap.String("schedule", j.schedule))
	return nil
}

// Sweep выполняет одну очистку и возвращает число затронутых заказов.
func (j *OTPSweepJob) Sweep(ctx context.Context) (int64, error) {
	n, err := j.store.ClearExpiredOTPs(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("expired otps cleared", zap.Int64("count", n))
	}
	return n, nil
}

// Stop останавливает планировщик и дожидается завершения выполняющейся очистки.
func (j *OTPSweepJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("otp sweep job stopped")
}
