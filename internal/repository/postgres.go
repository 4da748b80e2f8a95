// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/orderstatus-service/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const orderStatusColumns = `order_id, user_email, status, delivery_otp, otp_expires_at,
	otp_attempts, otp_verified, created_at, updated_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if i == len(delays) || !isRetryable(err) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanOrderStatus(row pgx.Row) (*model.OrderStatusRecord, error) {
	var (
		rec    model.OrderStatusRecord
		status string
	)
	err := row.Scan(
		&rec.OrderID,
		&rec.UserEmail,
		&status,
		&rec.DeliveryOTP,
		&rec.OTPExpiresAt,
		&rec.OTPAttempts,
		&rec.OTPVerified,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.OrderStatus(status)
	return &rec, nil
}

func notFound(err error, orderID string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrNotFound, orderID)
	}
	return err
}

// CreateOrderStatus создаёт запись о статусе заказа в состоянии pending.
func (r *PostgresRepository) CreateOrderStatus(ctx context.Context, orderID, userEmail string) (*model.OrderStatusRecord, error) {
	var rec *model.OrderStatusRecord
	err := r.withRetry(ctx, func() error {
		var err error
		rec, err = scanOrderStatus(r.pool.QueryRow(ctx,
			`INSERT INTO order_status (order_id, user_email, status)
			 VALUES ($1, $2, $3)
			 RETURNING `+orderStatusColumns,
			orderID, userEmail, string(model.OrderStatusPending),
		))
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", model.ErrAlreadyExists, orderID)
		}
		return nil, fmt.Errorf("create order status: %w", err)
	}
	return rec, nil
}

// GetOrderStatus возвращает запись о статусе заказа.
func (r *PostgresRepository) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatusRecord, error) {
	rec, err := scanOrderStatus(r.pool.QueryRow(ctx,
		`SELECT `+orderStatusColumns+` FROM order_status WHERE order_id = $1`,
		orderID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(err, orderID)
		}
		return nil, fmt.Errorf("get order status: %w", err)
	}
	return rec, nil
}

// GetStatus возвращает только текущий статус заказа.
func (r *PostgresRepository) GetStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM order_status WHERE order_id = $1`,
		orderID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", notFound(err, orderID)
		}
		return "", fmt.Errorf("get status: %w", err)
	}
	return model.OrderStatus(status), nil
}

// UpdateStatus меняет статус заказа и возвращает обновлённую запись.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, orderID string, status model.OrderStatus) (*model.OrderStatusRecord, error) {
	var rec *model.OrderStatusRecord
	err := r.withRetry(ctx, func() error {
		var err error
		rec, err = scanOrderStatus(r.pool.QueryRow(ctx,
			`UPDATE order_status SET status = $2, updated_at = now()
			 WHERE order_id = $1
			 RETURNING `+orderStatusColumns,
			orderID, string(status),
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(err, orderID)
		}
		return nil, fmt.Errorf("update status: %w", err)
	}
	return rec, nil
}

// TouchOrderStatus обновляет время изменения записи без смены статуса.
func (r *PostgresRepository) TouchOrderStatus(ctx context.Context, orderID string) (*model.OrderStatusRecord, error) {
	rec, err := scanOrderStatus(r.pool.QueryRow(ctx,
		`UPDATE order_status SET updated_at = now()
		 WHERE order_id = $1
		 RETURNING `+orderStatusColumns,
		orderID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(err, orderID)
		}
		return nil, fmt.Errorf("touch order status: %w", err)
	}
	return rec, nil
}

// SaveOTP записывает новый код доставки, заменяя предыдущий, и сбрасывает счётчик попыток.
func (r *PostgresRepository) SaveOTP(ctx context.Context, orderID, code string, expiresAt time.Time) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE order_status
			 SET delivery_otp = $2, otp_expires_at = $3, otp_attempts = 0,
			     otp_verified = FALSE, updated_at = now()
			 WHERE order_id = $1`,
			orderID, code, expiresAt,
		)
		if err != nil {
			return fmt.Errorf("save otp: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", model.ErrNotFound, orderID)
		}
		return nil
	})
}

// IncrementOTPAttempts увеличивает счётчик неудачных попыток, но не выше limit.
func (r *PostgresRepository) IncrementOTPAttempts(ctx context.Context, orderID string, limit int) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		`UPDATE order_status
		 SET otp_attempts = LEAST(otp_attempts + 1, $2), updated_at = now()
		 WHERE order_id = $1
		 RETURNING otp_attempts`,
		orderID, limit,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, notFound(err, orderID)
		}
		return 0, fmt.Errorf("increment otp attempts: %w", err)
	}
	return attempts, nil
}

// MarkDelivered переводит заказ в delivered и гасит код доставки.
func (r *PostgresRepository) MarkDelivered(ctx context.Context, orderID string) (*model.OrderStatusRecord, error) {
	var rec *model.OrderStatusRecord
	err := r.withRetry(ctx, func() error {
		var err error
		rec, err = scanOrderStatus(r.pool.QueryRow(ctx,
			`UPDATE order_status
			 SET status = $2, otp_verified = TRUE, delivery_otp = NULL,
			     otp_expires_at = NULL, updated_at = now()
			 WHERE order_id = $1
			 RETURNING `+orderStatusColumns,
			orderID, string(model.OrderStatusDelivered),
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(err, orderID)
		}
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return rec, nil
}

// ListOrderStatuses возвращает записи с указанными статусами, начиная с последних изменённых.
func (r *PostgresRepository) ListOrderStatuses(ctx context.Context, statuses []model.OrderStatus) ([]model.OrderStatusRecord, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+orderStatusColumns+`
		 FROM order_status
		 WHERE status = ANY($1)
		 ORDER BY updated_at DESC`,
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("select order statuses: %w", err)
	}
	defer rows.Close()

	var res []model.OrderStatusRecord
	for rows.Next() {
		rec, err := scanOrderStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order status: %w", err)
		}
		res = append(res, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SyncOrderStatus копирует статус в запись самого заказа.
func (r *PostgresRepository) SyncOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		orderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("sync order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, orderID)
	}
	return nil
}

// DeleteOrder удаляет заказ вместе с его статусом и прогрессом доставки.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, orderID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	orderTag, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}

	statusTag, err := tx.Exec(ctx, `DELETE FROM order_status WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("delete order status: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM delivery_progress WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("delete delivery progress: %w", err)
	}

	if orderTag.RowsAffected() == 0 && statusTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, orderID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// SaveDeliveryProgress сохраняет снимок прогресса доставки.
func (r *PostgresRepository) SaveDeliveryProgress(ctx context.Context, p model.DeliveryProgress) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO delivery_progress (order_id, progress, status, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (order_id) DO UPDATE
		 SET progress = EXCLUDED.progress, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		p.OrderID, p.Progress, string(p.Status), updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save delivery progress: %w", err)
	}
	return nil
}

// GetDeliveryProgress возвращает сохранённый прогресс доставки.
func (r *PostgresRepository) GetDeliveryProgress(ctx context.Context, orderID string) (*model.DeliveryProgress, error) {
	var (
		p      model.DeliveryProgress
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT order_id, progress, status, updated_at FROM delivery_progress WHERE order_id = $1`,
		orderID,
	).Scan(&p.OrderID, &p.Progress, &status, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(err, orderID)
		}
		return nil, fmt.Errorf("get delivery progress: %w", err)
	}
	p.Status = model.ProgressStatus(status)
	return &p, nil
}

// ClearExpiredOTPs удаляет коды, срок действия которых истёк раньше before.
func (r *PostgresRepository) ClearExpiredOTPs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE order_status
		 SET delivery_otp = NULL, otp_expires_at = NULL, updated_at = now()
		 WHERE delivery_otp IS NOT NULL AND otp_expires_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("clear expired otps: %w", err)
	}
	return tag.RowsAffected(), nil
}
