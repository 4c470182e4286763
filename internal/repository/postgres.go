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
	"github.com/sethvargo/go-retry"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден по ссылке или идентификатору.
var ErrOrderNotFound = errors.New("order not found")

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

// withRetry повторяет операцию при временных ошибках БД (сбой сериализации,
// дедлок, обрыв соединения) с экспоненциальной задержкой.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
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

const orderColumns = `id, reference, user_id, amount, currency, status, payment_method, paid_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.Reference, &o.UserID, &o.Amount, &o.Currency,
		&status, &o.PaymentMethod, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// FindOrderByReference возвращает заказ по торговому номеру.
func (r *PostgresRepository) FindOrderByReference(ctx context.Context, reference string) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE reference = $1`,
			reference,
		)
		o, err := scanOrder(row)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// FindOrderByID возвращает заказ по внутреннему идентификатору.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, id int64) (*model.Order, error) {
	var order *model.Order

	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
			id,
		)
		o, err := scanOrder(row)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// StatusUpdate содержит поля, записываемые вместе с переходом статуса.
type StatusUpdate struct {
	PaidAt        *time.Time
	PaymentMethod *string
}

// CompareAndSetStatus выполняет условную запись статуса: обновление проходит,
// только если текущий статус заказа всё ещё равен expected. Возвращает признак
// того, что запись состоялась. paid_at записывается не более одного раза.
func (r *PostgresRepository) CompareAndSetStatus(ctx context.Context, id int64, expected, next model.OrderStatus, upd StatusUpdate) (bool, error) {
	var won bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $3,
			     paid_at = COALESCE(paid_at, $4),
			     payment_method = COALESCE($5, payment_method),
			     updated_at = now()
			 WHERE id = $1 AND status = $2`,
			id, string(expected), string(next), upd.PaidAt, upd.PaymentMethod,
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		won = cmdTag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	return won, nil
}

// UpsertPushSubscription сохраняет push-подписку. Повторная регистрация того же
// endpoint обновляет существующую запись, а не создаёт дубликат.
func (r *PostgresRepository) UpsertPushSubscription(ctx context.Context, sub model.PushSubscription) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO push_subscriptions (endpoint, subscriber_id, p256dh, auth)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (endpoint) DO UPDATE
			 SET subscriber_id = EXCLUDED.subscriber_id,
			     p256dh = EXCLUDED.p256dh,
			     auth = EXCLUDED.auth`,
			sub.Endpoint, sub.SubscriberID, sub.P256dh, sub.Auth,
		)
		if err != nil {
			return fmt.Errorf("upsert push subscription: %w", err)
		}
		return nil
	})
}

// DeletePushSubscription удаляет push-подписку по endpoint.
// Удаление несуществующей подписки не является ошибкой.
func (r *PostgresRepository) DeletePushSubscription(ctx context.Context, endpoint string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`DELETE FROM push_subscriptions WHERE endpoint = $1`,
			endpoint,
		)
		if err != nil {
			return fmt.Errorf("delete push subscription: %w", err)
		}
		return nil
	})
}

// ListPushSubscriptions возвращает все сохранённые push-подписки.
func (r *PostgresRepository) ListPushSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var res []model.PushSubscription

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, endpoint, subscriber_id, p256dh, auth, created_at
			 FROM push_subscriptions
			 ORDER BY created_at`,
		)
		if err != nil {
			return fmt.Errorf("select push subscriptions: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var sub model.PushSubscription
			if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.SubscriberID, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
				return fmt.Errorf("scan push subscription: %w", err)
			}
			res = append(res, sub)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}
