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

	"github.com/mmeshcher/settee-billing/internal/model"
	"github.com/mmeshcher/settee-billing/internal/ticket"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим handle.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientCredit возвращается при нехватке кредитов лайков.
	ErrInsufficientCredit = errors.New("insufficient like credit")
	// ErrInsufficientPoints возвращается при нехватке баллов на обмен тикета.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrUnknownTicketCode возвращается при неизвестном коде тикета.
	ErrUnknownTicketCode = errors.New("unknown ticket code")
	// ErrTicketNotFound возвращается, если тикет не найден у пользователя.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTicketAlreadyUsed возвращается при повторном использовании тикета.
	ErrTicketAlreadyUsed = errors.New("ticket already used")
	// ErrTicketExpired возвращается, если срок тикета истёк до использования.
	ErrTicketExpired = errors.New("ticket expired")
	// ErrTransactionNotFound возвращается, если внешняя транзакция неизвестна.
	ErrTransactionNotFound = errors.New("store transaction not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
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

	r := &PostgresRepository{pool: pool, now: time.Now}

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

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя со свежим счётом прав.
func (r *PostgresRepository) CreateUser(ctx context.Context, handle string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (handle, password_hash) VALUES ($1, $2) RETURNING id`,
		handle, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, handle)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByHandle возвращает пользователя по его handle.
func (r *PostgresRepository) GetUserByHandle(ctx context.Context, handle string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, handle, password_hash, created_at FROM users WHERE handle = $1`,
		handle,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Handle, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

const entitlementColumns = `points,
	normal_like_remaining, normal_like_reset_at,
	super_like_credits, treat_like_credits, message_like_credits,
	bonus_super_like_credits, bonus_treat_like_credits, bonus_message_like_credits,
	plus_until, vip_until, boost_until, private_mode_until,
	vip_counters_month, refine_unlocked`

// lockEntitlement блокирует строку пользователя и читает счёт прав под замком.
// Каждое чтение, предшествующее изменению, обязано проходить через эту блокировку.
func (r *PostgresRepository) lockEntitlement(ctx context.Context, tx pgx.Tx, userID int64) (*model.Entitlement, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	)

	e := &model.Entitlement{UserID: userID}
	var countersMonth *int
	err := row.Scan(
		&e.Points,
		&e.NormalLikeRemaining, &e.NormalLikeResetAt,
		&e.SuperLikeCredits, &e.TreatLikeCredits, &e.MessageLikeCredits,
		&e.BonusSuperLikeCredits, &e.BonusTreatLikeCredits, &e.BonusMessageLikeCredits,
		&e.PlusUntil, &e.VIPUntil, &e.BoostUntil, &e.PrivateModeUntil,
		&countersMonth, &e.RefineUnlocked,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock entitlement: %w", err)
	}
	if countersMonth != nil {
		e.VIPCountersMonth = *countersMonth
	}

	return e, nil
}

func entitlementValue(e *model.Entitlement, column string) any {
	switch column {
	case "points":
		return e.Points
	case "normal_like_remaining":
		return e.NormalLikeRemaining
	case "normal_like_reset_at":
		return e.NormalLikeResetAt
	case "super_like_credits":
		return e.SuperLikeCredits
	case "treat_like_credits":
		return e.TreatLikeCredits
	case "message_like_credits":
		return e.MessageLikeCredits
	case "bonus_super_like_credits":
		return e.BonusSuperLikeCredits
	case "bonus_treat_like_credits":
		return e.BonusTreatLikeCredits
	case "bonus_message_like_credits":
		return e.BonusMessageLikeCredits
	case "plus_until":
		return e.PlusUntil
	case "vip_until":
		return e.VIPUntil
	case "boost_until":
		return e.BoostUntil
	case "private_mode_until":
		return e.PrivateModeUntil
	case "vip_counters_month":
		if e.VIPCountersMonth == 0 {
			return nil
		}
		return e.VIPCountersMonth
	case "refine_unlocked":
		return e.RefineUnlocked
	}
	return nil
}

func uniqueColumns(columns []string) []string {
	seen := make(map[string]struct{}, len(columns))
	res := columns[:0]
	for _, c := range columns {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		res = append(res, c)
	}
	return res
}

// saveEntitlement сохраняет только затронутые колонки счёта прав.
func (r *PostgresRepository) saveEntitlement(ctx context.Context, tx pgx.Tx, e *model.Entitlement, changed []string) error {
	changed = uniqueColumns(changed)
	if len(changed) == 0 {
		return nil
	}

	set := make([]string, 0, len(changed))
	args := make([]any, 0, len(changed)+1)
	args = append(args, e.UserID)
	for i, column := range changed {
		set = append(set, fmt.Sprintf("%s = $%d", column, i+2))
		args = append(args, entitlementValue(e, column))
	}

	_, err := tx.Exec(ctx,
		`UPDATE users SET `+strings.Join(set, ", ")+` WHERE id = $1`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("save entitlement: %w", err)
	}
	return nil
}

// GetEntitlements возвращает счёт прав, предварительно актуализировав квоты.
func (r *PostgresRepository) GetEntitlements(ctx context.Context, userID int64) (*model.Entitlement, time.Time, error) {
	var e *model.Entitlement
	now := r.now()

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		e, err = r.lockEntitlement(ctx, tx, userID)
		if err != nil {
			return err
		}

		if changed := e.Renew(now); len(changed) > 0 {
			if err := r.saveEntitlement(ctx, tx, e, changed); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, now, err
	}

	return e, now, nil
}

// ConsumeLike актуализирует квоты и списывает один лайк указанного вида в одной
// транзакции под блокировкой строки пользователя, исключая двойное списание.
func (r *PostgresRepository) ConsumeLike(ctx context.Context, userID int64, kind model.LikeKind) (*model.Entitlement, time.Time, error) {
	var e *model.Entitlement
	now := r.now()

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		e, err = r.lockEntitlement(ctx, tx, userID)
		if err != nil {
			return err
		}

		changed := e.Renew(now)

		ok, consumed := e.Consume(kind, now)
		if !ok {
			return ErrInsufficientCredit
		}
		changed = append(changed, consumed...)

		if err := r.saveEntitlement(ctx, tx, e, changed); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, now, err
	}

	return e, now, nil
}

// ExchangeTicket списывает баллы и создаёт тикет в состоянии unused.
func (r *PostgresRepository) ExchangeTicket(ctx context.Context, userID int64, code model.TicketCode) (*model.Ticket, error) {
	cost, ok := ticket.Cost(code)
	if !ok {
		return nil, ErrUnknownTicketCode
	}

	var created *model.Ticket
	now := r.now()

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		e, err := r.lockEntitlement(ctx, tx, userID)
		if err != nil {
			return err
		}

		changed := e.Renew(now)

		if e.Points < cost {
			return ErrInsufficientPoints
		}
		e.Points -= cost
		changed = append(changed, "points")

		if err := r.saveEntitlement(ctx, tx, e, changed); err != nil {
			return err
		}

		t := &model.Ticket{
			UserID:     userID,
			Code:       code,
			Status:     model.TicketStatusUnused,
			AcquiredAt: now,
			ExpiresAt:  ticket.DefaultExpiry(code, now),
			Source:     "exchange",
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO tickets (user_id, code, status, acquired_at, expires_at, source)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			t.UserID, int(t.Code), string(t.Status), t.AcquiredAt, t.ExpiresAt, t.Source,
		).Scan(&t.ID)
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// UseTicket применяет эффект тикета и помечает его использованным; тикет и
// счёт прав сохраняются в одной транзакции. Просроченный тикет переводится в
// expired лениво, эффект при этом не применяется.
func (r *PostgresRepository) UseTicket(ctx context.Context, userID, ticketID int64) (*ticket.EffectSummary, error) {
	var summary *ticket.EffectSummary
	now := r.now()

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		e, err := r.lockEntitlement(ctx, tx, userID)
		if err != nil {
			return err
		}

		var (
			code      int
			status    string
			expiresAt *time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT code, status, expires_at FROM tickets WHERE id = $1 AND user_id = $2 FOR UPDATE`,
			ticketID, userID,
		).Scan(&code, &status, &expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTicketNotFound
			}
			return fmt.Errorf("lock ticket: %w", err)
		}

		switch model.TicketStatus(status) {
		case model.TicketStatusUsed:
			return ErrTicketAlreadyUsed
		case model.TicketStatusExpired:
			return ErrTicketExpired
		}

		// Ленивый переход unused -> expired: фиксируем и отказываем.
		if expiresAt != nil && !expiresAt.After(now) {
			if _, err := tx.Exec(ctx,
				`UPDATE tickets SET status = $2 WHERE id = $1`,
				ticketID, string(model.TicketStatusExpired),
			); err != nil {
				return fmt.Errorf("expire ticket: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit tx: %w", err)
			}
			return ErrTicketExpired
		}

		changed := e.Renew(now)

		effect, effectChanged, known := ticket.Apply(e, model.TicketCode(code), now)
		if !known {
			return ErrUnknownTicketCode
		}
		changed = append(changed, effectChanged...)

		if _, err := tx.Exec(ctx,
			`UPDATE tickets SET status = $2, used_at = $3 WHERE id = $1`,
			ticketID, string(model.TicketStatusUsed), now,
		); err != nil {
			return fmt.Errorf("mark ticket used: %w", err)
		}

		if err := r.saveEntitlement(ctx, tx, e, changed); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		summary = effect
		return nil
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

// GetTicketsByUser возвращает тикеты пользователя, предварительно переведя
// просроченные неиспользованные тикеты в expired.
func (r *PostgresRepository) GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	now := r.now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE tickets SET status = $2
		 WHERE user_id = $1 AND status = $3 AND expires_at IS NOT NULL AND expires_at <= $4`,
		userID, string(model.TicketStatusExpired), string(model.TicketStatusUnused), now,
	)
	if err != nil {
		return nil, fmt.Errorf("expire tickets: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT id, code, status, acquired_at, expires_at, used_at, COALESCE(source, '')
		 FROM tickets
		 WHERE user_id = $1
		 ORDER BY acquired_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select tickets: %w", err)
	}
	defer rows.Close()

	var res []model.Ticket
	for rows.Next() {
		t := model.Ticket{UserID: userID}
		var code int
		var status string
		if err := rows.Scan(&t.ID, &code, &status, &t.AcquiredAt, &t.ExpiresAt, &t.UsedAt, &t.Source); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t.Code = model.TicketCode(code)
		t.Status = model.TicketStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return res, nil
}

// ApplyPaymentFact применяет проверенный факт покупки: создаёт либо обновляет
// запись о внешней транзакции и монотонно продлевает целевое поле подписки,
// после чего пересчитывает квоты. Всё — одна транзакция под блокировкой строки
// пользователя, поэтому повторная доставка уведомления безопасна.
func (r *PostgresRepository) ApplyPaymentFact(ctx context.Context, userID int64, fact *model.PaymentFact, allowDowngrade bool) ([]string, error) {
	var applied []string
	now := r.now()

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		e, err := r.lockEntitlement(ctx, tx, userID)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO store_transactions (original_transaction_id, user_id, product_id, environment, revoked, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (original_transaction_id) DO UPDATE SET
				product_id = EXCLUDED.product_id,
				environment = EXCLUDED.environment,
				revoked = EXCLUDED.revoked,
				updated_at = EXCLUDED.updated_at`,
			fact.OriginalTransactionID, userID, fact.ProductID, fact.Environment, fact.Revoked, now,
		)
		if err != nil {
			return fmt.Errorf("upsert store transaction: %w", err)
		}

		var changed []string

		// Неизвестный префикс продукта — не ошибка: запись дедупликации
		// сохраняется, счёт прав не меняется.
		if target, ok := model.ProductTarget(fact.ProductID); ok {
			switch target {
			case model.TargetPlus:
				if next, ok := model.ExtendExpiry(e.PlusUntil, fact.ExpiresAt, allowDowngrade); ok {
					e.PlusUntil = next
					changed = append(changed, "plus_until")
				}
			case model.TargetVIP:
				if next, ok := model.ExtendExpiry(e.VIPUntil, fact.ExpiresAt, allowDowngrade); ok {
					e.VIPUntil = next
					changed = append(changed, "vip_until")
				}
			}
		}

		changed = append(changed, e.Renew(now)...)

		if err := r.saveEntitlement(ctx, tx, e, changed); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		applied = uniqueColumns(changed)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return applied, nil
}

// FindUserByOriginalTransaction возвращает владельца внешней транзакции.
func (r *PostgresRepository) FindUserByOriginalTransaction(ctx context.Context, originalTransactionID string) (int64, error) {
	var userID int64
	err := r.pool.QueryRow(ctx,
		`SELECT user_id FROM store_transactions WHERE original_transaction_id = $1`,
		originalTransactionID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTransactionNotFound
		}
		return 0, fmt.Errorf("find transaction: %w", err)
	}
	return userID, nil
}
