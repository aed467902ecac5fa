// Package service реализует бизнес-логику биллинг-сервиса Settee.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/settee-billing/internal/appstore"
	"github.com/mmeshcher/settee-billing/internal/model"
	"github.com/mmeshcher/settee-billing/internal/repository"
	"github.com/mmeshcher/settee-billing/internal/ticket"
)

// ErrInvalidCredentials возвращается при неверной паре handle/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Типы уведомлений платформы, при которых срок подписки разрешено понижать.
var downgradeNotificationTypes = map[string]bool{
	"EXPIRED":              true,
	"REFUND":               true,
	"REVOKE":               true,
	"GRACE_PERIOD_EXPIRED": true,
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, handle string, passwordHash []byte) (int64, error)
	GetUserByHandle(ctx context.Context, handle string) (*model.User, error)
	GetEntitlements(ctx context.Context, userID int64) (*model.Entitlement, time.Time, error)
	ConsumeLike(ctx context.Context, userID int64, kind model.LikeKind) (*model.Entitlement, time.Time, error)
	ExchangeTicket(ctx context.Context, userID int64, code model.TicketCode) (*model.Ticket, error)
	UseTicket(ctx context.Context, userID, ticketID int64) (*ticket.EffectSummary, error)
	GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error)
	ApplyPaymentFact(ctx context.Context, userID int64, fact *model.PaymentFact, allowDowngrade bool) ([]string, error)
	FindUserByOriginalTransaction(ctx context.Context, originalTransactionID string) (int64, error)
}

// PaymentVerifier описывает контракт проверки платёжных подтверждений.
type PaymentVerifier interface {
	Verify(ctx context.Context, raw string, now time.Time) (*model.PaymentFact, error)
	VerifyNotification(signedPayload string, now time.Time) (*appstore.NotificationPayload, error)
	VerifyTransaction(signed string, now time.Time) (*appstore.TransactionPayload, bool, error)
	VerifyRenewal(signed string, now time.Time) (*appstore.RenewalPayload, error)
}

// Service содержит бизнес-логику биллинг-сервиса.
type Service struct {
	repo     Repository
	verifier PaymentVerifier
	now      func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и верификатором покупок.
func NewService(repo Repository, verifier PaymentVerifier) *Service {
	return &Service{
		repo:     repo,
		verifier: verifier,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, handle, password string) (int64, error) {
	hashed := hashPassword(handle, password)
	id, err := s.repo.CreateUser(ctx, handle, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет handle и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, handle, password string) (int64, error) {
	u, err := s.repo.GetUserByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	hashed := hashPassword(handle, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(handle, password string) []byte {
	sum := sha256.Sum256([]byte(handle + ":" + password))
	return sum[:]
}

// GetEntitlements возвращает актуальную сводку прав пользователя.
func (s *Service) GetEntitlements(ctx context.Context, userID int64) (*model.Entitlements, error) {
	e, now, err := s.repo.GetEntitlements(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.View(now), nil
}

// ConsumeLike списывает один лайк указанного вида и возвращает обновлённую
// сводку прав.
func (s *Service) ConsumeLike(ctx context.Context, userID int64, kind model.LikeKind) (*model.Entitlements, error) {
	e, now, err := s.repo.ConsumeLike(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	return e.View(now), nil
}

// ExchangeTicket обменивает баллы пользователя на тикет.
func (s *Service) ExchangeTicket(ctx context.Context, userID int64, code model.TicketCode) (*model.Ticket, error) {
	return s.repo.ExchangeTicket(ctx, userID, code)
}

// UseTicket применяет эффект тикета.
func (s *Service) UseTicket(ctx context.Context, userID, ticketID int64) (*ticket.EffectSummary, error) {
	return s.repo.UseTicket(ctx, userID, ticketID)
}

// GetTicketsByUser возвращает тикеты пользователя.
func (s *Service) GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	return s.repo.GetTicketsByUser(ctx, userID)
}

// VerifyPurchase проверяет платёжное подтверждение, присланное клиентом,
// применяет факт покупки к счёту прав пользователя и возвращает обновлённую
// сводку прав. Понижение срока разрешается только при отзыве транзакции.
func (s *Service) VerifyPurchase(ctx context.Context, userID int64, raw string) (*model.Entitlements, error) {
	fact, err := s.verifier.Verify(ctx, raw, s.now())
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.ApplyPaymentFact(ctx, userID, fact, fact.Revoked); err != nil {
		return nil, err
	}

	e, now, err := s.repo.GetEntitlements(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.View(now), nil
}

// HandlePlatformNotification обрабатывает серверное уведомление платёжной
// платформы: проверяет внешнюю подпись, вложенные токены транзакции и
// продления, находит владельца и применяет факт покупки. Возвращает список
// изменённых полей счёта; ошибка означает лишь невозможность обработать
// уведомление — транспортный ответ платформе от неё не зависит.
func (s *Service) HandlePlatformNotification(ctx context.Context, signedPayload string) ([]string, error) {
	now := s.now()

	payload, err := s.verifier.VerifyNotification(signedPayload, now)
	if err != nil {
		return nil, fmt.Errorf("verify notification: %w", err)
	}

	// Служебные уведомления (например TEST) не несут транзакции.
	if payload.Data.SignedTransactionInfo == "" {
		return nil, nil
	}

	txn, unverified, err := s.verifier.VerifyTransaction(payload.Data.SignedTransactionInfo, now)
	if err != nil {
		return nil, fmt.Errorf("verify transaction info: %w", err)
	}

	var renewal *appstore.RenewalPayload
	if payload.Data.SignedRenewalInfo != "" {
		renewal, err = s.verifier.VerifyRenewal(payload.Data.SignedRenewalInfo, now)
		if err != nil {
			return nil, fmt.Errorf("verify renewal info: %w", err)
		}
	}

	fact := txn.Fact(renewal, unverified)

	userID, err := s.resolveOwner(ctx, fact)
	if err != nil {
		return nil, err
	}

	allowDowngrade := fact.Revoked || downgradeNotificationTypes[payload.NotificationType]

	applied, err := s.repo.ApplyPaymentFact(ctx, userID, fact, allowDowngrade)
	if err != nil {
		return nil, fmt.Errorf("apply payment fact: %w", err)
	}

	return applied, nil
}

// resolveOwner находит пользователя для факта покупки: сначала по токену
// аккаунта, который клиент прикрепляет к покупке, затем по уже известной
// внешней транзакции.
func (s *Service) resolveOwner(ctx context.Context, fact *model.PaymentFact) (int64, error) {
	if fact.AppAccountToken != "" {
		u, err := s.repo.GetUserByHandle(ctx, fact.AppAccountToken)
		if err == nil {
			return u.ID, nil
		}
		if !errors.Is(err, repository.ErrUserNotFound) {
			return 0, fmt.Errorf("resolve by account token: %w", err)
		}
	}

	userID, err := s.repo.FindUserByOriginalTransaction(ctx, fact.OriginalTransactionID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return 0, fmt.Errorf("cannot attribute transaction %s to a user", fact.OriginalTransactionID)
		}
		return 0, err
	}
	return userID, nil
}
