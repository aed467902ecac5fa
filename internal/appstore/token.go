package appstore

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/settee-billing/internal/certchain"
	"github.com/mmeshcher/settee-billing/internal/model"
)

// TransactionPayload — полезная нагрузка подписанного токена транзакции.
// Временные метки платформа передаёт в миллисекундах.
type TransactionPayload struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	AppAccountToken       string `json:"appAccountToken"`
	Environment           string `json:"environment"`
	SignedDate            int64  `json:"signedDate"`

	jwt.RegisteredClaims
}

// RenewalPayload — полезная нагрузка подписанных сведений о продлении.
type RenewalPayload struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	ProductID              string `json:"productId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`

	jwt.RegisteredClaims
}

// NotificationPayload — полезная нагрузка серверного уведомления платформы.
type NotificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`

	jwt.RegisteredClaims
}

// NotificationData — вложенные данные уведомления с подписанными токенами.
type NotificationData struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// TokenVerifier проверяет подписанные токены платформы: извлекает цепочку
// сертификатов из заголовка, передаёт её валидатору доверия и проверяет
// подпись алгоритмом, названным в заголовке, ключом листового сертификата.
type TokenVerifier struct {
	chain      *certchain.Validator
	bundleID   string
	softAccept bool
	logger     *zap.Logger
}

// NewTokenVerifier создаёт проверяющий подписанных токенов. softAccept включает
// диагностический режим мягкого приёма непроверяемых токенов; по умолчанию он
// должен быть выключен.
func NewTokenVerifier(chain *certchain.Validator, bundleID string, softAccept bool, logger *zap.Logger) *TokenVerifier {
	return &TokenVerifier{
		chain:      chain,
		bundleID:   bundleID,
		softAccept: softAccept,
		logger:     logger,
	}
}

// IsSignedToken сообщает, похожа ли строка на подписанный токен: три сегмента
// base64url, разделённые точками.
func IsSignedToken(raw string) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

func (v *TokenVerifier) keyfunc(now time.Time) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		rawChain, ok := token.Header["x5c"].([]any)
		if !ok || len(rawChain) == 0 {
			return nil, errors.New("token header carries no certificate chain")
		}

		chain := make([]*x509.Certificate, 0, len(rawChain))
		for _, entry := range rawChain {
			s, ok := entry.(string)
			if !ok {
				return nil, errors.New("malformed x5c entry")
			}
			der, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("decode x5c entry: %w", err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("parse x5c certificate: %w", err)
			}
			chain = append(chain, cert)
		}

		if err := v.chain.Verify(chain, now); err != nil {
			return nil, err
		}

		return chain[0].PublicKey, nil
	}
}

var tokenSigningMethods = []string{"ES256", "RS256"}

// VerifyTransaction проверяет подписанный токен транзакции и возвращает его
// полезную нагрузку. При включённом мягком приёме непроверяемый, но
// правдоподобный токен возвращается с пометкой Unverified.
func (v *TokenVerifier) VerifyTransaction(signed string, now time.Time) (*TransactionPayload, bool, error) {
	payload := &TransactionPayload{}
	_, err := jwt.ParseWithClaims(signed, payload, v.keyfunc(now),
		jwt.WithValidMethods(tokenSigningMethods))
	if err == nil {
		return payload, false, nil
	}

	if v.softAccept {
		if unverified, ok := v.softAcceptTransaction(signed); ok {
			v.logger.Warn("soft-accepting unverifiable transaction token",
				zap.String("product_id", unverified.ProductID),
				zap.String("original_transaction_id", unverified.OriginalTransactionID),
				zap.Error(err))
			return unverified, true, nil
		}
	}

	return nil, false, fmt.Errorf("%w: %s", ErrVerificationFailed, err)
}

// softAcceptTransaction разбирает токен без проверки подписи и допускает его,
// только если bundle совпадает с настроенным и продукт относится к известной
// подписке.
func (v *TokenVerifier) softAcceptTransaction(signed string) (*TransactionPayload, bool) {
	payload := &TransactionPayload{}
	if _, _, err := jwt.NewParser().ParseUnverified(signed, payload); err != nil {
		return nil, false
	}
	if payload.BundleID != v.bundleID {
		return nil, false
	}
	if _, ok := model.ProductTarget(payload.ProductID); !ok {
		return nil, false
	}
	return payload, true
}

// VerifyNotification проверяет подписанное уведомление платформы.
func (v *TokenVerifier) VerifyNotification(signedPayload string, now time.Time) (*NotificationPayload, error) {
	payload := &NotificationPayload{}
	_, err := jwt.ParseWithClaims(signedPayload, payload, v.keyfunc(now),
		jwt.WithValidMethods(tokenSigningMethods))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}
	return payload, nil
}

// VerifyRenewal проверяет подписанные сведения о продлении.
func (v *TokenVerifier) VerifyRenewal(signed string, now time.Time) (*RenewalPayload, error) {
	payload := &RenewalPayload{}
	_, err := jwt.ParseWithClaims(signed, payload, v.keyfunc(now),
		jwt.WithValidMethods(tokenSigningMethods))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}
	return payload, nil
}

func msToTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

// Fact сводит полезную нагрузку токена и сведения о продлении к факту покупки.
// Отзыв убирает срок целиком; иначе действует поздний из номинального срока и
// конца льготного периода.
func (p *TransactionPayload) Fact(renewal *RenewalPayload, unverified bool) *model.PaymentFact {
	fact := &model.PaymentFact{
		OriginalTransactionID: p.OriginalTransactionID,
		TransactionID:         p.TransactionID,
		ProductID:             p.ProductID,
		BundleID:              p.BundleID,
		Environment:           p.Environment,
		AppAccountToken:       p.AppAccountToken,
		Unverified:            unverified,
	}

	if p.RevocationDate != 0 {
		fact.Revoked = true
		return fact
	}

	fact.ExpiresAt = msToTime(p.ExpiresDate)
	if renewal != nil {
		if grace := msToTime(renewal.GracePeriodExpiresDate); grace != nil {
			if fact.ExpiresAt == nil || grace.After(*fact.ExpiresAt) {
				fact.ExpiresAt = grace
			}
		}
	}

	return fact
}
