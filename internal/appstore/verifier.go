package appstore

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/settee-billing/internal/model"
)

// Verifier — единая точка входа проверки платёжных подтверждений. Формат
// определяется по структуре: три сегмента base64url через точку — подписанный
// токен, иначе — непрозрачный чек для внешнего эндпоинта.
type Verifier struct {
	client *Client
	tokens *TokenVerifier
}

// NewVerifier создаёт верификатор поверх клиента чеков и проверяющего токенов.
func NewVerifier(client *Client, tokens *TokenVerifier) *Verifier {
	return &Verifier{client: client, tokens: tokens}
}

// VerifyNotification проверяет подписанное серверное уведомление платформы.
func (v *Verifier) VerifyNotification(signedPayload string, now time.Time) (*NotificationPayload, error) {
	return v.tokens.VerifyNotification(signedPayload, now)
}

// VerifyTransaction проверяет подписанный токен транзакции из уведомления.
func (v *Verifier) VerifyTransaction(signed string, now time.Time) (*TransactionPayload, bool, error) {
	return v.tokens.VerifyTransaction(signed, now)
}

// VerifyRenewal проверяет подписанные сведения о продлении из уведомления.
func (v *Verifier) VerifyRenewal(signed string, now time.Time) (*RenewalPayload, error) {
	return v.tokens.VerifyRenewal(signed, now)
}

// Verify проверяет сырое платёжное подтверждение и сводит его к факту покупки.
func (v *Verifier) Verify(ctx context.Context, raw string, now time.Time) (*model.PaymentFact, error) {
	if IsSignedToken(raw) {
		payload, unverified, err := v.tokens.VerifyTransaction(raw, now)
		if err != nil {
			return nil, err
		}
		return payload.Fact(nil, unverified), nil
	}

	resp, err := v.client.VerifyReceipt(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("%w: receipt status %d", ErrVerificationFailed, resp.Status)
	}

	fact, err := latestFact(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, err)
	}
	return fact, nil
}

// latestFact выбирает из чека транзакцию с самым поздним сроком действия и
// применяет к ней льготный период и пометку отмены.
func latestFact(resp *VerifyResponse) (*model.PaymentFact, error) {
	if len(resp.LatestReceiptInfo) == 0 {
		return nil, fmt.Errorf("receipt carries no transactions")
	}

	latest := resp.LatestReceiptInfo[0]
	latestExpiry, _ := parseMs(latest.ExpiresDateMs)
	for _, info := range resp.LatestReceiptInfo[1:] {
		if expiry, ok := parseMs(info.ExpiresDateMs); ok && expiry.After(latestExpiry) {
			latest = info
			latestExpiry = expiry
		}
	}

	fact := &model.PaymentFact{
		OriginalTransactionID: latest.OriginalTransactionID,
		TransactionID:         latest.TransactionID,
		ProductID:             latest.ProductID,
		Environment:           resp.Environment,
	}

	if _, ok := parseMs(latest.CancellationDateMs); ok {
		fact.Revoked = true
		return fact, nil
	}

	if expiry, ok := parseMs(latest.ExpiresDateMs); ok {
		fact.ExpiresAt = &expiry
	}
	for _, renewal := range resp.PendingRenewalInfo {
		if renewal.OriginalTransactionID != latest.OriginalTransactionID {
			continue
		}
		if grace, ok := parseMs(renewal.GracePeriodExpiresDateMs); ok {
			if fact.ExpiresAt == nil || grace.After(*fact.ExpiresAt) {
				fact.ExpiresAt = &grace
			}
		}
	}

	return fact, nil
}
