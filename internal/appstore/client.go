// Package appstore проверяет платёжные подтверждения App Store: устаревшие
// чеки через внешний эндпоинт verifyReceipt и современные подписанные токены
// транзакций с встроенной цепочкой сертификатов.
package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrVerificationFailed возвращается при любом отказе проверки платёжного
// подтверждения: плохая подпись, недоверенная цепочка, ненулевой статус чека.
var ErrVerificationFailed = errors.New("payment verification failed")

// Статусы ответа verifyReceipt, означающие отправку чека не в ту среду.
const (
	statusSandboxReceiptOnProduction = 21007
	statusProductionReceiptOnSandbox = 21008
)

// Client инкапсулирует HTTP-взаимодействие с эндпоинтом проверки чеков.
type Client struct {
	productionURL string
	sandboxURL    string
	sharedSecret  string
	httpClient    *http.Client
}

// NewClient создаёт клиент проверки чеков с коротким таймаутом.
func NewClient(productionURL, sandboxURL, sharedSecret string) *Client {
	return &Client{
		productionURL: productionURL,
		sandboxURL:    sandboxURL,
		sharedSecret:  sharedSecret,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type receiptRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

// VerifyResponse — ответ эндпоинта verifyReceipt.
type VerifyResponse struct {
	Status             int           `json:"status"`
	Environment        string        `json:"environment"`
	LatestReceiptInfo  []ReceiptInfo `json:"latest_receipt_info"`
	PendingRenewalInfo []RenewalInfo `json:"pending_renewal_info"`
}

// ReceiptInfo — одна транзакция из чека.
type ReceiptInfo struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDateMs        string `json:"purchase_date_ms"`
	ExpiresDateMs         string `json:"expires_date_ms"`
	CancellationDateMs    string `json:"cancellation_date_ms"`
}

// RenewalInfo — сведения о продлении, включая льготный период.
type RenewalInfo struct {
	OriginalTransactionID    string `json:"original_transaction_id"`
	ProductID                string `json:"product_id"`
	AutoRenewStatus          string `json:"auto_renew_status"`
	GracePeriodExpiresDateMs string `json:"grace_period_expires_date_ms"`
}

// VerifyReceipt отправляет чек на проверку. При статусе «не та среда»
// выполняется ровно одна повторная попытка к альтернативному эндпоинту;
// других автоматических повторов нет, сетевая ошибка — отказ проверки.
func (c *Client) VerifyReceipt(ctx context.Context, receiptData string) (*VerifyResponse, error) {
	payload, err := json.Marshal(receiptRequest{
		ReceiptData: receiptData,
		Password:    c.sharedSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal receipt request: %w", err)
	}

	resp, err := c.sendVerifyRequest(ctx, c.productionURL, payload)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case statusSandboxReceiptOnProduction:
		return c.sendVerifyRequest(ctx, c.sandboxURL, payload)
	case statusProductionReceiptOnSandbox:
		return c.sendVerifyRequest(ctx, c.productionURL, payload)
	}

	return resp, nil
}

func (c *Client) sendVerifyRequest(ctx context.Context, url string, payload []byte) (*VerifyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify endpoint returned status %d", resp.StatusCode)
	}

	var verifyResp VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verifyResp); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}

	return &verifyResp, nil
}

func parseMs(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
