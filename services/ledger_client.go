// ludo-match-system/services/ledger_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Ledger is the wallet-service collaborator. Every operation is idempotent
// on the wallet side, keyed by idempotencyKey, so the engine may retry a
// settlement instruction without double-moving money. The wallet service,
// not this engine, is the final idempotence boundary.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int64, idempotencyKey string) error
	Credit(ctx context.Context, userID string, amount int64, idempotencyKey string) error
	Refund(ctx context.Context, userID string, amount int64, idempotencyKey string) error
}

// ErrInsufficientBalance is returned by Debit when the wallet rejects the
// wager for lack of funds.
var ErrInsufficientBalance = fmt.Errorf("insufficient balance")

type WalletServiceClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewWalletServiceClient() *WalletServiceClient {
	baseURL := os.Getenv("WALLET_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("WALLET_SERVICE_URL environment variable not set")
	}
	token := os.Getenv("WALLET_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("WALLET_SERVICE_TOKEN environment variable not set")
	}
	return &WalletServiceClient{
		BaseURL: baseURL,
		Token:   token,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *WalletServiceClient) Debit(ctx context.Context, userID string, amount int64, key string) error {
	return c.post(ctx, "debit", userID, amount, key)
}

func (c *WalletServiceClient) Credit(ctx context.Context, userID string, amount int64, key string) error {
	return c.post(ctx, "credit", userID, amount, key)
}

func (c *WalletServiceClient) Refund(ctx context.Context, userID string, amount int64, key string) error {
	return c.post(ctx, "refund", userID, amount, key)
}

// post calls POST /api/v1/wallets/{userID}/{op} on the wallet service.
// A 409 means the key was already applied — that is success for us.
func (c *WalletServiceClient) post(ctx context.Context, op, userID string, amount int64, key string) error {
	url := fmt.Sprintf("%s/api/v1/wallets/%s/%s", c.BaseURL, userID, op)

	reqBody := map[string]interface{}{
		"amount":          amount,
		"idempotency_key": key,
	}
	jsonData, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		// Idempotency key already applied; the money moved on an earlier try.
		log.Printf("[LEDGER] %s %s already applied (key=%s)", op, userID, key)
		return nil
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return ErrInsufficientBalance
	default:
		log.Printf("[LEDGER] %s for user %s returned %d: %s", op, userID, resp.StatusCode, string(body))
		return fmt.Errorf("wallet %s failed: %d", op, resp.StatusCode)
	}
}
