package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"ludo-match-system/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BalanceSyncClient pulls balance snapshots from the wallet service into the
// local wallet_mirror table. The mirror only serves the fast pre-debit
// balance check; the wallet service stays the authority on money.
type BalanceSyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewBalanceSyncClient(db *gorm.DB) *BalanceSyncClient {
	baseURL := os.Getenv("WALLET_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("WALLET_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("WALLET_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("WALLET_SERVICE_TOKEN environment variable is required for balance sync")
	}

	return &BalanceSyncClient{
		BaseURL: baseURL,
		Token:   token,
		DB:      db,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetChangedBalances fetches balances that changed since the given time.
func (c *BalanceSyncClient) GetChangedBalances(ctx context.Context, since time.Time) ([]models.WalletMirror, error) {
	since = since.UTC()

	u, err := url.Parse(fmt.Sprintf("%s/api/v1/public/balances", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("since", since.Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call wallet service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("wallet service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Balances []models.WalletMirror `json:"balances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode wallet service response: %w", err)
	}

	return response.Balances, nil
}

// PollBalances keeps the mirror fresh. On upsert failure the sync window is
// not advanced, so the same batch is retried on the next tick.
func PollBalances(ctx context.Context, client *BalanceSyncClient, pollInterval time.Duration) {
	log.Println("Starting wallet balance polling (DB-backed mirror)...")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Wallet balance polling stopped.")
			return
		case <-ticker.C:
			tickStart := time.Now().UTC()

			balances, err := client.GetChangedBalances(ctx, lastSyncTime)
			if err != nil {
				log.Printf("❌ Error polling balances: %v", err)
				continue
			}

			if len(balances) == 0 {
				continue
			}

			now := time.Now().UTC()
			for i := range balances {
				balances[i].LastSyncedAt = now
			}

			if err := client.DB.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"balance",
						"locked_balance",
						"is_active",
						"last_synced_at",
						"updated_at",
					}),
				},
			).Create(&balances).Error; err != nil {
				log.Printf("❌ Failed to upsert %d balance(s) into wallet_mirror: %v", len(balances), err)
				continue
			}

			lastSyncTime = tickStart
			log.Printf("📥 Upserted %d balance(s) into wallet_mirror.", len(balances))
		}
	}
}
