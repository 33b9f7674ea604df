// models/settlement.go
package models

import (
	"fmt"
	"math"
	"time"
)

// Ledger instruction kinds. The idempotency key for a money movement is
// derived from (room, kind, user), so a retried settlement re-issues the
// same key and the wallet service applies it at most once.
const (
	LedgerKindWagerDebit  = "wager_debit"
	LedgerKindPrizeCredit = "prize_credit"
	LedgerKindWagerRefund = "wager_refund"

	// A wager_reversal undoes a wager_debit whose surrounding transaction
	// rolled back. It is money returned outside the normal refund path and
	// carries its own key so a later legitimate refund still applies.
	LedgerKindWagerReversal = "wager_reversal"
)

// LedgerInstruction is the audit record of a debit/credit/refund the engine
// asked the wallet service to perform. Conservation checks read this table:
// for any terminal room, sum(debits) == sum(credits) + sum(refunds) + the
// retained service charge.
type LedgerInstruction struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	RoomID         string    `gorm:"type:uuid;not null;index" json:"room_id"`
	UserID         string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Kind           string    `gorm:"type:varchar(16);not null" json:"kind"`
	Amount         int64     `gorm:"not null" json:"amount"`
	IdempotencyKey string    `gorm:"uniqueIndex;not null" json:"idempotency_key"`
	IssuedAt       time.Time `gorm:"not null" json:"issued_at"`
}

// LedgerKey derives the idempotency key for a money movement.
func LedgerKey(roomID, kind, userID string) string {
	return roomID + ":" + kind + ":" + userID
}

// RetriedLedgerKey suffixes the base key once earlier attempts have been
// reversed. The wallet then sees a fresh movement instead of answering
// already-applied for a debit whose money was already handed back.
func RetriedLedgerKey(roomID, kind, userID string, attempt int) string {
	key := LedgerKey(roomID, kind, userID)
	if attempt > 0 {
		key = fmt.Sprintf("%s:r%d", key, attempt)
	}
	return key
}

// ComputeSettlement returns the prize pool, platform service charge and the
// net amount credited to the winner for a decided room. The loser's stake is
// consumed by the pool, not refunded.
func ComputeSettlement(betAmount int64, serviceRate float64) (pool, charge, net int64) {
	pool = 2 * betAmount
	charge = int64(math.Round(float64(pool) * serviceRate))
	net = pool - charge
	return pool, charge, net
}
