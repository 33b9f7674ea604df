// ludo-match-system/services/settlement.go
package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"ludo-match-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettlementEngine turns a room terminal and moves the money, exactly once
// per room. Both Finish and Cancel run inside the caller's room-locked
// transaction: if a ledger call fails the transaction rolls back, so a room
// never claims to be settled while money did not move. Re-invocation on an
// already-terminal room is a no-op.
type SettlementEngine struct {
	Ledger      Ledger
	ServiceRate float64
}

func NewSettlementEngine(ledger Ledger) *SettlementEngine {
	rate := 0.05
	if v := os.Getenv("SERVICE_CHARGE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f < 1 {
			rate = f
		} else {
			log.Printf("⚠️  invalid SERVICE_CHARGE_RATE %q, using default 0.05", v)
		}
	}
	return &SettlementEngine{Ledger: ledger, ServiceRate: rate}
}

// lockRoom loads the room row FOR UPDATE plus its slots and claims. All
// lifecycle mutations go through this, which serializes them per room.
func lockRoom(tx *gorm.DB, roomID string) (*models.MatchRoom, error) {
	var room models.MatchRoom
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&room, "id = ?", roomID).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("room_id = ?", roomID).Order("joined_at ASC").Find(&room.Slots).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("room_id = ?", roomID).Find(&room.Claims).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// Finish declares winnerID the winner, credits the net prize and flips the
// room to finished. The wager debits already happened at create/approve
// time; the loser's stake is consumed by the pool.
func (e *SettlementEngine) Finish(ctx context.Context, tx *gorm.DB, room *models.MatchRoom, winnerID string, now time.Time) error {
	if room.IsTerminal() || room.SettledAt != nil {
		return nil
	}
	if !models.CanTransition(room.Status, models.RoomStatusFinished) {
		return fmt.Errorf("room %s cannot finish from status %s", room.ID, room.Status)
	}
	// The prize pool is both stakes. A room that never collected a second
	// wager has no pool to pay out, whatever its status claims.
	if n := len(room.ApprovedSlots()); n != 2 {
		return fmt.Errorf("room %s cannot finish with %d committed player(s)", room.ID, n)
	}

	pool, charge, net := models.ComputeSettlement(room.BetAmount, e.ServiceRate)

	key := models.LedgerKey(room.ID, models.LedgerKindPrizeCredit, winnerID)
	if err := e.Ledger.Credit(ctx, winnerID, net, key); err != nil {
		return fmt.Errorf("prize credit failed: %w", err)
	}
	if err := recordInstruction(tx, room.ID, winnerID, models.LedgerKindPrizeCredit, net, key, now); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":           models.RoomStatusFinished,
		"winner_user_id":   winnerID,
		"total_prize_pool": pool,
		"service_charge":   charge,
		"amount_won":       pool,
		"net_amount":       net,
		"game_ended_at":    now,
		"settled_at":       now,
	}
	if err := tx.Model(&models.MatchRoom{}).Where("id = ?", room.ID).Updates(updates).Error; err != nil {
		return err
	}

	room.Status = models.RoomStatusFinished
	room.WinnerUserID = winnerID
	room.TotalPrizePool = pool
	room.ServiceCharge = charge
	room.AmountWon = pool
	room.NetAmount = net
	room.GameEndedAt = &now
	room.SettledAt = &now

	log.Printf("🏆 Room %s finished: winner=%s pool=%d charge=%d net=%d", room.ID, winnerID, pool, charge, net)
	return nil
}

// Cancel refunds every committed wager in full and flips the room to
// cancelled. No service charge applies.
func (e *SettlementEngine) Cancel(ctx context.Context, tx *gorm.DB, room *models.MatchRoom, reason string, now time.Time) error {
	if room.IsTerminal() || room.SettledAt != nil {
		return nil
	}
	if !models.CanTransition(room.Status, models.RoomStatusCancelled) {
		return fmt.Errorf("room %s cannot cancel from status %s", room.ID, room.Status)
	}

	for _, slot := range room.ApprovedSlots() {
		key := models.LedgerKey(room.ID, models.LedgerKindWagerRefund, slot.UserID)
		if err := e.Ledger.Refund(ctx, slot.UserID, room.BetAmount, key); err != nil {
			return fmt.Errorf("refund for user %s failed: %w", slot.UserID, err)
		}
		if err := recordInstruction(tx, room.ID, slot.UserID, models.LedgerKindWagerRefund, room.BetAmount, key, now); err != nil {
			return err
		}
	}

	updates := map[string]interface{}{
		"status":        models.RoomStatusCancelled,
		"cancel_reason": reason,
		"game_ended_at": now,
		"settled_at":    now,
	}
	if err := tx.Model(&models.MatchRoom{}).Where("id = ?", room.ID).Updates(updates).Error; err != nil {
		return err
	}

	room.Status = models.RoomStatusCancelled
	room.CancelReason = reason
	room.GameEndedAt = &now
	room.SettledAt = &now

	log.Printf("↩️  Room %s cancelled (%s), %d wager(s) refunded", room.ID, reason, len(room.ApprovedSlots()))
	return nil
}

// recordInstruction writes the audit row for a money movement. The unique
// idempotency key makes a duplicate insert fail loudly instead of silently
// double-counting.
func recordInstruction(tx *gorm.DB, roomID, userID, kind string, amount int64, key string, now time.Time) error {
	inst := models.LedgerInstruction{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		IdempotencyKey: key,
		IssuedAt:       now,
	}
	return tx.Create(&inst).Error
}
