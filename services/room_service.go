// ludo-match-system/services/room_service.go
package services

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"ludo-match-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

type RoomService struct {
	DB          *gorm.DB
	Ledger      Ledger
	Settlement  *SettlementEngine
	MinBet      int64
	JoinTimeout time.Duration
	CodeTimeout time.Duration
}

func NewRoomService(db *gorm.DB, ledger Ledger, settlement *SettlementEngine) *RoomService {
	minBet := int64(50)
	if v := os.Getenv("MIN_BET_AMOUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			minBet = n
		}
	}
	joinTimeout := envMinutes("JOIN_TIMEOUT_MINUTES", 3)
	codeTimeout := envMinutes("CODE_TIMEOUT_MINUTES", 3)

	return &RoomService{
		DB:          db,
		Ledger:      ledger,
		Settlement:  settlement,
		MinBet:      minBet,
		JoinTimeout: joinTimeout,
		CodeTimeout: codeTimeout,
	}
}

func envMinutes(key string, def int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return time.Duration(def) * time.Minute
}

// currentUserID reads the identity the gateway attached via middleware.
func currentUserID(c *fiber.Ctx) string {
	if v, ok := c.Locals("user_id").(string); ok {
		return v
	}
	return ""
}

// CreateRoom opens a new wagered room and debits the creator's stake. The
// creator occupies the first slot; the join deadline starts counting now.
func (s *RoomService) CreateRoom(c *fiber.Ctx) error {
	type Req struct {
		BetAmount    int64  `json:"bet_amount"`
		LudoUsername string `json:"ludo_username"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "code": "validation"})
	}
	userID := currentUserID(c)

	req.LudoUsername = strings.TrimSpace(req.LudoUsername)
	if req.LudoUsername == "" {
		return c.Status(400).JSON(fiber.Map{"error": "ludo_username is required", "code": "validation"})
	}
	if req.BetAmount < s.MinBet {
		return c.Status(400).JSON(fiber.Map{
			"error": "bet amount below minimum",
			"code":  "below_minimum_bet",
			"min":   s.MinBet,
		})
	}

	// Fast-fail on the mirrored balance before touching the wallet service.
	// The mirror may lag; the authoritative check is the debit below.
	var mirror models.WalletMirror
	if err := s.DB.Where("user_id = ?", userID).First(&mirror).Error; err == nil {
		if mirror.Available() < req.BetAmount {
			return c.Status(402).JSON(fiber.Map{"error": "insufficient balance", "code": "insufficient_balance"})
		}
	}

	now := time.Now()
	roomID := uuid.NewString()
	joinDeadline := now.Add(s.JoinTimeout)

	// Debit first: a room must never exist without its creator's stake
	// committed. If the room insert fails afterwards we compensate with a
	// refund keyed to the same room.
	debitKey := models.LedgerKey(roomID, models.LedgerKindWagerDebit, userID)
	if err := s.Ledger.Debit(c.Context(), userID, req.BetAmount, debitKey); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return c.Status(402).JSON(fiber.Map{"error": "insufficient balance", "code": "insufficient_balance"})
		}
		log.Printf("❌ wager debit failed for user %s: %v", userID, err)
		return c.Status(502).JSON(fiber.Map{"error": "wallet service unavailable", "code": "settlement_failure"})
	}

	room := models.MatchRoom{
		ID:            roomID,
		CreatorUserID: userID,
		BetAmount:     req.BetAmount,
		Status:        models.RoomStatusPending,
		JoinDeadline:  &joinDeadline,
	}
	creatorSlot := models.PlayerSlot{
		ID:               uuid.NewString(),
		RoomID:           roomID,
		UserID:           userID,
		LudoUsername:     req.LudoUsername,
		LudoUsernameSlug: slug.Make(req.LudoUsername),
		JoinStatus:       models.JoinStatusApproved,
		JoinedAt:         now,
		ApprovedAt:       &now,
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Slots", "Claims").Create(&room).Error; err != nil {
			return err
		}
		if err := tx.Create(&creatorSlot).Error; err != nil {
			return err
		}
		return recordInstruction(tx, roomID, userID, models.LedgerKindWagerDebit, req.BetAmount, debitKey, now)
	})
	if err != nil {
		// Compensate the committed debit so no money is stranded.
		refundKey := models.LedgerKey(roomID, models.LedgerKindWagerRefund, userID)
		if rerr := s.Ledger.Refund(c.Context(), userID, req.BetAmount, refundKey); rerr != nil {
			log.Printf("🚨 compensation refund failed for room %s user %s: %v", roomID, userID, rerr)
		}
		log.Printf("❌ room create failed: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create room"})
	}

	room.Slots = []models.PlayerSlot{creatorSlot}
	return c.Status(201).JSON(room)
}

// GetOpenRooms lists joinable pending rooms for the lobby.
func (s *RoomService) GetOpenRooms(c *fiber.Ctx) error {
	var rooms []models.MatchRoom
	now := time.Now()
	err := s.DB.
		Preload("Slots", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC")
		}).
		Where("status = ? AND (join_deadline IS NULL OR join_deadline > ?)", models.RoomStatusPending, now).
		Order("created_at DESC").
		Find(&rooms).Error
	if err != nil {
		log.Printf("ERROR fetching open rooms: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch rooms"})
	}
	// The room code is never part of the lobby view.
	for i := range rooms {
		rooms[i].RoomCode = ""
	}
	return c.JSON(rooms)
}

// GetMyRooms returns the caller's rooms, newest first. Finished and
// cancelled rooms are retained for history.
func (s *RoomService) GetMyRooms(c *fiber.Ctx) error {
	userID := currentUserID(c)
	var rooms []models.MatchRoom
	err := s.DB.
		Preload("Slots", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC")
		}).
		Where("id IN (?)", s.DB.Model(&models.PlayerSlot{}).Select("room_id").Where("user_id = ?", userID)).
		Order("created_at DESC").
		Find(&rooms).Error
	if err != nil {
		log.Printf("ERROR fetching rooms for user %s: %v", userID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch rooms"})
	}
	return c.JSON(rooms)
}

// GetRoomByID returns the full room view. The room code and claims are
// visible to members only.
func (s *RoomService) GetRoomByID(c *fiber.Ctx) error {
	id := c.Params("id")
	userID := currentUserID(c)

	var room models.MatchRoom
	err := s.DB.
		Preload("Slots", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC")
		}).
		Preload("Claims").
		First(&room, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "room not found"})
		}
		log.Printf("ERROR fetching room %s: %v", id, err)
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	if !room.IsApprovedPlayer(userID) {
		room.RoomCode = ""
		room.Claims = nil
	}
	return c.JSON(room)
}

// JoinRoom files a join request for the second seat. The stake is debited
// only when the creator approves, so a pending request commits nothing.
func (s *RoomService) JoinRoom(c *fiber.Ctx) error {
	type Req struct {
		LudoUsername string `json:"ludo_username"`
	}
	roomID := c.Params("id")
	userID := currentUserID(c)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "code": "validation"})
	}
	req.LudoUsername = strings.TrimSpace(req.LudoUsername)
	if req.LudoUsername == "" {
		return c.Status(400).JSON(fiber.Map{"error": "ludo_username is required", "code": "validation"})
	}

	var slot models.PlayerSlot
	now := time.Now()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if len(room.ApprovedSlots()) >= 2 {
			return fiber.NewError(409, "room_full")
		}
		if room.Status != models.RoomStatusPending || room.JoinExpired(now) {
			return fiber.NewError(409, "room_not_joinable")
		}
		if room.SlotFor(userID) != nil {
			return fiber.NewError(409, "already_member")
		}

		slot = models.PlayerSlot{
			ID:               uuid.NewString(),
			RoomID:           roomID,
			UserID:           userID,
			LudoUsername:     req.LudoUsername,
			LudoUsernameSlug: slug.Make(req.LudoUsername),
			JoinStatus:       models.JoinStatusPendingApproval,
			JoinedAt:         now,
		}
		return tx.Create(&slot).Error
	})
	if err != nil {
		return s.roomError(c, roomID, err)
	}

	return c.Status(201).JSON(fiber.Map{
		"pending": true,
		"slot":    slot,
	})
}

// HandleJoinRequest lets the creator approve or reject a pending slot.
// Approving the second player debits their wager and flips the room live,
// atomically; the room-code deadline starts counting from that moment.
func (s *RoomService) HandleJoinRequest(c *fiber.Ctx) error {
	type Req struct {
		UserID string `json:"user_id"`
		Action string `json:"action"` // approve | reject
	}
	roomID := c.Params("id")
	callerID := currentUserID(c)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "code": "validation"})
	}
	if req.Action != "approve" && req.Action != "reject" {
		return c.Status(400).JSON(fiber.Map{"error": "action must be approve or reject", "code": "validation"})
	}

	now := time.Now()
	var result fiber.Map
	var debitedUser, debitedKey string
	var debitedAttempt int
	var debitedAmount int64
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.CreatorUserID != callerID {
			return fiber.NewError(403, "not_creator")
		}

		slot := room.SlotFor(req.UserID)
		if slot == nil || slot.JoinStatus != models.JoinStatusPendingApproval {
			return fiber.NewError(404, "invalid_slot")
		}

		if req.Action == "reject" {
			// Rejection removes the slot entirely, freeing the seat. Works
			// on any non-terminal room so a request left over from before
			// the room went live can still be cleared.
			if room.IsTerminal() {
				return fiber.NewError(409, "already_resolved")
			}
			if err := tx.Delete(&models.PlayerSlot{}, "id = ?", slot.ID).Error; err != nil {
				return err
			}
			result = fiber.Map{"message": "join request rejected"}
			return nil
		}

		if room.Status != models.RoomStatusPending {
			return fiber.NewError(409, "room_not_joinable")
		}
		if len(room.ApprovedSlots()) >= 2 {
			return fiber.NewError(409, "room_full")
		}

		// Approval commits the joiner's stake. The debit runs inside the
		// locked transaction: if a later write fails, the transaction rolls
		// back and the debit is reversed below. Every reversed attempt bumps
		// the key, so a retried approval moves money again instead of the
		// wallet answering already-applied for a debit it already handed back.
		var reversals int64
		if err := tx.Model(&models.LedgerInstruction{}).
			Where("room_id = ? AND user_id = ? AND kind = ?", roomID, slot.UserID, models.LedgerKindWagerReversal).
			Count(&reversals).Error; err != nil {
			return err
		}
		debitKey := models.RetriedLedgerKey(roomID, models.LedgerKindWagerDebit, slot.UserID, int(reversals))
		if err := s.Ledger.Debit(c.Context(), slot.UserID, room.BetAmount, debitKey); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				return fiber.NewError(402, "insufficient_balance")
			}
			return err
		}
		debitedUser, debitedKey = slot.UserID, debitKey
		debitedAttempt, debitedAmount = int(reversals), room.BetAmount
		if err := recordInstruction(tx, roomID, slot.UserID, models.LedgerKindWagerDebit, room.BetAmount, debitKey, now); err != nil {
			return err
		}

		if err := tx.Model(&models.PlayerSlot{}).Where("id = ?", slot.ID).Updates(map[string]interface{}{
			"join_status": models.JoinStatusApproved,
			"approved_at": now,
		}).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{
			"status":          models.RoomStatusLive,
			"game_started_at": now,
			"join_deadline":   nil,
		}
		// The code clock only runs while there is no code yet; the creator
		// may have shared one before the room filled.
		if room.RoomCode == "" {
			updates["code_deadline"] = now.Add(s.CodeTimeout)
		}
		if err := tx.Model(&models.MatchRoom{}).Where("id = ?", roomID).Updates(updates).Error; err != nil {
			return err
		}

		log.Printf("🎮 Room %s is live: %s vs %s (bet %d)", roomID, room.CreatorUserID, slot.UserID, room.BetAmount)
		result = fiber.Map{"message": "join request approved", "status": models.RoomStatusLive}
		return nil
	})
	if err != nil {
		if debitedUser != "" {
			// The wallet kept the debit while the transaction rolled back.
			// Hand the money straight back so nothing is stranded on a slot
			// that never got approved.
			s.reverseApprovalDebit(c.Context(), roomID, debitedUser, debitedAmount, debitedKey, debitedAttempt, now)
		}
		return s.roomError(c, roomID, err)
	}
	return c.JSON(result)
}

// reverseApprovalDebit compensates a wager debit whose approval transaction
// failed to commit. It runs outside the transaction on purpose: the debit
// already stands at the wallet, so the reversal and its audit rows must
// survive the rollback. The recorded reversal also drives the key bump on
// the next approval attempt.
func (s *RoomService) reverseApprovalDebit(ctx context.Context, roomID, userID string, amount int64, debitKey string, attempt int, now time.Time) {
	reversalKey := models.RetriedLedgerKey(roomID, models.LedgerKindWagerReversal, userID, attempt)
	if err := s.Ledger.Refund(ctx, userID, amount, reversalKey); err != nil {
		log.Printf("🚨 reversal of wager debit failed for room %s user %s: %v", roomID, userID, err)
		return
	}
	if err := recordInstruction(s.DB, roomID, userID, models.LedgerKindWagerDebit, amount, debitKey, now); err != nil {
		log.Printf("⚠️  failed to record reversed debit for room %s user %s: %v", roomID, userID, err)
	}
	if err := recordInstruction(s.DB, roomID, userID, models.LedgerKindWagerReversal, amount, reversalKey, now); err != nil {
		log.Printf("🚨 failed to record wager reversal for room %s user %s: %v", roomID, userID, err)
	}
}

// SaveRoomCode sets or updates the external Ludo room code. Creator only,
// while the room is pending or live. Setting a code stops the code-timeout
// clock.
func (s *RoomService) SaveRoomCode(c *fiber.Ctx) error {
	type Req struct {
		Code string `json:"code"`
	}
	roomID := c.Params("id")
	callerID := currentUserID(c)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "code": "validation"})
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		return c.Status(400).JSON(fiber.Map{"error": "code is required", "code": "validation"})
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.CreatorUserID != callerID {
			return fiber.NewError(403, "not_creator")
		}
		if room.Status != models.RoomStatusPending && room.Status != models.RoomStatusLive {
			return fiber.NewError(409, "room_not_active")
		}
		return tx.Model(&models.MatchRoom{}).Where("id = ?", roomID).Updates(map[string]interface{}{
			"room_code":     req.Code,
			"code_deadline": nil,
		}).Error
	})
	if err != nil {
		return s.roomError(c, roomID, err)
	}
	return c.JSON(fiber.Map{"message": "room code saved"})
}

// GetRoomCode is polled by both players while waiting for the creator to
// share the code.
func (s *RoomService) GetRoomCode(c *fiber.Ctx) error {
	roomID := c.Params("id")
	userID := currentUserID(c)

	var room models.MatchRoom
	if err := s.DB.Preload("Slots").First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "room not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	if !room.IsApprovedPlayer(userID) {
		return c.Status(403).JSON(fiber.Map{"error": "not a member of this room", "code": "not_member"})
	}

	resp := fiber.Map{"available": room.RoomCode != ""}
	if room.RoomCode != "" {
		resp["code"] = room.RoomCode
	}
	return c.JSON(resp)
}

// CancelRoom lets the creator abandon a room that still has only one
// committed player. Once a second player is approved, cancellation needs
// the mutual or admin path.
func (s *RoomService) CancelRoom(c *fiber.Ctx) error {
	type Req struct {
		Reason string `json:"reason,omitempty"`
	}
	roomID := c.Params("id")
	callerID := currentUserID(c)

	var req Req
	_ = c.BodyParser(&req) // body optional

	now := time.Now()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.CreatorUserID != callerID {
			return fiber.NewError(403, "not_creator")
		}
		if room.IsTerminal() {
			return fiber.NewError(409, "already_resolved")
		}
		if len(room.ApprovedSlots()) != 1 {
			return fiber.NewError(409, "room_live")
		}
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = models.CancelReasonByCreator
		}
		return s.Settlement.Cancel(c.Context(), tx, room, reason, now)
	})
	if err != nil {
		return s.roomError(c, roomID, err)
	}
	return c.JSON(fiber.Map{"message": "room cancelled", "status": models.RoomStatusCancelled})
}

// RequestMutualCancellation records the caller's cancellation vote on a
// live room. When both players have voted the room cancels and both wagers
// come back. A single vote blocks nothing and is wiped by any later claim.
func (s *RoomService) RequestMutualCancellation(c *fiber.Ctx) error {
	roomID := c.Params("id")
	userID := currentUserID(c)

	now := time.Now()
	var cancelled bool
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.IsTerminal() {
			return fiber.NewError(409, "already_resolved")
		}
		if room.Status != models.RoomStatusLive {
			return fiber.NewError(409, "room_not_active")
		}
		slot := room.SlotFor(userID)
		if slot == nil || slot.JoinStatus != models.JoinStatusApproved {
			return fiber.NewError(403, "not_member")
		}

		if slot.CancelRequestedAt == nil {
			if err := tx.Model(&models.PlayerSlot{}).Where("id = ?", slot.ID).
				Update("cancel_requested_at", now).Error; err != nil {
				return err
			}
			slot.CancelRequestedAt = &now
		}

		if room.MutualCancelAgreed() {
			cancelled = true
			return s.Settlement.Cancel(c.Context(), tx, room, models.CancelReasonMutual, now)
		}
		return nil
	})
	if err != nil {
		return s.roomError(c, roomID, err)
	}

	if cancelled {
		return c.JSON(fiber.Map{"message": "room cancelled by mutual agreement", "status": models.RoomStatusCancelled})
	}
	return c.JSON(fiber.Map{"message": "cancellation requested, waiting for the other player", "pending": true})
}

// roomError maps transition failures to the distinguishable error kinds the
// clients react to; anything unexpected stays a 500.
func (s *RoomService) roomError(c *fiber.Ctx, roomID string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "room not found"})
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": errorMessage(fe.Message), "code": fe.Message})
	}
	log.Printf("ERROR on room %s: %v", roomID, err)
	return c.Status(500).JSON(fiber.Map{"error": "internal error"})
}

var errorMessages = map[string]string{
	"room_full":            "room already has two players",
	"room_not_joinable":    "room is not accepting players",
	"already_member":       "you already have a seat in this room",
	"not_creator":          "only the room creator may do this",
	"not_member":           "not a member of this room",
	"invalid_slot":         "no such pending join request",
	"room_not_active":      "room is not active",
	"room_live":            "room is live, use mutual cancellation",
	"already_resolved":     "room is already resolved",
	"insufficient_balance": "insufficient balance",
	"evidence_required":    "a win claim requires evidence",
	"no_room_code":         "room code has not been shared yet",
}

func errorMessage(code string) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return code
}
