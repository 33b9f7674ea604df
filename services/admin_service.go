// ludo-match-system/services/admin_service.go
package services

import (
	"errors"
	"log"
	"strings"
	"time"

	"ludo-match-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// AdminService is the human-in-the-loop authority: it declares winners and
// cancels rooms when the players' claims conflict. No timer ever resolves a
// dispute automatically.
type AdminService struct {
	DB         *gorm.DB
	Settlement *SettlementEngine
}

func NewAdminService(db *gorm.DB, settlement *SettlementEngine) *AdminService {
	return &AdminService{DB: db, Settlement: settlement}
}

// GetDisputes lists rooms awaiting a result, with their claims and evidence
// URLs, flagging the ones whose claims conflict.
func (s *AdminService) GetDisputes(c *fiber.Ctx) error {
	var rooms []models.MatchRoom
	err := s.DB.
		Preload("Slots", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC")
		}).
		Preload("Claims").
		Where("status = ?", models.RoomStatusEnded).
		Order("updated_at ASC").
		Find(&rooms).Error
	if err != nil {
		log.Printf("ERROR fetching disputes: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch disputes"})
	}

	type DisputeView struct {
		Room      models.MatchRoom `json:"room"`
		Contested bool             `json:"contested"`
	}
	out := make([]DisputeView, 0, len(rooms))
	for _, r := range rooms {
		outcome, _ := models.DecideOutcome(r.Claims, r.ApprovedSlots())
		out = append(out, DisputeView{Room: r, Contested: outcome == models.OutcomeDispute})
	}
	return c.JSON(out)
}

// ResolveDispute declares winnerUserID the winner of a contested room. The
// winner must hold a pending win claim; their claim is verified, all other
// pending claims rejected, and settlement runs in the same transaction.
func (s *AdminService) ResolveDispute(c *fiber.Ctx) error {
	type Req struct {
		WinnerUserID string `json:"winner_user_id"`
		Notes        string `json:"notes,omitempty"`
	}
	roomID := c.Params("id")
	adminID := currentUserID(c)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "code": "validation"})
	}
	if req.WinnerUserID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "winner_user_id is required", "code": "validation"})
	}

	now := time.Now()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.IsTerminal() {
			return fiber.NewError(409, "already_resolved")
		}
		if !room.IsApprovedPlayer(req.WinnerUserID) {
			return fiber.NewError(400, "winner_not_player")
		}
		if models.PendingWinClaimBy(room.Claims, req.WinnerUserID) == nil {
			return fiber.NewError(400, "no_win_claim")
		}

		notes := strings.TrimSpace(req.Notes)
		if notes == "" {
			notes = "resolved by admin"
		}
		if err := resolveClaims(tx, room, req.WinnerUserID, adminID, notes, now); err != nil {
			return err
		}
		return s.Settlement.Finish(c.Context(), tx, room, req.WinnerUserID, now)
	})
	if err != nil {
		return s.adminError(c, roomID, err)
	}

	log.Printf("⚖️  Room %s dispute resolved by %s: winner %s", roomID, adminID, req.WinnerUserID)
	return c.JSON(fiber.Map{"message": "dispute resolved", "winner_user_id": req.WinnerUserID})
}

// CancelRoom is the admin force-cancel: every committed wager comes back,
// all pending claims are rejected. Works on any non-terminal room, including
// a single-sided mutual-cancellation request the admin chooses to honor.
func (s *AdminService) CancelRoom(c *fiber.Ctx) error {
	type Req struct {
		Reason string `json:"reason,omitempty"`
	}
	roomID := c.Params("id")
	adminID := currentUserID(c)

	var req Req
	_ = c.BodyParser(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by admin"
	}

	now := time.Now()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.IsTerminal() {
			return fiber.NewError(409, "already_resolved")
		}
		if err := resolveClaims(tx, room, "", adminID, reason, now); err != nil {
			return err
		}
		return s.Settlement.Cancel(c.Context(), tx, room, reason, now)
	})
	if err != nil {
		return s.adminError(c, roomID, err)
	}

	log.Printf("⚖️  Room %s force-cancelled by admin %s (%s)", roomID, adminID, reason)
	return c.JSON(fiber.Map{"message": "room cancelled", "status": models.RoomStatusCancelled})
}

// UpdateRoomStatus is the audited manual override. Only transitions legal in
// the lifecycle graph are accepted; terminal transitions are redirected to
// the paths that move money, so an override can never strand a wager.
func (s *AdminService) UpdateRoomStatus(c *fiber.Ctx) error {
	type Req struct {
		Status string `json:"status"`
	}
	roomID := c.Params("id")
	adminID := currentUserID(c)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "code": "validation"})
	}
	if !models.ValidRoomStatus(req.Status) {
		return c.Status(400).JSON(fiber.Map{"error": "invalid status", "code": "validation"})
	}
	if req.Status == models.RoomStatusFinished {
		return c.Status(400).JSON(fiber.Map{
			"error": "declaring a winner requires resolve-dispute",
			"code":  "use_resolve_dispute",
		})
	}
	// Going live is inseparable from committing the second stake; only the
	// join-approval path does both.
	if req.Status == models.RoomStatusLive {
		return c.Status(400).JSON(fiber.Map{
			"error": "going live requires an approved second player",
			"code":  "use_join_approval",
		})
	}

	now := time.Now()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.Status == req.Status {
			return nil
		}
		if !models.CanTransition(room.Status, req.Status) {
			return fiber.NewError(409, "invalid_transition")
		}
		if req.Status == models.RoomStatusCancelled {
			if err := resolveClaims(tx, room, "", adminID, "status override", now); err != nil {
				return err
			}
			return s.Settlement.Cancel(c.Context(), tx, room, "cancelled by admin override", now)
		}
		log.Printf("⚖️  AUDIT: admin %s overrode room %s status %s → %s", adminID, roomID, room.Status, req.Status)
		return tx.Model(&models.MatchRoom{}).Where("id = ?", roomID).
			Update("status", req.Status).Error
	})
	if err != nil {
		return s.adminError(c, roomID, err)
	}
	return c.JSON(fiber.Map{"message": "status updated", "status": req.Status})
}

// GetRoomLedger returns the per-room money-conservation view: every
// instruction the engine issued, with debit vs credit+refund totals.
func (s *AdminService) GetRoomLedger(c *fiber.Ctx) error {
	roomID := c.Params("id")

	var instructions []models.LedgerInstruction
	if err := s.DB.Where("room_id = ?", roomID).Order("issued_at ASC").Find(&instructions).Error; err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	var debits, credits, refunds, reversals int64
	for _, in := range instructions {
		switch in.Kind {
		case models.LedgerKindWagerDebit:
			debits += in.Amount
		case models.LedgerKindPrizeCredit:
			credits += in.Amount
		case models.LedgerKindWagerRefund:
			refunds += in.Amount
		case models.LedgerKindWagerReversal:
			reversals += in.Amount
		}
	}

	var room models.MatchRoom
	if err := s.DB.First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "room not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	// A terminal room balances: everything taken in came back out as prize,
	// refund or reversal, less the retained charge.
	balanced := !room.IsTerminal() || debits == credits+refunds+reversals+room.ServiceCharge
	return c.JSON(fiber.Map{
		"instructions":    instructions,
		"total_debits":    debits,
		"total_credits":   credits,
		"total_refunds":   refunds,
		"total_reversals": reversals,
		"service_charge":  room.ServiceCharge,
		"balanced":        balanced,
	})
}

func (s *AdminService) adminError(c *fiber.Ctx, roomID string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "room not found"})
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		msg := errorMessage(fe.Message)
		switch fe.Message {
		case "winner_not_player":
			msg = "winner must be an approved player of the room"
		case "no_win_claim":
			msg = "declared winner has no pending win claim"
		case "invalid_transition":
			msg = "transition not allowed from current status"
		}
		return c.Status(fe.Code).JSON(fiber.Map{"error": msg, "code": fe.Message})
	}
	log.Printf("ERROR on admin op for room %s: %v", roomID, err)
	return c.Status(500).JSON(fiber.Map{"error": "internal error"})
}
