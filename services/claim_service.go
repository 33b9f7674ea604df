// ludo-match-system/services/claim_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"ludo-match-system/models"
	"ludo-match-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

type ClaimService struct {
	DB         *gorm.DB
	Settlement *SettlementEngine

	// Upload stores an evidence screenshot and returns its public URL.
	Upload func(file *multipart.FileHeader, key string) (string, error)
}

func NewClaimService(db *gorm.DB, settlement *SettlementEngine) *ClaimService {
	return &ClaimService{DB: db, Settlement: settlement, Upload: utils.UploadEvidence}
}

// SubmitClaim records a player's self-reported result (multipart form:
// claim_type, ludo_username, evidence screenshot). A win claim must carry
// evidence; a loss claim never does. Resubmission replaces a still-pending
// claim; a resolved claim is final. Whenever the claim set changes the
// resolution rule runs and may settle the room on the spot.
func (s *ClaimService) SubmitClaim(c *fiber.Ctx) error {
	roomID := c.Params("id")
	userID := currentUserID(c)

	claimType := strings.ToLower(strings.TrimSpace(c.FormValue("claim_type")))
	ludoUsername := strings.TrimSpace(c.FormValue("ludo_username"))

	if claimType != models.ClaimTypeWin && claimType != models.ClaimTypeLoss {
		return c.Status(400).JSON(fiber.Map{"error": "claim_type must be win or loss", "code": "validation"})
	}

	// Evidence goes to R2 before the room lock is taken; an orphaned upload
	// from a rejected claim is harmless, a lock held across a network upload
	// is not.
	var evidenceURL string
	if claimType == models.ClaimTypeWin {
		file, err := c.FormFile("evidence")
		if err != nil || file.Size == 0 {
			return c.Status(400).JSON(fiber.Map{"error": errorMessage("evidence_required"), "code": "evidence_required"})
		}
		ext := filepath.Ext(file.Filename)
		if ext == "" {
			ext = ".jpg"
		}
		key := fmt.Sprintf("claims/%s/%s%s", roomID, uuid.NewString(), ext)
		url, err := s.Upload(file, key)
		if err != nil {
			log.Printf("❌ evidence upload failed for room %s: %v", roomID, err)
			return c.Status(500).JSON(fiber.Map{"error": "failed to store evidence"})
		}
		evidenceURL = url
	}

	now := time.Now()
	var claim models.ResultClaim
	var roomStatus string
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.IsTerminal() {
			return fiber.NewError(409, "already_resolved")
		}
		if room.Status != models.RoomStatusLive && room.Status != models.RoomStatusEnded {
			return fiber.NewError(409, "room_not_active")
		}
		if room.RoomCode == "" {
			return fiber.NewError(409, "no_room_code")
		}
		slot := room.SlotFor(userID)
		if slot == nil || slot.JoinStatus != models.JoinStatusApproved {
			return fiber.NewError(403, "not_member")
		}
		if ludoUsername == "" {
			ludoUsername = slot.LudoUsername
		}

		// Replace a pending claim, refuse to touch a resolved one.
		existing := claimFor(room.Claims, userID)
		if existing != nil && existing.ClaimStatus != models.ClaimStatusPending {
			return fiber.NewError(409, "already_resolved")
		}
		if existing != nil {
			existing.ClaimType = claimType
			existing.LudoUsername = ludoUsername
			existing.EvidenceURL = evidenceURL
			if err := tx.Model(&models.ResultClaim{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
				"claim_type":    claimType,
				"ludo_username": ludoUsername,
				"evidence_url":  evidenceURL,
			}).Error; err != nil {
				return err
			}
			claim = *existing
		} else {
			claim = models.ResultClaim{
				ID:           uuid.NewString(),
				RoomID:       roomID,
				UserID:       userID,
				ClaimType:    claimType,
				LudoUsername: ludoUsername,
				EvidenceURL:  evidenceURL,
				ClaimStatus:  models.ClaimStatusPending,
			}
			if err := tx.Create(&claim).Error; err != nil {
				return err
			}
			room.Claims = append(room.Claims, claim)
		}

		// A claim supersedes any one-sided cancellation request.
		if err := tx.Model(&models.PlayerSlot{}).Where("room_id = ?", roomID).
			Update("cancel_requested_at", nil).Error; err != nil {
			return err
		}

		// First claim parks the room in the awaiting-result state.
		if room.Status == models.RoomStatusLive {
			if err := tx.Model(&models.MatchRoom{}).Where("id = ?", roomID).
				Update("status", models.RoomStatusEnded).Error; err != nil {
				return err
			}
			room.Status = models.RoomStatusEnded
		}

		if err := s.resolve(c, tx, room, now); err != nil {
			return err
		}
		roomStatus = room.Status

		// Slug check is informational only: a mismatch between the claimed
		// and registered Ludo usernames is surfaced to the admin, never
		// auto-rejected.
		if slug.Make(ludoUsername) != slot.LudoUsernameSlug {
			log.Printf("⚠️  Room %s: claim username %q does not match slot username %q", roomID, ludoUsername, slot.LudoUsername)
		}
		return nil
	})
	if err != nil {
		return s.claimError(c, roomID, err)
	}

	return c.Status(201).JSON(fiber.Map{
		"claim":       claim,
		"room_status": roomStatus,
	})
}

// resolve applies the resolution rule to the room's current claim set.
// Runs inside the room-locked transaction.
func (s *ClaimService) resolve(c *fiber.Ctx, tx *gorm.DB, room *models.MatchRoom, now time.Time) error {
	outcome, winnerID := models.DecideOutcome(room.Claims, room.ApprovedSlots())
	switch outcome {
	case models.OutcomeAutoWin:
		if err := resolveClaims(tx, room, winnerID, models.ResolverSystem, "auto-resolved", now); err != nil {
			return err
		}
		return s.Settlement.Finish(c.Context(), tx, room, winnerID, now)
	case models.OutcomeDispute:
		// Conflicting claims stay pending until an admin decides; no
		// financial effect here.
		log.Printf("⚖️  Room %s: conflicting claims, awaiting admin dispute resolution", room.ID)
		return nil
	default:
		return nil
	}
}

// resolveClaims marks the winner's pending claim verified and every other
// pending claim rejected.
func resolveClaims(tx *gorm.DB, room *models.MatchRoom, winnerID, resolverID, notes string, now time.Time) error {
	for i := range room.Claims {
		cl := &room.Claims[i]
		if cl.ClaimStatus != models.ClaimStatusPending {
			continue
		}
		status := models.ClaimStatusRejected
		if cl.UserID == winnerID && winnerID != "" {
			status = models.ClaimStatusVerified
		}
		if err := tx.Model(&models.ResultClaim{}).Where("id = ?", cl.ID).Updates(map[string]interface{}{
			"claim_status": status,
			"resolver_id":  resolverID,
			"admin_notes":  notes,
			"resolved_at":  now,
		}).Error; err != nil {
			return err
		}
		cl.ClaimStatus = status
		cl.ResolverID = resolverID
		cl.AdminNotes = notes
		cl.ResolvedAt = &now
	}
	return nil
}

func claimFor(claims []models.ResultClaim, userID string) *models.ResultClaim {
	for i := range claims {
		if claims[i].UserID == userID {
			return &claims[i]
		}
	}
	return nil
}

// GetMyClaim returns the caller's claim for a room, for poll-driven UIs.
func (s *ClaimService) GetMyClaim(c *fiber.Ctx) error {
	roomID := c.Params("id")
	userID := currentUserID(c)

	var claim models.ResultClaim
	if err := s.DB.Where("room_id = ? AND user_id = ?", roomID, userID).First(&claim).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "no claim submitted"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(claim)
}

func (s *ClaimService) claimError(c *fiber.Ctx, roomID string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "room not found"})
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": errorMessage(fe.Message), "code": fe.Message})
	}
	log.Printf("ERROR on claim for room %s: %v", roomID, err)
	return c.Status(500).JSON(fiber.Map{"error": "internal error"})
}
