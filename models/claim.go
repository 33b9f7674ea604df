// models/claim.go
package models

import "time"

const (
	ClaimTypeWin  = "win"
	ClaimTypeLoss = "loss"
)

const (
	ClaimStatusPending  = "pending"
	ClaimStatusVerified = "verified"
	ClaimStatusRejected = "rejected"
)

// ResolverSystem marks claims resolved automatically (uncontested outcomes),
// as opposed to an admin user id.
const ResolverSystem = "system"

// ResultClaim is a player's self-reported outcome for a room. At most one
// claim per (room, user); resubmission replaces a pending claim, never a
// resolved one. A win claim must carry evidence, a loss claim never does.
type ResultClaim struct {
	ID           string `gorm:"primaryKey;type:uuid" json:"id"`
	RoomID       string `gorm:"type:uuid;not null;index;uniqueIndex:idx_claim_room_user" json:"room_id"`
	UserID       string `gorm:"type:uuid;not null;uniqueIndex:idx_claim_room_user" json:"user_id"`
	ClaimType    string `gorm:"type:varchar(8);not null;check:claim_type IN ('win','loss')" json:"claim_type"`
	LudoUsername string `json:"ludo_username"`
	EvidenceURL  string `json:"evidence_url,omitempty"`

	ClaimStatus string     `gorm:"type:varchar(16);not null;default:'pending'" json:"claim_status"`
	AdminNotes  string     `json:"admin_notes,omitempty"`
	ResolverID  string     `json:"resolver_id,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	Timestamps
}

// ClaimOutcome is the decision the claim processor takes whenever the set of
// pending claims for a room changes.
type ClaimOutcome int

const (
	// OutcomeWait: nothing to do yet (no claims, or a lone win claim that
	// needs the opponent's answer or an admin).
	OutcomeWait ClaimOutcome = iota
	// OutcomeAutoWin: uncontested result, settle immediately for WinnerUserID.
	OutcomeAutoWin
	// OutcomeDispute: conflicting claims, a human admin must decide.
	OutcomeDispute
)

// DecideOutcome evaluates the pending claims of a room with two approved
// players and returns what should happen, plus the winner when automatic.
//
//   - exactly one loss claim:  the non-claiming player wins uncontested.
//   - exactly one win claim:   wait — a unilateral win never auto-resolves.
//   - win + loss:              the win claimant wins, settle now.
//   - win + win, loss + loss:  dispute, admin decision required.
func DecideOutcome(claims []ResultClaim, approved []PlayerSlot) (ClaimOutcome, string) {
	var pending []ResultClaim
	for _, c := range claims {
		if c.ClaimStatus == ClaimStatusPending {
			pending = append(pending, c)
		}
	}

	switch len(pending) {
	case 1:
		c := pending[0]
		if c.ClaimType == ClaimTypeWin {
			return OutcomeWait, ""
		}
		// Uncontested loss: the opponent wins once their identity is known.
		for _, s := range approved {
			if s.UserID != c.UserID {
				return OutcomeAutoWin, s.UserID
			}
		}
		return OutcomeWait, ""
	case 2:
		a, b := pending[0], pending[1]
		if a.ClaimType == b.ClaimType {
			return OutcomeDispute, ""
		}
		if a.ClaimType == ClaimTypeWin {
			return OutcomeAutoWin, a.UserID
		}
		return OutcomeAutoWin, b.UserID
	}
	return OutcomeWait, ""
}

// PendingWinClaimBy returns the pending win claim submitted by userID, if any.
// Dispute resolution requires the declared winner to hold one.
func PendingWinClaimBy(claims []ResultClaim, userID string) *ResultClaim {
	for i := range claims {
		c := &claims[i]
		if c.UserID == userID && c.ClaimType == ClaimTypeWin && c.ClaimStatus == ClaimStatusPending {
			return c
		}
	}
	return nil
}
