// models/room.go
package models

import (
	"time"
)

// Room lifecycle statuses. Transitions are monotonic along the graph in
// CanTransition; finished and cancelled are terminal.
const (
	RoomStatusPending   = "pending"   // waiting for a second player
	RoomStatusLive      = "live"      // two approved players, match in progress
	RoomStatusEnded     = "ended"     // at least one result claim submitted, awaiting resolution
	RoomStatusFinished  = "finished"  // winner declared and settled
	RoomStatusCancelled = "cancelled" // refunded, terminal
)

const (
	JoinStatusPendingApproval = "pending_approval"
	JoinStatusApproved        = "approved"
)

// Cancellation reasons written by the engine itself (admin reasons are free text).
const (
	CancelReasonNoOpponent = "no opponent joined in time"
	CancelReasonNoRoomCode = "no room code provided"
	CancelReasonMutual     = "mutual cancellation"
	CancelReasonByCreator  = "cancelled by creator"
)

// MatchRoom is one wagered two-player Ludo match. The room row is the single
// source of truth for the lifecycle: every mutation locks it FOR UPDATE and
// re-checks status, so racing pollers, the timeout supervisor and the admin
// cannot commit contradictory transitions.
type MatchRoom struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	CreatorUserID string `gorm:"type:uuid;not null;index" json:"creator_user_id"`
	BetAmount     int64  `gorm:"not null" json:"bet_amount"`
	Status        string `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`

	// Room code of the external Ludo room. Set only by the creator, readable
	// by both players once set.
	RoomCode string `json:"room_code,omitempty"`

	// Deadlines live on the room (not on client timers) so every poller and
	// the supervisor observe the same wall-clock cutoff.
	JoinDeadline *time.Time `gorm:"index" json:"join_deadline,omitempty"`
	CodeDeadline *time.Time `gorm:"index" json:"code_deadline,omitempty"`

	GameStartedAt *time.Time `json:"game_started_at,omitempty"`
	GameEndedAt   *time.Time `json:"game_ended_at,omitempty"`

	// Outcome, written exactly once at settlement.
	WinnerUserID   string     `gorm:"type:uuid" json:"winner_user_id,omitempty"`
	TotalPrizePool int64      `json:"total_prize_pool,omitempty"`
	ServiceCharge  int64      `json:"service_charge,omitempty"`
	AmountWon      int64      `json:"amount_won,omitempty"`
	NetAmount      int64      `json:"net_amount,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`

	Slots  []PlayerSlot  `gorm:"foreignKey:RoomID" json:"players,omitempty"`
	Claims []ResultClaim `gorm:"foreignKey:RoomID" json:"claims,omitempty"`

	Timestamps
}

// PlayerSlot is a player's membership record within a room. Slot order is
// join order; the creator always occupies the first slot. Rejected slots are
// deleted, freeing capacity for another join request.
type PlayerSlot struct {
	ID               string     `gorm:"primaryKey;type:uuid" json:"id"`
	RoomID           string     `gorm:"type:uuid;not null;index;uniqueIndex:idx_room_user" json:"room_id"`
	UserID           string     `gorm:"type:uuid;not null;uniqueIndex:idx_room_user" json:"user_id"`
	LudoUsername     string     `gorm:"not null" json:"ludo_username"`
	LudoUsernameSlug string     `gorm:"index" json:"-"`
	JoinStatus       string     `gorm:"type:varchar(20);not null;default:'pending_approval'" json:"join_status"`
	JoinedAt         time.Time  `gorm:"not null" json:"joined_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`

	// Mutual-cancellation vote. Non-blocking: a single request is superseded
	// by any later claim.
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
}

// roomGraph is the full set of legal status transitions. Everything else is
// a conflict, including any attempt to leave a terminal state.
var roomGraph = map[string][]string{
	RoomStatusPending: {RoomStatusLive, RoomStatusCancelled},
	RoomStatusLive:    {RoomStatusEnded, RoomStatusFinished, RoomStatusCancelled},
	RoomStatusEnded:   {RoomStatusFinished, RoomStatusCancelled},
}

func CanTransition(from, to string) bool {
	for _, next := range roomGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ValidRoomStatus(s string) bool {
	switch s {
	case RoomStatusPending, RoomStatusLive, RoomStatusEnded, RoomStatusFinished, RoomStatusCancelled:
		return true
	}
	return false
}

func (r *MatchRoom) IsTerminal() bool {
	return r.Status == RoomStatusFinished || r.Status == RoomStatusCancelled
}

// ApprovedSlots returns the committed players in join order.
func (r *MatchRoom) ApprovedSlots() []PlayerSlot {
	var out []PlayerSlot
	for _, s := range r.Slots {
		if s.JoinStatus == JoinStatusApproved {
			out = append(out, s)
		}
	}
	return out
}

// SlotFor returns the slot (any join status) held by userID, or nil.
func (r *MatchRoom) SlotFor(userID string) *PlayerSlot {
	for i := range r.Slots {
		if r.Slots[i].UserID == userID {
			return &r.Slots[i]
		}
	}
	return nil
}

// IsApprovedPlayer reports whether userID is one of the committed players.
func (r *MatchRoom) IsApprovedPlayer(userID string) bool {
	s := r.SlotFor(userID)
	return s != nil && s.JoinStatus == JoinStatusApproved
}

// OpponentOf returns the approved slot of the other player, or nil if the
// room does not (yet) have two approved players.
func (r *MatchRoom) OpponentOf(userID string) *PlayerSlot {
	for i := range r.Slots {
		if r.Slots[i].JoinStatus == JoinStatusApproved && r.Slots[i].UserID != userID {
			return &r.Slots[i]
		}
	}
	return nil
}

// JoinExpired reports whether the "no second player" deadline has passed.
// Only meaningful while the room is pending.
func (r *MatchRoom) JoinExpired(now time.Time) bool {
	return r.Status == RoomStatusPending && r.JoinDeadline != nil && !now.Before(*r.JoinDeadline)
}

// CodeExpired reports whether the room-code deadline has passed without the
// creator supplying a code. Only meaningful while the room is live.
func (r *MatchRoom) CodeExpired(now time.Time) bool {
	return r.Status == RoomStatusLive && r.RoomCode == "" && r.CodeDeadline != nil && !now.Before(*r.CodeDeadline)
}

// MutualCancelAgreed reports whether both approved players have requested
// cancellation.
func (r *MatchRoom) MutualCancelAgreed() bool {
	approved := r.ApprovedSlots()
	if len(approved) != 2 {
		return false
	}
	for _, s := range approved {
		if s.CancelRequestedAt == nil {
			return false
		}
	}
	return true
}
