package services

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ludo-match-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func roomApp(db *gorm.DB, led Ledger) *fiber.App {
	engine := &SettlementEngine{Ledger: led, ServiceRate: 0.05}
	rooms := &RoomService{
		DB:          db,
		Ledger:      led,
		Settlement:  engine,
		MinBet:      50,
		JoinTimeout: 3 * time.Minute,
		CodeTimeout: 3 * time.Minute,
	}
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-User-ID"))
		return c.Next()
	})
	app.Post("/rooms/:id/join-requests", rooms.HandleJoinRequest)
	return app
}

// seedPendingRoom writes a pending room with the creator committed and a
// second player waiting for approval. code may be empty.
func seedPendingRoom(t *testing.T, db *gorm.DB, bet int64, code string) (roomID, creator, joiner string) {
	t.Helper()
	now := time.Now()
	joinDeadline := now.Add(3 * time.Minute)
	roomID, creator, joiner = uuid.NewString(), uuid.NewString(), uuid.NewString()

	room := models.MatchRoom{
		ID:            roomID,
		CreatorUserID: creator,
		BetAmount:     bet,
		Status:        models.RoomStatusPending,
		RoomCode:      code,
		JoinDeadline:  &joinDeadline,
	}
	if err := db.Create(&room).Error; err != nil {
		t.Fatalf("seed room: %v", err)
	}

	slots := []models.PlayerSlot{
		{
			ID: uuid.NewString(), RoomID: roomID, UserID: creator,
			LudoUsername: "player-1", LudoUsernameSlug: slug.Make("player-1"),
			JoinStatus: models.JoinStatusApproved, JoinedAt: now, ApprovedAt: &now,
		},
		{
			ID: uuid.NewString(), RoomID: roomID, UserID: joiner,
			LudoUsername: "player-2", LudoUsernameSlug: slug.Make("player-2"),
			JoinStatus: models.JoinStatusPendingApproval, JoinedAt: now.Add(time.Second),
		},
	}
	for i := range slots {
		if err := db.Create(&slots[i]).Error; err != nil {
			t.Fatalf("seed slot: %v", err)
		}
	}
	return roomID, creator, joiner
}

func TestApproveJoinStartsCodeClock(t *testing.T) {
	db := flowDB(t)
	led := newMemoryLedger()
	app := roomApp(db, led)

	roomID, creator, joiner := seedPendingRoom(t, db, 100, "")

	body := fmt.Sprintf(`{"user_id":%q,"action":"approve"}`, joiner)
	req := httptest.NewRequest("POST", "/rooms/"+roomID+"/join-requests", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", creator)
	resp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	room := reloadRoom(t, db, roomID)
	assert.Equal(t, models.RoomStatusLive, room.Status)
	assert.Nil(t, room.JoinDeadline)
	assert.NotNil(t, room.CodeDeadline, "no code yet, the code clock must run")
	assert.True(t, room.IsApprovedPlayer(joiner))

	// The joiner's stake moved exactly once and is on the books.
	debitKey := models.LedgerKey(roomID, models.LedgerKindWagerDebit, joiner)
	assert.Equal(t, int64(100), led.applied[debitKey])
	assert.Equal(t, 1, led.calls)
	var n int64
	assert.NoError(t, db.Model(&models.LedgerInstruction{}).
		Where("idempotency_key = ?", debitKey).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestApproveJoinKeepsEarlyRoomCode(t *testing.T) {
	db := flowDB(t)
	led := newMemoryLedger()
	app := roomApp(db, led)

	// The creator shared the code while the room was still pending: approval
	// must not start a code countdown the creator already satisfied.
	roomID, creator, joiner := seedPendingRoom(t, db, 100, "LUDO42")

	body := fmt.Sprintf(`{"user_id":%q,"action":"approve"}`, joiner)
	req := httptest.NewRequest("POST", "/rooms/"+roomID+"/join-requests", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", creator)
	resp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	room := reloadRoom(t, db, roomID)
	assert.Equal(t, models.RoomStatusLive, room.Status)
	assert.Equal(t, "LUDO42", room.RoomCode)
	assert.Nil(t, room.CodeDeadline)
}
