package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"ludo-match-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// flowDB opens the throwaway database named by TEST_DATABASE_URL. The claim
// flow needs real transactions and row locks, so these tests only run when a
// database is provided.
func flowDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&models.MatchRoom{}, &models.PlayerSlot{}, &models.ResultClaim{}, &models.LedgerInstruction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func claimApp(db *gorm.DB, led Ledger) (*fiber.App, *SettlementEngine) {
	engine := &SettlementEngine{Ledger: led, ServiceRate: 0.05}
	claims := &ClaimService{
		DB:         db,
		Settlement: engine,
		Upload: func(_ *multipart.FileHeader, key string) (string, error) {
			return "https://cdn.test/" + key, nil
		},
	}
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", c.Get("X-User-ID"))
		return c.Next()
	})
	app.Post("/rooms/:id/claims", claims.SubmitClaim)
	return app, engine
}

// seedLiveRoom writes a live room with both wagers committed and a shared
// room code, ready to receive claims.
func seedLiveRoom(t *testing.T, db *gorm.DB, bet int64) (roomID, creator, joiner string) {
	t.Helper()
	now := time.Now()
	roomID, creator, joiner = uuid.NewString(), uuid.NewString(), uuid.NewString()

	room := models.MatchRoom{
		ID:            roomID,
		CreatorUserID: creator,
		BetAmount:     bet,
		Status:        models.RoomStatusLive,
		RoomCode:      "LUDO42",
		GameStartedAt: &now,
	}
	if err := db.Create(&room).Error; err != nil {
		t.Fatalf("seed room: %v", err)
	}
	for i, uid := range []string{creator, joiner} {
		name := fmt.Sprintf("player-%d", i+1)
		slot := models.PlayerSlot{
			ID:               uuid.NewString(),
			RoomID:           roomID,
			UserID:           uid,
			LudoUsername:     name,
			LudoUsernameSlug: slug.Make(name),
			JoinStatus:       models.JoinStatusApproved,
			JoinedAt:         now.Add(time.Duration(i) * time.Second),
			ApprovedAt:       &now,
		}
		if err := db.Create(&slot).Error; err != nil {
			t.Fatalf("seed slot: %v", err)
		}
		inst := models.LedgerInstruction{
			ID:             uuid.NewString(),
			RoomID:         roomID,
			UserID:         uid,
			Kind:           models.LedgerKindWagerDebit,
			Amount:         bet,
			IdempotencyKey: models.LedgerKey(roomID, models.LedgerKindWagerDebit, uid),
			IssuedAt:       now,
		}
		if err := db.Create(&inst).Error; err != nil {
			t.Fatalf("seed instruction: %v", err)
		}
	}
	return roomID, creator, joiner
}

func winClaimRequest(t *testing.T, roomID, userID, username string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("claim_type", "win")
	_ = w.WriteField("ludo_username", username)
	fw, err := w.CreateFormFile("evidence", "result.jpg")
	if err != nil {
		t.Fatalf("build evidence part: %v", err)
	}
	_, _ = fw.Write([]byte("screenshot-bytes"))
	_ = w.Close()

	req := httptest.NewRequest("POST", "/rooms/"+roomID+"/claims", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-User-ID", userID)
	return req
}

func lossClaimRequest(roomID, userID, username string) *http.Request {
	form := url.Values{"claim_type": {"loss"}, "ludo_username": {username}}
	req := httptest.NewRequest("POST", "/rooms/"+roomID+"/claims", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-User-ID", userID)
	return req
}

func reloadRoom(t *testing.T, db *gorm.DB, id string) *models.MatchRoom {
	t.Helper()
	var room models.MatchRoom
	if err := db.Preload("Slots").Preload("Claims").First(&room, "id = ?", id).Error; err != nil {
		t.Fatalf("reload room: %v", err)
	}
	return &room
}

func TestClaimFlowWinThenLossSettlesOnce(t *testing.T) {
	db := flowDB(t)
	led := newMemoryLedger()
	app, engine := claimApp(db, led)

	roomID, creator, joiner := seedLiveRoom(t, db, 100)

	// Creator reports a win. One claim is not enough to decide: the room
	// parks in the awaiting-result state, no money moves.
	resp, err := app.Test(winClaimRequest(t, roomID, creator, "player-1"), -1)
	assert.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	room := reloadRoom(t, db, roomID)
	assert.Equal(t, models.RoomStatusEnded, room.Status)
	assert.Nil(t, room.SettledAt)
	assert.Zero(t, led.calls)

	// Opponent concedes. Win plus loss auto-resolves, settles the room and
	// credits the winner exactly once.
	resp, err = app.Test(lossClaimRequest(roomID, joiner, "player-2"), -1)
	assert.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	room = reloadRoom(t, db, roomID)
	assert.Equal(t, models.RoomStatusFinished, room.Status)
	assert.Equal(t, creator, room.WinnerUserID)
	assert.Equal(t, int64(200), room.TotalPrizePool)
	assert.Equal(t, int64(190), room.NetAmount)
	assert.NotNil(t, room.SettledAt)

	creditKey := models.LedgerKey(roomID, models.LedgerKindPrizeCredit, creator)
	assert.Equal(t, int64(190), led.applied[creditKey])
	assert.Equal(t, 1, led.calls, "exactly one wallet movement for the whole resolution")

	var credits int64
	assert.NoError(t, db.Model(&models.LedgerInstruction{}).
		Where("room_id = ? AND kind = ?", roomID, models.LedgerKindPrizeCredit).
		Count(&credits).Error)
	assert.Equal(t, int64(1), credits)

	for _, cl := range room.Claims {
		switch cl.UserID {
		case creator:
			assert.Equal(t, models.ClaimStatusVerified, cl.ClaimStatus)
		case joiner:
			assert.Equal(t, models.ClaimStatusRejected, cl.ClaimStatus)
		}
		assert.Equal(t, models.ResolverSystem, cl.ResolverID)
	}

	// Resubmitting against the settled room is refused and moves nothing.
	resp, err = app.Test(lossClaimRequest(roomID, joiner, "player-2"), -1)
	assert.NoError(t, err)
	assert.Equal(t, 409, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "already_resolved")
	assert.Equal(t, 1, led.calls)

	// A racing duplicate settlement trigger is a no-op too.
	assert.NoError(t, engine.Finish(context.Background(), db, reloadRoom(t, db, roomID), creator, time.Now()))
	assert.Equal(t, 1, led.calls)
}

func TestClaimFlowLoneLossAutoWinsOpponent(t *testing.T) {
	db := flowDB(t)
	led := newMemoryLedger()
	app, _ := claimApp(db, led)

	roomID, creator, joiner := seedLiveRoom(t, db, 100)

	// A concession with no opposing claim hands the win to the opponent
	// immediately.
	resp, err := app.Test(lossClaimRequest(roomID, joiner, "player-2"), -1)
	assert.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	room := reloadRoom(t, db, roomID)
	assert.Equal(t, models.RoomStatusFinished, room.Status)
	assert.Equal(t, creator, room.WinnerUserID)
	assert.Equal(t, int64(190), led.applied[models.LedgerKey(roomID, models.LedgerKindPrizeCredit, creator)])
	assert.Equal(t, 1, led.calls)
}
