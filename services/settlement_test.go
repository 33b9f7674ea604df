package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"ludo-match-system/models"

	"github.com/stretchr/testify/assert"
)

// memoryLedger applies each idempotency key at most once, like the real
// wallet service.
type memoryLedger struct {
	mu      sync.Mutex
	applied map[string]int64
	calls   int
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{applied: make(map[string]int64)}
}

func (m *memoryLedger) apply(key string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := m.applied[key]; ok {
		return nil // already applied, no second movement
	}
	m.applied[key] = amount
	return nil
}

func (m *memoryLedger) Debit(_ context.Context, _ string, amount int64, key string) error {
	return m.apply(key, amount)
}
func (m *memoryLedger) Credit(_ context.Context, _ string, amount int64, key string) error {
	return m.apply(key, amount)
}
func (m *memoryLedger) Refund(_ context.Context, _ string, amount int64, key string) error {
	return m.apply(key, amount)
}

func (m *memoryLedger) total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, v := range m.applied {
		sum += v
	}
	return sum
}

func TestMemoryLedgerIdempotence(t *testing.T) {
	led := newMemoryLedger()
	key := models.LedgerKey("room-1", models.LedgerKindWagerRefund, "user-a")

	// A retried refund with the same derived key moves money once.
	assert.NoError(t, led.Refund(context.Background(), "user-a", 100, key))
	assert.NoError(t, led.Refund(context.Background(), "user-a", 100, key))
	assert.Equal(t, int64(100), led.total())
	assert.Equal(t, 2, led.calls)
}

func TestFinishIsNoOpOnTerminalRoom(t *testing.T) {
	led := newMemoryLedger()
	engine := &SettlementEngine{Ledger: led, ServiceRate: 0.05}
	now := time.Now()

	settled := now.Add(-time.Minute)
	room := &models.MatchRoom{
		ID:        "room-1",
		BetAmount: 100,
		Status:    models.RoomStatusFinished,
		SettledAt: &settled,
	}

	// Duplicate trigger from a racing path: nothing moves, nothing changes.
	assert.NoError(t, engine.Finish(context.Background(), nil, room, "user-a", now))
	assert.Zero(t, led.calls)
	assert.Equal(t, settled.Unix(), room.SettledAt.Unix())
}

func TestCancelIsNoOpOnTerminalRoom(t *testing.T) {
	led := newMemoryLedger()
	engine := &SettlementEngine{Ledger: led, ServiceRate: 0.05}
	now := time.Now()

	settled := now.Add(-time.Minute)
	room := &models.MatchRoom{
		ID:        "room-1",
		BetAmount: 100,
		Status:    models.RoomStatusCancelled,
		SettledAt: &settled,
		Slots: []models.PlayerSlot{
			{UserID: "user-a", JoinStatus: models.JoinStatusApproved},
			{UserID: "user-b", JoinStatus: models.JoinStatusApproved},
		},
	}

	// Supervisor firing twice on an already-cancelled room: no second refund.
	assert.NoError(t, engine.Cancel(context.Background(), nil, room, models.CancelReasonNoRoomCode, now))
	assert.Zero(t, led.calls)
}

func TestFinishRequiresTwoCommittedPlayers(t *testing.T) {
	led := newMemoryLedger()
	engine := &SettlementEngine{Ledger: led, ServiceRate: 0.05}

	// Only the creator's wager was ever collected; there is no pool of
	// 2x bet to pay a winner from.
	room := &models.MatchRoom{
		ID:        "room-1",
		BetAmount: 100,
		Status:    models.RoomStatusEnded,
		RoomCode:  "LUDO42",
		Slots: []models.PlayerSlot{
			{UserID: "user-a", JoinStatus: models.JoinStatusApproved},
		},
	}
	err := engine.Finish(context.Background(), nil, room, "user-a", time.Now())
	assert.Error(t, err)
	assert.Zero(t, led.calls, "no credit may be issued")
	assert.Equal(t, models.RoomStatusEnded, room.Status)
	assert.Nil(t, room.SettledAt)
}

func TestReversedDebitUsesFreshKeyOnRetry(t *testing.T) {
	led := newMemoryLedger()
	ctx := context.Background()

	// First approval attempt: the debit lands at the wallet but the
	// surrounding transaction fails, so the debit is reversed.
	debit0 := models.RetriedLedgerKey("room-1", models.LedgerKindWagerDebit, "user-b", 0)
	reversal0 := models.RetriedLedgerKey("room-1", models.LedgerKindWagerReversal, "user-b", 0)
	assert.NoError(t, led.Debit(ctx, "user-b", 100, debit0))
	assert.NoError(t, led.Refund(ctx, "user-b", 100, reversal0))

	// The retry must not replay the reversed debit. With one reversal on
	// record the key is bumped and the wallet moves money again.
	debit1 := models.RetriedLedgerKey("room-1", models.LedgerKindWagerDebit, "user-b", 1)
	assert.NotEqual(t, debit0, debit1)
	assert.NoError(t, led.Debit(ctx, "user-b", 100, debit1))
	assert.Len(t, led.applied, 3, "all three movements applied, none masked as duplicates")

	// A later legitimate cancellation refund has its own key and still lands.
	refund := models.LedgerKey("room-1", models.LedgerKindWagerRefund, "user-b")
	assert.NotEqual(t, reversal0, refund)
	assert.NoError(t, led.Refund(ctx, "user-b", 100, refund))
	assert.Len(t, led.applied, 4)
}

func TestFinishRejectsIllegalOrigin(t *testing.T) {
	led := newMemoryLedger()
	engine := &SettlementEngine{Ledger: led, ServiceRate: 0.05}

	room := &models.MatchRoom{ID: "room-1", BetAmount: 100, Status: models.RoomStatusPending}
	err := engine.Finish(context.Background(), nil, room, "user-a", time.Now())
	assert.Error(t, err, "a pending room has no result to settle")
	assert.Zero(t, led.calls)
}

func TestNewSettlementEngineRate(t *testing.T) {
	t.Setenv("SERVICE_CHARGE_RATE", "0.025")
	engine := NewSettlementEngine(newMemoryLedger())
	assert.InDelta(t, 0.025, engine.ServiceRate, 1e-9)

	t.Setenv("SERVICE_CHARGE_RATE", "nonsense")
	engine = NewSettlementEngine(newMemoryLedger())
	assert.InDelta(t, 0.05, engine.ServiceRate, 1e-9, "bad value falls back to default")

	t.Setenv("SERVICE_CHARGE_RATE", "")
	engine = NewSettlementEngine(newMemoryLedger())
	assert.InDelta(t, 0.05, engine.ServiceRate, 1e-9)
}
