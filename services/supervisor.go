// services/supervisor.go
package services

import (
	"context"
	"log"
	"time"

	"ludo-match-system/models"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// TimeoutSupervisor advances rooms past their stored deadlines. Deadlines
// are wall-clock fields on the room, so a restart loses nothing; the scan
// runs on a short interval but acts only on timestamps. Every fired
// deadline re-checks the room under the same lock as client actions, so a
// timeout racing a legitimate approval or claim simply loses.
type TimeoutSupervisor struct {
	DB         *gorm.DB
	Settlement *SettlementEngine
	scheduler  gocron.Scheduler
}

func NewTimeoutSupervisor(db *gorm.DB, settlement *SettlementEngine) *TimeoutSupervisor {
	return &TimeoutSupervisor{DB: db, Settlement: settlement}
}

func (s *TimeoutSupervisor) Start() {
	sched, _ := gocron.NewScheduler()
	s.scheduler = sched
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(5*time.Second),
		gocron.NewTask(func() {
			s.Sweep(context.Background(), time.Now())
		}),
	)
	log.Println("⏱️  Timeout supervisor running (5s sweep)")
}

func (s *TimeoutSupervisor) Stop() {
	if s.scheduler != nil {
		_ = s.scheduler.Shutdown()
	}
}

// Sweep cancels every room whose join or room-code deadline has passed.
// Safe to invoke redundantly: each candidate is re-validated under the room
// lock and settlement is idempotent.
func (s *TimeoutSupervisor) Sweep(ctx context.Context, now time.Time) {
	s.sweepJoinDeadlines(ctx, now)
	s.sweepCodeDeadlines(ctx, now)
}

func (s *TimeoutSupervisor) sweepJoinDeadlines(ctx context.Context, now time.Time) {
	var ids []string
	err := s.DB.Model(&models.MatchRoom{}).
		Where("status = ? AND join_deadline IS NOT NULL AND join_deadline <= ?", models.RoomStatusPending, now).
		Pluck("id", &ids).Error
	if err != nil {
		log.Printf("[Supervisor] join-deadline scan failed: %v", err)
		return
	}

	for _, id := range ids {
		if err := s.cancelExpired(ctx, id, now, func(r *models.MatchRoom) bool {
			return r.JoinExpired(now)
		}, models.CancelReasonNoOpponent); err != nil {
			log.Printf("[Supervisor] failed to cancel room %s: %v", id, err)
		}
	}
}

func (s *TimeoutSupervisor) sweepCodeDeadlines(ctx context.Context, now time.Time) {
	var ids []string
	err := s.DB.Model(&models.MatchRoom{}).
		Where("status = ? AND (room_code IS NULL OR room_code = '') AND code_deadline IS NOT NULL AND code_deadline <= ?",
			models.RoomStatusLive, now).
		Pluck("id", &ids).Error
	if err != nil {
		log.Printf("[Supervisor] code-deadline scan failed: %v", err)
		return
	}

	for _, id := range ids {
		if err := s.cancelExpired(ctx, id, now, func(r *models.MatchRoom) bool {
			return r.CodeExpired(now)
		}, models.CancelReasonNoRoomCode); err != nil {
			log.Printf("[Supervisor] failed to cancel room %s: %v", id, err)
		}
	}
}

// cancelExpired re-reads the room under lock and cancels it only if the
// deadline still holds; a concurrent approval, code save or claim that beat
// us to the lock makes this a no-op.
func (s *TimeoutSupervisor) cancelExpired(ctx context.Context, roomID string, now time.Time, expired func(*models.MatchRoom) bool, reason string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		if room.IsTerminal() || !expired(room) {
			return nil
		}
		return s.Settlement.Cancel(ctx, tx, room, reason, now)
	})
}
