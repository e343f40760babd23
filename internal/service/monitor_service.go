package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/repository"
)

// MonitorEventType names a live monitor update.
type MonitorEventType string

const (
	MonitorStarted       MonitorEventType = "student_started"
	MonitorProgress      MonitorEventType = "student_progress"
	MonitorSubmitted     MonitorEventType = "student_submitted"
	MonitorFrame         MonitorEventType = "proctor_frame"
	MonitorProctorDenied MonitorEventType = "proctor_unavailable"
	MonitorReset         MonitorEventType = "session_reset"
)

// MonitorEvent is published on the exam's monitor channel.
type MonitorEvent struct {
	Type          MonitorEventType `json:"type"`
	StudentID     int              `json:"student_id"`
	Progress      *int             `json:"progress,omitempty"`
	Score         *float64         `json:"score,omitempty"`
	AutoSubmitted bool             `json:"auto_submitted,omitempty"`
	At            time.Time        `json:"at"`
}

// MonitorService feeds the live exam monitor.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo *repository.MonitorRepository, rdb *redis.Client, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		monitorRepo: monitorRepo,
		rdb:         rdb,
		log:         log.With().Str("component", "monitor_service").Logger(),
	}
}

// Publish broadcasts ev to admins watching the exam. Failures are logged only.
func (s *MonitorService) Publish(ctx context.Context, examID uuid.UUID, ev MonitorEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("Monitor publish failed")
	}
}

// Subscribe attaches to the exam's monitor channel. The caller closes it.
func (s *MonitorService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}

// Snapshot returns the current state of every started session of the exam.
func (s *MonitorService) Snapshot(ctx context.Context, examID uuid.UUID) ([]repository.MonitorRow, error) {
	return s.monitorRepo.Sessions(ctx, examID)
}
