package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/repository"
	"github.com/stemsi/examroom/internal/session"
)

// Sentinel errors for proctoring uploads.
var (
	ErrUnsupportedFrame = errors.New("unsupported frame type")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrEmptyFrame       = errors.New("empty frame")
)

// Allowed frame MIME types.
var frameExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

const maxListedFrames = 500

// ProctorService stores proctoring snapshots on disk and queues their index
// rows for the proctor worker.
type ProctorService struct {
	cfg       *config.Config
	frameRepo *repository.ProctorFrameRepository
	monitor   *MonitorService
	rdb       *redis.Client
	log       zerolog.Logger
	now       func() time.Time
}

// NewProctorService creates a new ProctorService.
func NewProctorService(
	cfg *config.Config,
	frameRepo *repository.ProctorFrameRepository,
	monitor *MonitorService,
	rdb *redis.Client,
	log zerolog.Logger,
) *ProctorService {
	return &ProctorService{
		cfg:       cfg,
		frameRepo: frameRepo,
		monitor:   monitor,
		rdb:       rdb,
		log:       log.With().Str("component", "proctor_service").Logger(),
		now:       time.Now,
	}
}

var _ session.FrameSink = (*ProctorService)(nil)

// UploadFrame writes one snapshot under PROCTOR_DIR/<exam>/<student>/ with a
// UUID filename and queues its index row.
func (s *ProctorService) UploadFrame(ctx context.Context, examID uuid.UUID, studentID int, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if int64(len(payload)) > s.cfg.MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(payload), s.cfg.MaxFrameBytes)
	}

	contentType := http.DetectContentType(payload)
	ext, ok := frameExtensions[contentType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFrame, contentType)
	}

	rel := filepath.Join(examID.String(), strconv.Itoa(studentID))
	dir := filepath.Join(s.cfg.ProctorDir, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}

	frame := model.ProctorFrame{
		ID:         uuid.New(),
		ExamID:     examID,
		StudentID:  studentID,
		Bytes:      len(payload),
		CapturedAt: s.now(),
	}
	frame.Path = filepath.Join(rel, frame.ID.String()+ext)

	if err := os.WriteFile(filepath.Join(s.cfg.ProctorDir, frame.Path), payload, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistFramesQueue, raw).Err(); err != nil {
		return fmt.Errorf("queue frame: %w", err)
	}

	s.monitor.Publish(ctx, examID, MonitorEvent{Type: MonitorFrame, StudentID: studentID})
	return nil
}

// ReportUnavailable tells monitors that the student's camera could not be opened.
func (s *ProctorService) ReportUnavailable(ctx context.Context, examID uuid.UUID, studentID int) {
	s.log.Warn().
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Msg("Proctoring camera unavailable")
	s.monitor.Publish(ctx, examID, MonitorEvent{Type: MonitorProctorDenied, StudentID: studentID})
}

// ListFrames returns the newest frames of a student's attempt.
func (s *ProctorService) ListFrames(ctx context.Context, examID uuid.UUID, studentID, limit int) ([]model.ProctorFrame, error) {
	if limit <= 0 || limit > maxListedFrames {
		limit = maxListedFrames
	}
	return s.frameRepo.ListBySession(ctx, examID, studentID, limit)
}
