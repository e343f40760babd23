package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/repository"
	"github.com/stemsi/examroom/internal/response"
	"github.com/stemsi/examroom/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	examService    *service.ExamService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	examService *service.ExamService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		examService:    examService,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Streams a snapshot of every started session, then live student events.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	exam, err := h.examService.FetchExamDefinition(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Subscribe first so no event falls between the snapshot and the stream.
	pubsub := h.monitorService.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	h.sendSnapshot(c, reqCtx, exam)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	log := h.log.With().Str("exam_id", examID.String()).Logger()
	log.Info().Msg("Admin attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Payloads are already JSON; forward them untouched.
			_, _ = c.Writer.Write([]byte("event: student\ndata: " + msg.Payload + "\n\n"))
			c.Writer.Flush()

		case <-refreshTicker.C:
			h.sendSnapshot(c, reqCtx, exam)

		case <-keepAliveTicker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

// sendSnapshot writes the per-student table with aggregate counts.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, exam *model.ExamDefinition) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	rows, err := h.monitorService.Snapshot(ctx, exam.ID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch monitor snapshot")
		return
	}

	inProgress, submitted := 0, 0
	for _, r := range rows {
		switch model.SessionStatus(r.Status) {
		case model.SessionStatusInProgress:
			inProgress++
		case model.SessionStatusSubmitted:
			submitted++
		}
	}
	if rows == nil {
		rows = []repository.MonitorRow{}
	}

	c.SSEvent("snapshot", gin.H{
		"exam": gin.H{
			"id":               exam.ID,
			"title":            exam.Title,
			"duration_minutes": exam.DurationMinutes,
			"total_questions":  len(exam.Questions),
		},
		"stats": gin.H{
			"total_started":     len(rows),
			"total_in_progress": inProgress,
			"total_submitted":   submitted,
		},
		"students": rows,
	})
	c.Writer.Flush()
}
