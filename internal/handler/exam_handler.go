package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stemsi/examroom/internal/middleware"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/response"
	"github.com/stemsi/examroom/internal/service"
	"github.com/stemsi/examroom/internal/validator"
)

// ExamHandler handles exam management endpoints.
type ExamHandler struct {
	examService    *service.ExamService
	sessionService *service.ExamSessionService
	proctorService *service.ProctorService
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(
	examService *service.ExamService,
	sessionService *service.ExamSessionService,
	proctorService *service.ProctorService,
) *ExamHandler {
	return &ExamHandler{
		examService:    examService,
		sessionService: sessionService,
		proctorService: proctorService,
	}
}

// CreateExam godoc
// POST /api/v1/admin/exams
// Creates a new draft exam with its questions.
func (h *ExamHandler) CreateExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.examService.Create(c.Request.Context(), claims.UserID, &req)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"exam": exam})
}

// GetExam godoc
// GET /api/v1/admin/exams/:exam_id
// Returns the full definition, answer key included.
func (h *ExamHandler) GetExam(c *gin.Context) {
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

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// PublishExam godoc
// POST /api/v1/admin/exams/:exam_id/publish
// Publishes a draft exam and caches its definition.
func (h *ExamHandler) PublishExam(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	exam, err := h.examService.Publish(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// ListSessions godoc
// GET /api/v1/admin/exams/:exam_id/sessions?page=1&per_page=20
func (h *ExamHandler) ListSessions(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var q model.ListSessionsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sessions, pagination, err := h.sessionService.ListSessions(c.Request.Context(), examID, q.Page, q.PerPage)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"sessions": sessions}, pagination)
}

// ResetSession godoc
// POST /api/v1/admin/exams/:exam_id/sessions/:student_id/reset
// Returns a student's attempt to NOT_STARTED. The reason is audited.
func (h *ExamHandler) ResetSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.ResetSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	audit, err := h.sessionService.ResetSession(c.Request.Context(), examID, studentID, claims.UserID, req.Reason)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"reset": audit})
}

// ListFrames godoc
// GET /api/v1/admin/exams/:exam_id/sessions/:student_id/frames?limit=50
// Lists the proctoring snapshots of one attempt, newest first.
func (h *ExamHandler) ListFrames(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	studentID, err := strconv.Atoi(c.Param("student_id"))
	if err != nil || studentID <= 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	frames, err := h.proctorService.ListFrames(c.Request.Context(), examID, studentID, limit)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"frames": frames})
}
