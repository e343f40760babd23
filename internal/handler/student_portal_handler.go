package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stemsi/examroom/internal/middleware"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/response"
	"github.com/stemsi/examroom/internal/service"
	"github.com/stemsi/examroom/internal/session"
)

// StudentPortalHandler handles student-facing endpoints (lobby, paper, start).
type StudentPortalHandler struct {
	sessionService *service.ExamSessionService
	examService    *service.ExamService
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(
	sessionService *service.ExamSessionService,
	examService *service.ExamService,
) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessionService: sessionService,
		examService:    examService,
	}
}

// GetLobby godoc
// GET /api/v1/student/lobby
// Returns published exams with the student's session status for each.
func (h *StudentPortalHandler) GetLobby(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	lobby, err := h.sessionService.GetLobby(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if lobby == nil {
		lobby = []model.LobbyExam{}
	}

	response.Success(c, http.StatusOK, gin.H{"exams": lobby})
}

// GetExamPaper godoc
// GET /api/v1/student/exams/:exam_id/paper
// Returns the questions without correct answers.
func (h *StudentPortalHandler) GetExamPaper(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	exam, err := h.examService.FetchPublishedExam(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"paper": exam.ForStudent()})
}

// StartExam godoc
// POST /api/v1/student/exams/:exam_id/start
// Starts or resumes the attempt. Calling it again keeps the original start time.
func (h *StudentPortalHandler) StartExam(c *gin.Context) {
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

	state, err := h.sessionService.Resume(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": state})
}

// GetExamState godoc
// GET /api/v1/student/exams/:exam_id/state
// Returns the saved answers and remaining time of the attempt.
func (h *StudentPortalHandler) GetExamState(c *gin.Context) {
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

	state, err := h.sessionService.GetState(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": state})
}

func failExam(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
	case errors.Is(err, service.ErrExamNotPublished):
		response.Fail(c, http.StatusForbidden, response.ErrExamNotPublished)
	case errors.Is(err, service.ErrExamNotDraft):
		response.Fail(c, http.StatusConflict, response.ErrExamNotDraft)
	case errors.Is(err, service.ErrNoQuestions):
		response.Fail(c, http.StatusBadRequest, response.ErrNoQuestions)
	case errors.Is(err, service.ErrInvalidExam):
		response.FailWithDetail(c, http.StatusBadRequest, response.ErrInvalidExam, err.Error())
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

func failSession(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
	case errors.Is(err, service.ErrSessionSubmitted):
		response.Fail(c, http.StatusConflict, response.ErrSessionSubmitted)
	case errors.Is(err, service.ErrSessionNotInProgress):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotInProgress)
	case errors.Is(err, session.ErrAttemptReset):
		response.Fail(c, http.StatusConflict, response.ErrSessionReset)
	case errors.Is(err, session.ErrSubmitNotPersisted):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrSubmitNotPersisted)
	default:
		failExam(c, err)
	}
}
