package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam in the catalog.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// ExamDefinition is an exam with its ordered questions. It is immutable for
// the lifetime of a session.
type ExamDefinition struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	AuthorID        int        `json:"author_id"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          ExamStatus `json:"status"`
	Questions       []Question `json:"questions"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Duration returns the time budget of one attempt.
func (e *ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// HasQuestion reports whether id belongs to the exam.
func (e *ExamDefinition) HasQuestion(id string) bool {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return true
		}
	}
	return false
}

// ForStudent strips correct answers from the definition.
func (e *ExamDefinition) ForStudent() *ExamPaper {
	questions := make([]QuestionForStudent, len(e.Questions))
	for i, q := range e.Questions {
		questions[i] = QuestionForStudent{
			ID:       q.ID,
			Type:     q.Type,
			Text:     q.Text,
			Options:  q.Options,
			Points:   q.Points,
			OrderNum: q.OrderNum,
		}
	}
	return &ExamPaper{
		ExamID:          e.ID,
		Title:           e.Title,
		DurationMinutes: e.DurationMinutes,
		Questions:       questions,
	}
}

// ExamPaper is the student-facing view of an exam (no correct answers).
type ExamPaper struct {
	ExamID          uuid.UUID            `json:"exam_id"`
	Title           string               `json:"title"`
	DurationMinutes int                  `json:"duration_minutes"`
	Questions       []QuestionForStudent `json:"questions"`
}

// CreateExamRequest is the payload for creating a new exam with its questions.
type CreateExamRequest struct {
	Title           string               `json:"title" binding:"required,min=3,max=255"`
	DurationMinutes int                  `json:"duration_minutes" binding:"required,min=1,max=480"`
	Questions       []AddQuestionRequest `json:"questions" binding:"required,min=1,dive"`
}

// ListSessionsQuery holds pagination for the admin session listing.
type ListSessionsQuery struct {
	Page    int `form:"page" binding:"omitempty,min=1"`
	PerPage int `form:"per_page" binding:"omitempty,min=1,max=100"`
}
