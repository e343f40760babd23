package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states. Transitions only move
// forward (NOT_STARTED → IN_PROGRESS → SUBMITTED); an admin reset is the
// sole way back to NOT_STARTED.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "NOT_STARTED"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusSubmitted  SessionStatus = "SUBMITTED"
)

// ExamSession represents one student's attempt at one exam.
type ExamSession struct {
	ID        uuid.UUID         `json:"id"`
	ExamID    uuid.UUID         `json:"exam_id"`
	StudentID int               `json:"student_id"`
	Status    SessionStatus     `json:"status"`
	Progress  int               `json:"progress"`
	StartTime *time.Time        `json:"start_time,omitempty"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Score     *float64          `json:"score,omitempty"`
	Answers   map[string]string `json:"answers"`
}

// ExamSessionState is what a (re)connecting student needs to restore the exam view.
type ExamSessionState struct {
	ExamID           uuid.UUID         `json:"exam_id"`
	StudentID        int               `json:"student_id"`
	Status           SessionStatus     `json:"status"`
	StartTime        *time.Time        `json:"start_time,omitempty"`
	RemainingSeconds int               `json:"remaining_seconds"`
	Expired          bool              `json:"expired"`
	Progress         int               `json:"progress"`
	Answers          map[string]string `json:"answers"`
	Score            *float64          `json:"score,omitempty"`
}

// ExamResult is the record handed to the results collaborator on submission.
type ExamResult struct {
	ExamID        uuid.UUID `json:"exam_id"`
	StudentID     int       `json:"student_id"`
	Score         float64   `json:"score"`
	MaxScore      float64   `json:"max_score"`
	AutoSubmitted bool      `json:"auto_submitted"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// SessionResetAudit records one administrative reset.
type SessionResetAudit struct {
	ID            int64     `json:"id"`
	ExamID        uuid.UUID `json:"exam_id"`
	StudentID     int       `json:"student_id"`
	AdminID       int       `json:"admin_id"`
	Reason        string    `json:"reason"`
	PreviousScore *float64  `json:"previous_score,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ResetSessionRequest is the payload for an administrative session reset.
type ResetSessionRequest struct {
	Reason string `json:"reason" binding:"required,notblank,min=3,max=500"`
}

// Attempt identifies one run of a session. A reset followed by a new start
// keeps the exam and student but changes StartTime.
type Attempt struct {
	ExamID    uuid.UUID `json:"exam_id"`
	StudentID int       `json:"student_id"`
	StartTime time.Time `json:"start_time"`
}

// SameStart reports whether t is the start time of this attempt. Times are
// compared at the database's microsecond precision.
func (a Attempt) SameStart(t time.Time) bool {
	return a.StartTime.UnixMicro() == t.UnixMicro()
}

// ProgressPatch is a queued progress snapshot. StartTime pins the patch to
// the attempt it was taken from so it cannot land on a later attempt after a reset.
type ProgressPatch struct {
	ExamID    uuid.UUID         `json:"exam_id"`
	StudentID int               `json:"student_id"`
	StartTime time.Time         `json:"start_time"`
	Progress  int               `json:"progress"`
	Answers   map[string]string `json:"answers"`
}

// LobbyExam is an active exam as listed to a student, with their session overlay.
type LobbyExam struct {
	ExamID          uuid.UUID     `json:"exam_id"`
	Title           string        `json:"title"`
	DurationMinutes int           `json:"duration_minutes"`
	QuestionCount   int           `json:"question_count"`
	SessionStatus   SessionStatus `json:"session_status"`
	Progress        int           `json:"progress"`
	Score           *float64      `json:"score,omitempty"`
}
