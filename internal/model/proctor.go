package model

import (
	"time"

	"github.com/google/uuid"
)

// ProctorFrame indexes one stored camera snapshot.
type ProctorFrame struct {
	ID         uuid.UUID `json:"id"`
	ExamID     uuid.UUID `json:"exam_id"`
	StudentID  int       `json:"student_id"`
	Path       string    `json:"path"`
	Bytes      int       `json:"bytes"`
	CapturedAt time.Time `json:"captured_at"`
}
