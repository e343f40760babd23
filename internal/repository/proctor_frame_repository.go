package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stemsi/examroom/internal/model"
)

var proctorFrameColumns = []string{"id", "exam_id", "student_id", "path", "bytes", "captured_at"}

// ProctorFrameRepository indexes stored proctoring snapshots.
type ProctorFrameRepository struct {
	db DBTX
}

// NewProctorFrameRepository creates a new ProctorFrameRepository.
func NewProctorFrameRepository(db DBTX) *ProctorFrameRepository {
	return &ProctorFrameRepository{db: db}
}

// CopyInsert bulk-loads frame rows with the COPY protocol.
func (r *ProctorFrameRepository) CopyInsert(ctx context.Context, frames []model.ProctorFrame) (int64, error) {
	rows := make([][]any, len(frames))
	for i, f := range frames {
		rows[i] = []any{f.ID, f.ExamID, f.StudentID, f.Path, f.Bytes, f.CapturedAt}
	}
	return r.db.CopyFrom(ctx, pgx.Identifier{"proctor_frames"}, proctorFrameColumns, pgx.CopyFromRows(rows))
}

// Insert writes one frame row, ignoring a duplicate id.
func (r *ProctorFrameRepository) Insert(ctx context.Context, f model.ProctorFrame) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO proctor_frames (id, exam_id, student_id, path, bytes, captured_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		f.ID, f.ExamID, f.StudentID, f.Path, f.Bytes, f.CapturedAt)
	return err
}

// ListBySession returns a student's frames for an exam, newest first.
func (r *ProctorFrameRepository) ListBySession(ctx context.Context, examID uuid.UUID, studentID, limit int) ([]model.ProctorFrame, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, exam_id, student_id, path, bytes, captured_at
		 FROM proctor_frames
		 WHERE exam_id = $1 AND student_id = $2
		 ORDER BY captured_at DESC
		 LIMIT $3`, examID, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	frames := []model.ProctorFrame{}
	for rows.Next() {
		var f model.ProctorFrame
		if err := rows.Scan(&f.ID, &f.ExamID, &f.StudentID, &f.Path, &f.Bytes, &f.CapturedAt); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
