package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stemsi/examroom/internal/model"
)

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	db DBTX
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(db DBTX) *ExamSessionRepository {
	return &ExamSessionRepository{db: db}
}

const sessionColumns = `id, exam_id, student_id, status, progress, start_time, end_time, score, answers`

func scanSession(row pgx.Row, s *model.ExamSession) error {
	err := row.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.Status, &s.Progress,
		&s.StartTime, &s.EndTime, &s.Score, &s.Answers)
	if err == nil && s.Answers == nil {
		s.Answers = map[string]string{}
	}
	return err
}

// GetByExamAndStudent retrieves a session for a specific exam-student combination.
func (r *ExamSessionRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE exam_id = $1 AND student_id = $2`, examID, studentID), s)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// Start moves the session to IN_PROGRESS, creating it when missing. The start
// time comes from the database clock and is written only on the transition
// out of NOT_STARTED, so concurrent starts agree on one anchor. A session
// that is already running or submitted is returned unchanged.
func (r *ExamSessionRepository) Start(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := scanSession(r.db.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, student_id, status, start_time)
		 VALUES ($1, $2, 'IN_PROGRESS', NOW())
		 ON CONFLICT (exam_id, student_id) DO UPDATE
		 SET status = 'IN_PROGRESS', start_time = NOW(), updated_at = NOW()
		 WHERE exam_sessions.status = 'NOT_STARTED'
		 RETURNING `+sessionColumns,
		examID, studentID), s)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return r.GetByExamAndStudent(ctx, examID, studentID)
}

// PatchProgress stores progress and the answer snapshot of the attempt that
// started at startTime. It reports false when that attempt is no longer
// IN_PROGRESS.
func (r *ExamSessionRepository) PatchProgress(ctx context.Context, p model.ProgressPatch) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE exam_sessions
		 SET progress = $1, answers = $2, updated_at = NOW()
		 WHERE exam_id = $3 AND student_id = $4 AND start_time = $5 AND status = 'IN_PROGRESS'`,
		p.Progress, p.Answers, p.ExamID, p.StudentID, p.StartTime)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// BulkPatchProgress applies a batch of progress patches with one UNNEST
// update. Patches whose attempt is no longer IN_PROGRESS are skipped. The
// batch must hold at most one patch per session.
func (r *ExamSessionRepository) BulkPatchProgress(ctx context.Context, patches []model.ProgressPatch) (int64, error) {
	n := len(patches)
	if n == 0 {
		return 0, nil
	}

	examIDs := make([]uuid.UUID, n)
	students := make([]int, n)
	starts := make([]time.Time, n)
	progress := make([]int, n)
	answers := make([]string, n)
	for i, p := range patches {
		raw, err := json.Marshal(p.Answers)
		if err != nil {
			return 0, fmt.Errorf("marshal answers: %w", err)
		}
		examIDs[i] = p.ExamID
		students[i] = p.StudentID
		starts[i] = p.StartTime
		progress[i] = p.Progress
		answers[i] = string(raw)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE exam_sessions AS s
		SET progress = t.progress,
		    answers = t.answers::jsonb,
		    updated_at = NOW()
		FROM UNNEST(
			$1::uuid[],
			$2::int[],
			$3::timestamptz[],
			$4::int[],
			$5::text[]
		) AS t (exam_id, student_id, start_time, progress, answers)
		WHERE s.exam_id = t.exam_id
		  AND s.student_id = t.student_id
		  AND s.start_time = t.start_time
		  AND s.status = 'IN_PROGRESS'`,
		examIDs, students, starts, progress, answers)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Submit finalizes a running session and returns the updated row. It reports
// false when that attempt is not IN_PROGRESS, leaving any earlier score untouched.
func (r *ExamSessionRepository) Submit(ctx context.Context, attempt model.Attempt, answers map[string]string, score float64, progress int) (*model.ExamSession, bool, error) {
	s := &model.ExamSession{}
	err := scanSession(r.db.QueryRow(ctx,
		`UPDATE exam_sessions
		 SET status = 'SUBMITTED', score = $1, answers = $2, progress = $3,
		     end_time = NOW(), updated_at = NOW()
		 WHERE exam_id = $4 AND student_id = $5 AND start_time = $6 AND status = 'IN_PROGRESS'
		 RETURNING `+sessionColumns,
		score, answers, progress, attempt.ExamID, attempt.StudentID, attempt.StartTime), s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Reset returns a session to NOT_STARTED and records the audit entry in the
// same transaction. Any stored result row for the session is removed.
func (r *ExamSessionRepository) Reset(ctx context.Context, examID uuid.UUID, studentID, adminID int, reason string) (*model.SessionResetAudit, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	audit := &model.SessionResetAudit{
		ExamID:    examID,
		StudentID: studentID,
		AdminID:   adminID,
		Reason:    reason,
	}

	err = tx.QueryRow(ctx,
		`SELECT score FROM exam_sessions
		 WHERE exam_id = $1 AND student_id = $2
		 FOR UPDATE`, examID, studentID,
	).Scan(&audit.PreviousScore)
	if err != nil {
		return nil, notFound(err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = 'NOT_STARTED', progress = 0, start_time = NULL, end_time = NULL,
		     score = NULL, answers = '{}', updated_at = NOW()
		 WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID); err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM exam_results WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID); err != nil {
		return nil, fmt.Errorf("delete result: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO session_reset_audit (exam_id, student_id, admin_id, reason, previous_score)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		examID, studentID, adminID, reason, audit.PreviousScore,
	).Scan(&audit.ID, &audit.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return audit, nil
}

// ListByStudent retrieves all sessions for a given student.
func (r *ExamSessionRepository) ListByStudent(ctx context.Context, studentID int) ([]model.ExamSession, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE student_id = $1
		 ORDER BY start_time DESC NULLS LAST`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []model.ExamSession{}
	for rows.Next() {
		var s model.ExamSession
		if err := scanSession(rows, &s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListByExam retrieves one page of an exam's sessions ordered by student.
func (r *ExamSessionRepository) ListByExam(ctx context.Context, examID uuid.UUID, limit, offset int) ([]model.ExamSession, int, error) {
	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_sessions WHERE exam_id = $1`, examID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE exam_id = $1
		 ORDER BY student_id ASC
		 LIMIT $2 OFFSET $3`, examID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions := []model.ExamSession{}
	for rows.Next() {
		var s model.ExamSession
		if err := scanSession(rows, &s); err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}
