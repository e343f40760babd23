package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/examroom/internal/model"
)

// ResultRepository stores graded results handed over by the session store.
type ResultRepository struct {
	db DBTX
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(db DBTX) *ResultRepository {
	return &ResultRepository{db: db}
}

// BulkUpsert writes a batch of results with a single UNNEST statement. A
// result already recorded for the same session is left as is.
func (r *ResultRepository) BulkUpsert(ctx context.Context, results []model.ExamResult) error {
	n := len(results)
	if n == 0 {
		return nil
	}

	examIDs := make([]uuid.UUID, n)
	students := make([]int, n)
	scores := make([]float64, n)
	maxScores := make([]float64, n)
	autos := make([]bool, n)
	submittedAts := make([]time.Time, n)
	for i, res := range results {
		examIDs[i] = res.ExamID
		students[i] = res.StudentID
		scores[i] = res.Score
		maxScores[i] = res.MaxScore
		autos[i] = res.AutoSubmitted
		submittedAts[i] = res.SubmittedAt
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO exam_results (exam_id, student_id, score, max_score, auto_submitted, submitted_at)
		SELECT u.exam_id, u.student_id, u.score, u.max_score, u.auto_submitted, u.submitted_at
		FROM UNNEST(
			$1::uuid[],
			$2::int[],
			$3::float8[],
			$4::float8[],
			$5::bool[],
			$6::timestamptz[]
		) AS u (exam_id, student_id, score, max_score, auto_submitted, submitted_at)
		ON CONFLICT (exam_id, student_id) DO NOTHING`,
		examIDs, students, scores, maxScores, autos, submittedAts)
	return err
}

// Upsert writes one result. Used when a batch is rejected.
func (r *ResultRepository) Upsert(ctx context.Context, res model.ExamResult) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO exam_results (exam_id, student_id, score, max_score, auto_submitted, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (exam_id, student_id) DO NOTHING`,
		res.ExamID, res.StudentID, res.Score, res.MaxScore, res.AutoSubmitted, res.SubmittedAt)
	return err
}
