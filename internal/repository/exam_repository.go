package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stemsi/examroom/internal/model"
)

// ExamRepository handles exam and question data access.
type ExamRepository struct {
	db DBTX
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(db DBTX) *ExamRepository {
	return &ExamRepository{db: db}
}

const examColumns = `id, title, author_id, duration_minutes, status, created_at, updated_at`

func scanExam(row pgx.Row, e *model.ExamDefinition) error {
	return row.Scan(&e.ID, &e.Title, &e.AuthorID, &e.DurationMinutes, &e.Status, &e.CreatedAt, &e.UpdatedAt)
}

// GetByID retrieves an exam with its questions in display order.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	err := scanExam(r.db.QueryRow(ctx,
		`SELECT `+examColumns+` FROM exams WHERE id = $1`, id), e)
	if err != nil {
		return nil, notFound(err)
	}

	questions, err := r.ListQuestions(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Questions = questions
	return e, nil
}

// ListQuestions retrieves the questions of an exam ordered by order_num.
func (r *ExamRepository) ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, type, text, options, correct_answer, points, order_num
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY order_num ASC`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	questions := []model.Question{}
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Type, &q.Text, &q.Options, &q.CorrectAnswer, &q.Points, &q.OrderNum); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// Create inserts an exam and its questions in one transaction.
func (r *ExamRepository) Create(ctx context.Context, e *model.ExamDefinition) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx,
		`INSERT INTO exams (title, author_id, duration_minutes, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		e.Title, e.AuthorID, e.DurationMinutes, e.Status,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}

	for _, q := range e.Questions {
		options := q.Options
		if options == nil {
			options = []string{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO questions (exam_id, id, type, text, options, correct_answer, points, order_num)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, q.ID, q.Type, q.Text, options, q.CorrectAnswer, q.Points, q.OrderNum,
		); err != nil {
			return fmt.Errorf("insert question %s: %w", q.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// UpdateStatus updates an exam's status.
func (r *ExamRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExamStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus returns exams in the given status without their questions,
// newest first.
func (r *ExamRepository) ListByStatus(ctx context.Context, status model.ExamStatus) ([]model.ExamDefinition, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+examColumns+`
		 FROM exams WHERE status = $1
		 ORDER BY created_at DESC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exams := []model.ExamDefinition{}
	for rows.Next() {
		var e model.ExamDefinition
		if err := scanExam(rows, &e); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}
