package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/repository"
)

// Domain Errors
var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrNoQuestions      = errors.New("exam has no questions, cannot publish")
	ErrExamNotDraft     = errors.New("exam status is not DRAFT")
	ErrExamNotPublished = errors.New("exam status is not PUBLISHED")
	ErrInvalidExam      = errors.New("invalid exam definition")
)

// ExamService is the exam catalog. Published definitions, answer key
// included, are cached in Redis.
type ExamService struct {
	examRepo *repository.ExamRepository
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(examRepo *repository.ExamRepository, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		examRepo: examRepo,
		rdb:      rdb,
		log:      log.With().Str("component", "exam_service").Logger(),
	}
}

// FetchExamDefinition returns an exam with its questions. Published exams
// are served from the cache and re-cached on a miss.
func (s *ExamService) FetchExamDefinition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	key := config.CacheKey.ExamDefinitionKey(examID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var exam model.ExamDefinition
		if err := json.Unmarshal(data, &exam); err == nil {
			return &exam, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt cached exam definition, reloading")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Msg("Exam cache read failed, falling back to database")
	}

	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	if exam.Status == model.ExamStatusPublished {
		if err := s.cacheDefinition(ctx, exam); err != nil {
			s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to re-cache exam")
		}
	}
	return exam, nil
}

// FetchPublishedExam is FetchExamDefinition restricted to exams students may take.
func (s *ExamService) FetchPublishedExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.FetchExamDefinition(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamNotPublished
	}
	return exam, nil
}

// FetchActiveExams returns every published exam with its questions.
func (s *ExamService) FetchActiveExams(ctx context.Context) ([]model.ExamDefinition, error) {
	exams, err := s.examRepo.ListByStatus(ctx, model.ExamStatusPublished)
	if err != nil {
		return nil, fmt.Errorf("list published exams: %w", err)
	}

	out := make([]model.ExamDefinition, 0, len(exams))
	for i := range exams {
		exam, err := s.FetchExamDefinition(ctx, exams[i].ID)
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", exams[i].ID.String()).Msg("Skipping unreadable exam")
			continue
		}
		out = append(out, *exam)
	}
	return out, nil
}

// Create validates and stores a new exam as DRAFT.
func (s *ExamService) Create(ctx context.Context, authorID int, req *model.CreateExamRequest) (*model.ExamDefinition, error) {
	questions, err := buildQuestions(req.Questions)
	if err != nil {
		return nil, err
	}

	exam := &model.ExamDefinition{
		Title:           strings.TrimSpace(req.Title),
		AuthorID:        authorID,
		DurationMinutes: req.DurationMinutes,
		Status:          model.ExamStatusDraft,
		Questions:       questions,
	}
	if exam.DurationMinutes < 1 {
		return nil, fmt.Errorf("%w: duration must be at least one minute", ErrInvalidExam)
	}

	if err := s.examRepo.Create(ctx, exam); err != nil {
		return nil, fmt.Errorf("create exam: %w", err)
	}

	s.log.Info().
		Str("exam_id", exam.ID.String()).
		Int("author_id", authorID).
		Int("questions", len(questions)).
		Msg("Exam created")
	return exam, nil
}

// buildQuestions checks the question list and assigns display order.
func buildQuestions(reqs []model.AddQuestionRequest) ([]model.Question, error) {
	seen := make(map[string]struct{}, len(reqs))
	questions := make([]model.Question, 0, len(reqs))

	for i, r := range reqs {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: question %d has an empty id", ErrInvalidExam, i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate question id %q", ErrInvalidExam, id)
		}
		seen[id] = struct{}{}

		q := model.Question{
			ID:            id,
			Type:          model.QuestionType(r.Type),
			Text:          r.Text,
			Options:       r.Options,
			CorrectAnswer: r.CorrectAnswer,
			Points:        r.Points,
			OrderNum:      i + 1,
		}

		switch q.Type {
		case model.QuestionTypeMultipleChoice:
			if len(q.Options) < 2 {
				return nil, fmt.Errorf("%w: question %q needs at least two options", ErrInvalidExam, id)
			}
			if !slices.ContainsFunc(q.Options, func(o string) bool {
				return strings.EqualFold(strings.TrimSpace(o), strings.TrimSpace(q.CorrectAnswer))
			}) {
				return nil, fmt.Errorf("%w: correct answer of %q is not one of its options", ErrInvalidExam, id)
			}
		case model.QuestionTypeTrueFalse:
			ans := strings.ToLower(strings.TrimSpace(q.CorrectAnswer))
			if ans != "true" && ans != "false" {
				return nil, fmt.Errorf("%w: correct answer of %q must be True or False", ErrInvalidExam, id)
			}
			q.Options = nil
		default:
			if len(q.Options) > 0 {
				return nil, fmt.Errorf("%w: only multiple choice questions take options", ErrInvalidExam)
			}
		}
		if q.Points < 0 {
			return nil, fmt.Errorf("%w: points of %q must not be negative", ErrInvalidExam, id)
		}

		questions = append(questions, q)
	}
	return questions, nil
}

// Publish changes exam status to PUBLISHED and caches the definition.
func (s *ExamService) Publish(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if exam.Status != model.ExamStatusDraft {
		return nil, ErrExamNotDraft
	}
	if len(exam.Questions) == 0 {
		return nil, ErrNoQuestions
	}

	if err := s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusPublished); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	exam.Status = model.ExamStatusPublished

	if err := s.cacheDefinition(ctx, exam); err != nil {
		// The exam is published either way; readers fall back to the database.
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to cache published exam")
	}

	s.log.Info().Str("exam_id", examID.String()).Msg("Exam published")
	return exam, nil
}

func (s *ExamService) cacheDefinition(ctx context.Context, exam *model.ExamDefinition) error {
	payload, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}
	return s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(exam.ID.String()), payload, 0).Err()
}

// PrewarmAllCaches loads all published exams into Redis on application startup.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.examRepo.ListByStatus(ctx, model.ExamStatusPublished)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}

	if len(exams) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	warmed := 0
	for i := range exams {
		exam, err := s.examRepo.GetByID(ctx, exams[i].ID)
		if err == nil {
			err = s.cacheDefinition(ctx, exam)
		}
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", exams[i].ID.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(exams)).
		Msg("Prewarming complete")
	return nil
}
