package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/grading"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/repository"
	"github.com/stemsi/examroom/internal/response"
	"github.com/stemsi/examroom/internal/session"
)

var (
	ErrSessionNotFound      = errors.New("exam session not found")
	ErrSessionNotInProgress = errors.New("exam session is not in progress")
	ErrSessionSubmitted     = errors.New("exam session already submitted")
)

// sessionBufferTTL bounds how long draft buffers outlive an abandoned attempt.
const sessionBufferTTL = 24 * time.Hour

// ExamSessionService is the session store. Drafts are buffered in Redis and
// written behind to PostgreSQL by the progress worker; start and submit go
// straight to PostgreSQL.
type ExamSessionService struct {
	cfg         *config.Config
	sessionRepo *repository.ExamSessionRepository
	examService *ExamService
	monitor     *MonitorService
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	cfg *config.Config,
	sessionRepo *repository.ExamSessionRepository,
	examService *ExamService,
	monitor *MonitorService,
	rdb *redis.Client,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		cfg:         cfg,
		sessionRepo: sessionRepo,
		examService: examService,
		monitor:     monitor,
		rdb:         rdb,
		log:         log.With().Str("component", "exam_session_service").Logger(),
	}
}

var _ session.Store = (*ExamSessionService)(nil)

// StartSession creates or resumes the student's attempt. A running attempt
// keeps its start time and comes back with the freshest buffered answers.
// A submitted attempt is returned as stored.
func (s *ExamSessionService) StartSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	sess, err := s.sessionRepo.Start(ctx, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if sess.Status != model.SessionStatusInProgress {
		return sess, nil
	}

	if buffered, ok := s.bufferedAnswers(ctx, examID, studentID); ok {
		sess.Answers = buffered
	}

	startKey := config.CacheKey.SessionStartKey(examID.String(), studentID)
	if err := s.rdb.Set(ctx, startKey, sess.StartTime.UnixMicro(), sessionBufferTTL).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache session start time")
	}

	s.monitor.Publish(ctx, examID, MonitorEvent{
		Type:      MonitorStarted,
		StudentID: studentID,
		Progress:  &sess.Progress,
	})
	return sess, nil
}

// PatchProgress buffers the answer snapshot and queues it for persistence.
// Patches for a submitted attempt are dropped. Patches for an attempt that
// was reset, or replaced by a newer start, fail with session.ErrAttemptReset
// and write nothing.
func (s *ExamSessionService) PatchProgress(ctx context.Context, attempt model.Attempt, progress int, answers map[string]string) error {
	examID, studentID := attempt.ExamID, attempt.StudentID

	start, status, err := s.anchor(ctx, examID, studentID)
	if err != nil {
		return err
	}
	switch {
	case status == model.SessionStatusSubmitted:
		s.log.Debug().Int("student_id", studentID).Msg("Dropping progress patch for finished session")
		return nil
	case status != model.SessionStatusInProgress || !attempt.SameStart(start):
		s.log.Warn().
			Str("exam_id", examID.String()).
			Int("student_id", studentID).
			Time("attempt_start", attempt.StartTime).
			Msg("Dropping progress patch for a reset attempt")
		return fmt.Errorf("patch progress: %w", session.ErrAttemptReset)
	}

	if answers == nil {
		answers = map[string]string{}
	}
	patch := model.ProgressPatch{
		ExamID:    examID,
		StudentID: studentID,
		StartTime: start,
		Progress:  progress,
		Answers:   answers,
	}
	rawPatch, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}
	rawAnswers, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	// The anchor is watched so a reset landing between the check above and
	// the write aborts the transaction.
	startKey := config.CacheKey.SessionStartKey(examID.String(), studentID)
	write := func(tx *redis.Tx) error {
		cached, err := tx.Get(ctx, startKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if errors.Is(err, redis.Nil) || cached != attempt.StartTime.UnixMicro() {
			return session.ErrAttemptReset
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, config.CacheKey.SessionAnswersKey(examID.String(), studentID), rawAnswers, sessionBufferTTL)
			pipe.Set(ctx, config.CacheKey.SessionProgressKey(examID.String(), studentID), progress, sessionBufferTTL)
			pipe.RPush(ctx, config.WorkerKey.PersistProgressQueue, rawPatch)
			return nil
		})
		return err
	}

	// A concurrent resume rewrites the anchor with the same value; retry then.
	for i := 0; ; i++ {
		err = s.rdb.Watch(ctx, write, startKey)
		if !errors.Is(err, redis.TxFailedErr) || i == 2 {
			break
		}
	}
	if errors.Is(err, session.ErrAttemptReset) {
		return fmt.Errorf("patch progress: %w", err)
	}
	if err != nil {
		return fmt.Errorf("buffer progress: %w", err)
	}

	s.monitor.Publish(ctx, examID, MonitorEvent{
		Type:      MonitorProgress,
		StudentID: studentID,
		Progress:  &progress,
	})
	return nil
}

// SubmitSession finalizes the attempt with the graded score. Submitting an
// already submitted attempt succeeds without touching the stored score.
// Submitting an attempt that was reset fails with session.ErrAttemptReset.
func (s *ExamSessionService) SubmitSession(ctx context.Context, attempt model.Attempt, answers map[string]string, score float64) error {
	examID, studentID := attempt.ExamID, attempt.StudentID

	exam, err := s.examService.FetchExamDefinition(ctx, examID)
	if err != nil {
		return fmt.Errorf("fetch exam: %w", err)
	}

	sess, applied, err := s.sessionRepo.Submit(ctx, attempt, answers, score, grading.Progress(exam.Questions, answers))
	if err != nil {
		return fmt.Errorf("submit session: %w", err)
	}
	if !applied {
		current, err := s.sessionRepo.GetByExamAndStudent(ctx, examID, studentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		switch {
		case current.StartTime == nil || !attempt.SameStart(*current.StartTime):
			s.log.Warn().
				Str("exam_id", examID.String()).
				Int("student_id", studentID).
				Time("attempt_start", attempt.StartTime).
				Msg("Dropping submission for a reset attempt")
			return fmt.Errorf("submit session: %w", session.ErrAttemptReset)
		case current.Status == model.SessionStatusSubmitted:
			s.log.Debug().Int("student_id", studentID).Msg("Session already submitted, keeping stored score")
			return nil
		}
		return ErrSessionNotInProgress
	}

	result := model.ExamResult{
		ExamID:      examID,
		StudentID:   studentID,
		Score:       score,
		MaxScore:    grading.MaxScore(exam.Questions),
		SubmittedAt: time.Now(),
	}
	if sess.EndTime != nil {
		result.SubmittedAt = *sess.EndTime
		if sess.StartTime != nil {
			result.AutoSubmitted = sess.EndTime.Sub(*sess.StartTime) >= exam.Duration()
		}
	}

	if err := s.handOffResult(ctx, result); err != nil {
		// The session row already carries the score; only the results table lags.
		s.log.Error().Err(err).Int("student_id", studentID).Msg("Failed to queue exam result")
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Float64("score", score).
		Bool("auto_submitted", result.AutoSubmitted).
		Msg("Exam submitted")

	s.monitor.Publish(ctx, examID, MonitorEvent{
		Type:          MonitorSubmitted,
		StudentID:     studentID,
		Score:         &score,
		AutoSubmitted: result.AutoSubmitted,
	})
	return nil
}

// handOffResult queues the result for the result worker and drops the draft buffers.
func (s *ExamSessionService) handOffResult(ctx context.Context, result model.ExamResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw)
	s.clearBuffers(ctx, pipe, result.ExamID, result.StudentID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *ExamSessionService) clearBuffers(ctx context.Context, pipe redis.Pipeliner, examID uuid.UUID, studentID int) {
	pipe.Del(ctx,
		config.CacheKey.SessionAnswersKey(examID.String(), studentID),
		config.CacheKey.SessionProgressKey(examID.String(), studentID),
		config.CacheKey.SessionStartKey(examID.String(), studentID),
	)
}

// ResetSession returns the attempt to NOT_STARTED so the student can take the
// exam again. The reset is audited with the acting admin and the reason.
func (s *ExamSessionService) ResetSession(ctx context.Context, examID uuid.UUID, studentID, adminID int, reason string) (*model.SessionResetAudit, error) {
	audit, err := s.sessionRepo.Reset(ctx, examID, studentID, adminID, reason)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reset session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	s.clearBuffers(ctx, pipe, examID, studentID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to clear session buffers after reset")
	}

	s.log.Warn().
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Int("admin_id", adminID).
		Str("reason", reason).
		Msg("Exam session reset")

	s.monitor.Publish(ctx, examID, MonitorEvent{Type: MonitorReset, StudentID: studentID})
	return audit, nil
}

// Resume starts or resumes the attempt outside a live stream and reports its
// state. Expired attempts are submitted when AUTO_SUBMIT_EXPIRED is set.
func (s *ExamSessionService) Resume(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSessionState, error) {
	exam, err := s.examService.FetchPublishedExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	ctrl := session.NewController(exam, studentID, s, session.Options{
		AutoSubmitExpired: s.cfg.AutoSubmitExpired,
		Log:               s.log,
	})
	defer ctrl.Close()

	st, err := ctrl.Start(ctx)
	if err != nil {
		if errors.Is(err, session.ErrAlreadySubmitted) {
			return nil, ErrSessionSubmitted
		}
		return nil, err
	}

	state := &model.ExamSessionState{
		ExamID:           examID,
		StudentID:        studentID,
		Status:           ctrl.Status(),
		StartTime:        st.Session.StartTime,
		RemainingSeconds: st.RemainingSeconds,
		Expired:          st.Expired,
		Progress:         grading.Progress(exam.Questions, st.Answers),
		Answers:          st.Answers,
	}
	if st.Result != nil {
		state.Score = &st.Result.Score
	}
	return state, nil
}

// GetState reports the attempt as a reconnecting client needs it.
func (s *ExamSessionService) GetState(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSessionState, error) {
	sess, err := s.sessionRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	exam, err := s.examService.FetchExamDefinition(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("fetch exam: %w", err)
	}

	state := &model.ExamSessionState{
		ExamID:           examID,
		StudentID:        studentID,
		Status:           sess.Status,
		StartTime:        sess.StartTime,
		RemainingSeconds: exam.DurationMinutes * 60,
		Answers:          sess.Answers,
		Score:            sess.Score,
	}

	switch sess.Status {
	case model.SessionStatusInProgress:
		if buffered, ok := s.bufferedAnswers(ctx, examID, studentID); ok {
			state.Answers = buffered
		}
		start, status, err := s.anchor(ctx, examID, studentID)
		if err != nil {
			return nil, err
		}
		if status != model.SessionStatusInProgress {
			break
		}
		state.StartTime = &start
		state.RemainingSeconds = remainingSeconds(exam, start, time.Now())
		state.Expired = state.RemainingSeconds == 0
	case model.SessionStatusSubmitted:
		state.RemainingSeconds = 0
	}

	state.Progress = grading.Progress(exam.Questions, state.Answers)
	return state, nil
}

// remainingSeconds is the exam duration minus whole seconds elapsed, floored at zero.
func remainingSeconds(exam *model.ExamDefinition, start, now time.Time) int {
	elapsed := int(now.Sub(start) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return max(exam.DurationMinutes*60-elapsed, 0)
}

// GetLobby lists the active exams with the student's session overlay.
func (s *ExamSessionService) GetLobby(ctx context.Context, studentID int) ([]model.LobbyExam, error) {
	exams, err := s.examService.FetchActiveExams(ctx)
	if err != nil {
		return nil, err
	}

	sessions, err := s.sessionRepo.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	byExam := make(map[uuid.UUID]*model.ExamSession, len(sessions))
	for i := range sessions {
		byExam[sessions[i].ExamID] = &sessions[i]
	}

	lobby := make([]model.LobbyExam, 0, len(exams))
	for _, exam := range exams {
		entry := model.LobbyExam{
			ExamID:          exam.ID,
			Title:           exam.Title,
			DurationMinutes: exam.DurationMinutes,
			QuestionCount:   len(exam.Questions),
			SessionStatus:   model.SessionStatusNotStarted,
		}
		if sess, ok := byExam[exam.ID]; ok {
			entry.SessionStatus = sess.Status
			entry.Progress = sess.Progress
			entry.Score = sess.Score
		}
		lobby = append(lobby, entry)
	}
	return lobby, nil
}

// ListSessions retrieves one page of an exam's sessions.
func (s *ExamSessionService) ListSessions(ctx context.Context, examID uuid.UUID, page, perPage int) ([]model.ExamSession, *response.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	sessions, total, err := s.sessionRepo.ListByExam(ctx, examID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}

	return sessions, response.NewPagination(page, perPage, total), nil
}

// bufferedAnswers reads the draft snapshot written by PatchProgress.
func (s *ExamSessionService) bufferedAnswers(ctx context.Context, examID uuid.UUID, studentID int) (map[string]string, bool) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.SessionAnswersKey(examID.String(), studentID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Msg("Failed to read answer buffer")
		}
		return nil, false
	}
	var answers map[string]string
	if err := json.Unmarshal(raw, &answers); err != nil {
		s.log.Warn().Err(err).Msg("Corrupt answer buffer ignored")
		return nil, false
	}
	if answers == nil {
		answers = map[string]string{}
	}
	return answers, true
}

// anchor returns the attempt's start time and status, Redis first with a
// self-healing PostgreSQL fallback. A cached anchor means IN_PROGRESS; a
// missing row reports NOT_STARTED.
func (s *ExamSessionService) anchor(ctx context.Context, examID uuid.UUID, studentID int) (time.Time, model.SessionStatus, error) {
	startKey := config.CacheKey.SessionStartKey(examID.String(), studentID)

	val, err := s.rdb.Get(ctx, startKey).Result()
	if err == nil {
		micros, perr := strconv.ParseInt(val, 10, 64)
		if perr == nil {
			return time.UnixMicro(micros), model.SessionStatusInProgress, nil
		}
		s.log.Warn().Str("value", val).Msg("Invalid start time in cache, reloading")
	} else if !errors.Is(err, redis.Nil) {
		return time.Time{}, "", fmt.Errorf("redis error getting start time: %w", err)
	}

	sess, err := s.sessionRepo.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return time.Time{}, model.SessionStatusNotStarted, nil
		}
		return time.Time{}, "", fmt.Errorf("get session: %w", err)
	}
	if sess.Status != model.SessionStatusInProgress || sess.StartTime == nil {
		return time.Time{}, sess.Status, nil
	}

	_ = s.rdb.Set(ctx, startKey, sess.StartTime.UnixMicro(), sessionBufferTTL).Err()
	return *sess.StartTime, model.SessionStatusInProgress, nil
}
