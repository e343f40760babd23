package service

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/repository"
	"github.com/stemsi/examroom/internal/session"
)

var sessionCols = []string{"id", "exam_id", "student_id", "status", "progress", "start_time", "end_time", "score", "answers"}

type sessionFixture struct {
	svc  *ExamSessionService
	mock pgxmock.PgxPoolIface
	mr   *miniredis.Miniredis
	rdb  *redis.Client
	exam *model.ExamDefinition
}

func testExam() *model.ExamDefinition {
	return &model.ExamDefinition{
		ID:              uuid.New(),
		Title:           "Biology",
		DurationMinutes: 60,
		Status:          model.ExamStatusPublished,
		Questions: []model.Question{
			{ID: "q1", Type: model.QuestionTypeMultipleChoice, Options: []string{"A", "B", "C"}, CorrectAnswer: "B", Points: 5, OrderNum: 1},
			{ID: "q2", Type: model.QuestionTypeTrueFalse, CorrectAnswer: "True", Points: 3, OrderNum: 2},
		},
	}
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
		_ = rdb.Close()
	})

	exam := testExam()
	raw, err := json.Marshal(exam)
	require.NoError(t, err)
	mr.Set(config.CacheKey.ExamDefinitionKey(exam.ID.String()), string(raw))

	log := zerolog.Nop()
	cfg := &config.Config{AutoSubmitExpired: true}
	examSvc := NewExamService(repository.NewExamRepository(mock), rdb, log)
	monitor := NewMonitorService(repository.NewMonitorRepository(mock), rdb, log)
	svc := NewExamSessionService(cfg, repository.NewExamSessionRepository(mock), examSvc, monitor, rdb, log)

	return &sessionFixture{svc: svc, mock: mock, mr: mr, rdb: rdb, exam: exam}
}

func (f *sessionFixture) setAnchor(studentID int, start time.Time) {
	f.mr.Set(config.CacheKey.SessionStartKey(f.exam.ID.String(), studentID), strconv.FormatInt(start.UnixMicro(), 10))
}

func (f *sessionFixture) attempt(studentID int, start time.Time) model.Attempt {
	return model.Attempt{ExamID: f.exam.ID, StudentID: studentID, StartTime: start}
}

func (f *sessionFixture) expectSessionRow(studentID int, status model.SessionStatus, start, end *time.Time, score *float64, answers map[string]string) {
	f.mock.ExpectQuery(`SELECT .+ FROM exam_sessions`).
		WithArgs(f.exam.ID, studentID).
		WillReturnRows(pgxmock.NewRows(sessionCols).AddRow(
			uuid.New(), f.exam.ID, studentID, status, 0, start, end, score, answers,
		))
}

func TestExamSessionService_PatchProgressBuffersAndQueues(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute).Truncate(time.Microsecond)
	f.setAnchor(7, start)

	require.NoError(t, f.svc.PatchProgress(ctx, f.attempt(7, start), 50, map[string]string{"q1": "B"}))

	buffered, err := f.mr.Get(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"q1":"B"}`, buffered)

	progress, err := f.mr.Get(config.CacheKey.SessionProgressKey(f.exam.ID.String(), 7))
	require.NoError(t, err)
	assert.Equal(t, "50", progress)

	queued, err := f.mr.List(config.WorkerKey.PersistProgressQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var patch model.ProgressPatch
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &patch))
	assert.Equal(t, 50, patch.Progress)
	assert.True(t, patch.StartTime.Equal(start))
	assert.Equal(t, map[string]string{"q1": "B"}, patch.Answers)
}

func TestExamSessionService_PatchProgressHealsAnchorFromDatabase(t *testing.T) {
	f := newSessionFixture(t)
	start := time.Now().Add(-2 * time.Minute).Truncate(time.Microsecond)
	f.expectSessionRow(7, model.SessionStatusInProgress, &start, nil, nil, map[string]string{})

	require.NoError(t, f.svc.PatchProgress(context.Background(), f.attempt(7, start), 0, nil))

	anchor, err := f.mr.Get(config.CacheKey.SessionStartKey(f.exam.ID.String(), 7))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(start.UnixMicro(), 10), anchor)

	buffered, err := f.mr.Get(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7))
	require.NoError(t, err)
	assert.Equal(t, `{}`, buffered)
}

func TestExamSessionService_PatchProgressAfterSubmitIsDropped(t *testing.T) {
	f := newSessionFixture(t)
	start, end := time.Now().Add(-time.Hour), time.Now()
	score := 8.0
	f.expectSessionRow(7, model.SessionStatusSubmitted, &start, &end, &score, map[string]string{})

	require.NoError(t, f.svc.PatchProgress(context.Background(), f.attempt(7, start), 100, map[string]string{"q1": "A"}))

	assert.False(t, f.mr.Exists(config.WorkerKey.PersistProgressQueue))
	assert.False(t, f.mr.Exists(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7)))
}

func TestExamSessionService_StartSessionPrefersBufferedAnswers(t *testing.T) {
	f := newSessionFixture(t)
	start := time.Now().Add(-5 * time.Minute).Truncate(time.Microsecond)

	f.mock.ExpectQuery(`INSERT INTO exam_sessions`).
		WithArgs(f.exam.ID, 7).
		WillReturnError(pgx.ErrNoRows)
	f.expectSessionRow(7, model.SessionStatusInProgress, &start, nil, nil, map[string]string{"q1": "A"})
	f.mr.Set(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7), `{"q1":"B","q2":"True"}`)

	sess, err := f.svc.StartSession(context.Background(), f.exam.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q1": "B", "q2": "True"}, sess.Answers)
	assert.Equal(t, start, *sess.StartTime)

	anchor, err := f.mr.Get(config.CacheKey.SessionStartKey(f.exam.ID.String(), 7))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(start.UnixMicro(), 10), anchor)
}

func TestExamSessionService_SubmitQueuesResultAndClearsBuffers(t *testing.T) {
	f := newSessionFixture(t)
	answers := map[string]string{"q1": "b", "q2": "True"}
	end := time.Now().Truncate(time.Microsecond)
	start := end.Add(-61 * time.Minute)
	score := 8.0

	f.setAnchor(7, start)
	f.mr.Set(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7), `{"q1":"b"}`)

	f.mock.ExpectQuery(`SET status = 'SUBMITTED'`).
		WithArgs(8.0, answers, 100, f.exam.ID, 7, start).
		WillReturnRows(pgxmock.NewRows(sessionCols).AddRow(
			uuid.New(), f.exam.ID, 7, model.SessionStatusSubmitted, 100, &start, &end, &score, answers,
		))

	require.NoError(t, f.svc.SubmitSession(context.Background(), f.attempt(7, start), answers, 8))

	queued, err := f.mr.List(config.WorkerKey.PersistResultsQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	var res model.ExamResult
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &res))
	assert.Equal(t, 8.0, res.Score)
	assert.Equal(t, 8.0, res.MaxScore)
	assert.True(t, res.AutoSubmitted)
	assert.True(t, res.SubmittedAt.Equal(end))

	assert.False(t, f.mr.Exists(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7)))
	assert.False(t, f.mr.Exists(config.CacheKey.SessionStartKey(f.exam.ID.String(), 7)))
}

func TestExamSessionService_SubmitTwiceKeepsStoredScore(t *testing.T) {
	f := newSessionFixture(t)
	answers := map[string]string{"q1": "A"}
	start, end := time.Now().Add(-time.Hour).Truncate(time.Microsecond), time.Now()
	stored := 5.0

	f.mock.ExpectQuery(`SET status = 'SUBMITTED'`).
		WithArgs(0.0, answers, 50, f.exam.ID, 7, start).
		WillReturnError(pgx.ErrNoRows)
	f.expectSessionRow(7, model.SessionStatusSubmitted, &start, &end, &stored, map[string]string{"q1": "B"})

	require.NoError(t, f.svc.SubmitSession(context.Background(), f.attempt(7, start), answers, 0))
	assert.False(t, f.mr.Exists(config.WorkerKey.PersistResultsQueue))
}

func TestExamSessionService_SubmitWithoutRunningSession(t *testing.T) {
	f := newSessionFixture(t)
	start := time.Now().Add(-time.Minute).Truncate(time.Microsecond)

	f.mock.ExpectQuery(`SET status = 'SUBMITTED'`).
		WithArgs(0.0, map[string]string{}, 0, f.exam.ID, 7, start).
		WillReturnError(pgx.ErrNoRows)
	f.expectSessionRow(7, model.SessionStatusNotStarted, &start, nil, nil, map[string]string{})

	err := f.svc.SubmitSession(context.Background(), f.attempt(7, start), map[string]string{}, 0)
	assert.ErrorIs(t, err, ErrSessionNotInProgress)
}

func TestExamSessionService_SubmitAfterResetIsDropped(t *testing.T) {
	f := newSessionFixture(t)
	stale := time.Now().Add(-30 * time.Minute).Truncate(time.Microsecond)
	answers := map[string]string{"q1": "A"}

	f.mock.ExpectQuery(`SET status = 'SUBMITTED' .+ AND start_time = \$6`).
		WithArgs(0.0, answers, 50, f.exam.ID, 7, stale).
		WillReturnError(pgx.ErrNoRows)
	// Reset cleared start_time and nobody started again yet.
	f.expectSessionRow(7, model.SessionStatusNotStarted, nil, nil, nil, map[string]string{})

	err := f.svc.SubmitSession(context.Background(), f.attempt(7, stale), answers, 0)
	assert.ErrorIs(t, err, session.ErrAttemptReset)
	assert.False(t, f.mr.Exists(config.WorkerKey.PersistResultsQueue))
}

func TestExamSessionService_SubmitAfterRestartLeavesNewAttempt(t *testing.T) {
	f := newSessionFixture(t)
	stale := time.Now().Add(-30 * time.Minute).Truncate(time.Microsecond)
	fresh := time.Now().Add(-time.Minute).Truncate(time.Microsecond)
	answers := map[string]string{"q1": "A"}

	f.setAnchor(7, fresh)
	f.mr.Set(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7), `{"q1":"B"}`)

	f.mock.ExpectQuery(`SET status = 'SUBMITTED'`).
		WithArgs(0.0, answers, 50, f.exam.ID, 7, stale).
		WillReturnError(pgx.ErrNoRows)
	f.expectSessionRow(7, model.SessionStatusInProgress, &fresh, nil, nil, map[string]string{"q1": "B"})

	err := f.svc.SubmitSession(context.Background(), f.attempt(7, stale), answers, 0)
	assert.ErrorIs(t, err, session.ErrAttemptReset)

	buffered, err := f.mr.Get(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"q1":"B"}`, buffered)
	assert.True(t, f.mr.Exists(config.CacheKey.SessionStartKey(f.exam.ID.String(), 7)))
	assert.False(t, f.mr.Exists(config.WorkerKey.PersistResultsQueue))
}

func TestExamSessionService_PatchProgressAfterResetIsDropped(t *testing.T) {
	f := newSessionFixture(t)
	stale := time.Now().Add(-30 * time.Minute).Truncate(time.Microsecond)
	f.expectSessionRow(7, model.SessionStatusNotStarted, nil, nil, nil, map[string]string{})

	err := f.svc.PatchProgress(context.Background(), f.attempt(7, stale), 50, map[string]string{"q1": "A"})
	assert.ErrorIs(t, err, session.ErrAttemptReset)

	assert.False(t, f.mr.Exists(config.WorkerKey.PersistProgressQueue))
	assert.False(t, f.mr.Exists(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7)))
	assert.False(t, f.mr.Exists(config.CacheKey.SessionStartKey(f.exam.ID.String(), 7)))
}

func TestExamSessionService_ResetThenRestartIgnoresStaleWriter(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	stale := time.Now().Add(-30 * time.Minute).Truncate(time.Microsecond)
	fresh := time.Now().Add(-time.Minute).Truncate(time.Microsecond)

	// The student restarted after a reset and has one fresh answer buffered.
	f.setAnchor(7, fresh)
	require.NoError(t, f.svc.PatchProgress(ctx, f.attempt(7, fresh), 50, map[string]string{"q1": "B"}))

	// The controller of the reset attempt is still syncing.
	err := f.svc.PatchProgress(ctx, f.attempt(7, stale), 100, map[string]string{"q1": "A", "q2": "True"})
	assert.ErrorIs(t, err, session.ErrAttemptReset)

	queued, err := f.mr.List(config.WorkerKey.PersistProgressQueue)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	progress, err := f.mr.Get(config.CacheKey.SessionProgressKey(f.exam.ID.String(), 7))
	require.NoError(t, err)
	assert.Equal(t, "50", progress)

	// Reconnecting resumes the new attempt with its own answers.
	f.mock.ExpectQuery(`INSERT INTO exam_sessions`).
		WithArgs(f.exam.ID, 7).
		WillReturnError(pgx.ErrNoRows)
	f.expectSessionRow(7, model.SessionStatusInProgress, &fresh, nil, nil, map[string]string{})

	sess, err := f.svc.StartSession(ctx, f.exam.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q1": "B"}, sess.Answers)
	assert.Equal(t, fresh, *sess.StartTime)
}

func TestExamSessionService_ResetClearsBuffers(t *testing.T) {
	f := newSessionFixture(t)
	prev := 5.0
	f.setAnchor(7, time.Now())
	f.mr.Set(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7), `{"q1":"B"}`)
	f.mr.Set(config.CacheKey.SessionProgressKey(f.exam.ID.String(), 7), "50")

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT score FROM exam_sessions`).
		WithArgs(f.exam.ID, 7).
		WillReturnRows(pgxmock.NewRows([]string{"score"}).AddRow(&prev))
	f.mock.ExpectExec(`SET status = 'NOT_STARTED'`).
		WithArgs(f.exam.ID, 7).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec(`DELETE FROM exam_results`).
		WithArgs(f.exam.ID, 7).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	f.mock.ExpectQuery(`INSERT INTO session_reset_audit`).
		WithArgs(f.exam.ID, 7, 2, "network outage", &prev).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), time.Now()))
	f.mock.ExpectCommit()

	audit, err := f.svc.ResetSession(context.Background(), f.exam.ID, 7, 2, "network outage")
	require.NoError(t, err)
	assert.Equal(t, int64(3), audit.ID)

	for _, key := range []string{
		config.CacheKey.SessionStartKey(f.exam.ID.String(), 7),
		config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7),
		config.CacheKey.SessionProgressKey(f.exam.ID.String(), 7),
	} {
		assert.False(t, f.mr.Exists(key), key)
	}
}

func TestExamSessionService_ResetUnknownSession(t *testing.T) {
	f := newSessionFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT score FROM exam_sessions`).
		WithArgs(f.exam.ID, 9).
		WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectRollback()

	_, err := f.svc.ResetSession(context.Background(), f.exam.ID, 9, 2, "retake")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExamSessionService_GetStateRunning(t *testing.T) {
	f := newSessionFixture(t)
	start := time.Now().Add(-10*time.Minute - 500*time.Millisecond).Truncate(time.Microsecond)

	f.expectSessionRow(7, model.SessionStatusInProgress, &start, nil, nil, map[string]string{})
	f.setAnchor(7, start)
	f.mr.Set(config.CacheKey.SessionAnswersKey(f.exam.ID.String(), 7), `{"q1":"B"}`)

	state, err := f.svc.GetState(context.Background(), f.exam.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, state.Status)
	assert.InDelta(t, 50*60, state.RemainingSeconds, 1)
	assert.False(t, state.Expired)
	assert.Equal(t, 50, state.Progress)
	assert.Equal(t, map[string]string{"q1": "B"}, state.Answers)
}

func TestExamSessionService_GetStateMissing(t *testing.T) {
	f := newSessionFixture(t)
	f.mock.ExpectQuery(`SELECT .+ FROM exam_sessions`).
		WithArgs(f.exam.ID, 7).
		WillReturnError(pgx.ErrNoRows)

	_, err := f.svc.GetState(context.Background(), f.exam.ID, 7)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExamSessionService_ResumeExpiredAutoSubmits(t *testing.T) {
	f := newSessionFixture(t)
	start := time.Now().Add(-2 * time.Hour).Truncate(time.Microsecond)
	end := time.Now().Truncate(time.Microsecond)
	answers := map[string]string{"q1": "B"}
	score := 5.0

	f.mock.ExpectQuery(`INSERT INTO exam_sessions`).
		WithArgs(f.exam.ID, 7).
		WillReturnError(pgx.ErrNoRows)
	f.expectSessionRow(7, model.SessionStatusInProgress, &start, nil, nil, answers)
	f.mock.ExpectQuery(`SET status = 'SUBMITTED'`).
		WithArgs(5.0, answers, 50, f.exam.ID, 7, start).
		WillReturnRows(pgxmock.NewRows(sessionCols).AddRow(
			uuid.New(), f.exam.ID, 7, model.SessionStatusSubmitted, 50, &start, &end, &score, answers,
		))

	state, err := f.svc.Resume(context.Background(), f.exam.ID, 7)
	require.NoError(t, err)
	assert.True(t, state.Expired)
	assert.Equal(t, 0, state.RemainingSeconds)
	assert.Equal(t, model.SessionStatusSubmitted, state.Status)
	require.NotNil(t, state.Score)
	assert.Equal(t, 5.0, *state.Score)
}

func TestExamSessionService_ListSessionsClampsPaging(t *testing.T) {
	f := newSessionFixture(t)

	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM exam_sessions`).
		WithArgs(f.exam.ID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(250))
	f.mock.ExpectQuery(`SELECT .+ FROM exam_sessions .+ LIMIT`).
		WithArgs(f.exam.ID, 100, 0).
		WillReturnRows(pgxmock.NewRows(sessionCols))

	sessions, page, err := f.svc.ListSessions(context.Background(), f.exam.ID, 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 100, page.PerPage)
	assert.Equal(t, 3, page.TotalPages)
}
