package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/middleware"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/service"
	"github.com/stemsi/examroom/internal/session"
	ws "github.com/stemsi/examroom/internal/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type examSource map[uuid.UUID]*model.ExamDefinition

func (s examSource) FetchPublishedExam(_ context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	exam, ok := s[examID]
	if !ok {
		return nil, service.ErrExamNotFound
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, service.ErrExamNotPublished
	}
	return exam, nil
}

// sessionStore keeps one attempt per exam for student 7.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.ExamSession
	submits  int
	scores   []float64
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[uuid.UUID]*model.ExamSession{}}
}

func (s *sessionStore) StartSession(_ context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[examID]
	if !ok {
		now := time.Now()
		sess = &model.ExamSession{
			ExamID:    examID,
			StudentID: studentID,
			Status:    model.SessionStatusInProgress,
			StartTime: &now,
			Answers:   map[string]string{},
		}
		s.sessions[examID] = sess
	}
	cp := *sess
	return &cp, nil
}

func (s *sessionStore) PatchProgress(_ context.Context, attempt model.Attempt, _ int, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !attempt.SameStart(*s.sessions[attempt.ExamID].StartTime) {
		return session.ErrAttemptReset
	}
	return nil
}

func (s *sessionStore) SubmitSession(_ context.Context, attempt model.Attempt, _ map[string]string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[attempt.ExamID]
	if !attempt.SameStart(*sess.StartTime) {
		return session.ErrAttemptReset
	}
	s.submits++
	s.scores = append(s.scores, score)
	sess.Status = model.SessionStatusSubmitted
	return nil
}

// restart stands in for an admin reset followed by a new start elsewhere.
func (s *sessionStore) restart(examID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now().Add(time.Minute)
	s.sessions[examID] = &model.ExamSession{
		ExamID:    examID,
		StudentID: 7,
		Status:    model.SessionStatusInProgress,
		StartTime: &start,
		Answers:   map[string]string{},
	}
}

type proctorSink struct {
	mu       sync.Mutex
	frames   int
	reported int
}

func (p *proctorSink) UploadFrame(context.Context, uuid.UUID, int, []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames++
	return nil
}

func (p *proctorSink) ReportUnavailable(context.Context, uuid.UUID, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reported++
}

type streamFixture struct {
	srv     *httptest.Server
	exam    *model.ExamDefinition
	exams   examSource
	store   *sessionStore
	proctor *proctorSink
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()

	exam := &model.ExamDefinition{
		ID:              uuid.New(),
		Title:           "Physics",
		DurationMinutes: 60,
		Status:          model.ExamStatusPublished,
		Questions: []model.Question{
			{ID: "q1", Type: model.QuestionTypeMultipleChoice, Options: []string{"A", "B"}, CorrectAnswer: "B", Points: 5},
			{ID: "q2", Type: model.QuestionTypeTrueFalse, CorrectAnswer: "True", Points: 3},
		},
	}
	f := &streamFixture{
		exam:    exam,
		exams:   examSource{exam.ID: exam},
		store:   newSessionStore(),
		proctor: &proctorSink{},
	}

	cfg := &config.Config{
		ProgressSyncInterval: time.Hour,
		MaxFrameBytes:        1024,
		WSActionsPerSecond:   100,
		AutoSubmitExpired:    true,
	}
	h := NewWSHandler(cfg, f.exams, f.store, f.proctor, zerolog.Nop())

	r := gin.New()
	r.GET("/stream/:exam_id", func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeStudent, UserID: 7})
		c.Next()
	}, h.ExamWebSocketStream)

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *streamFixture) dial(t *testing.T, examID uuid.UUID, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream/" + examID.String() + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads until an event of the wanted kind, skipping countdown noise.
func next(t *testing.T, conn *websocket.Conn, want ws.Event) map[string]interface{} {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		switch ws.Event(msg["event"].(string)) {
		case want:
			return msg
		case ws.EventTick, ws.EventSynced:
			continue
		default:
			t.Fatalf("expected %q event, got %v", want, msg)
		}
	}
}

func TestExamStream_AnswerAndSubmit(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, f.exam.ID, "")

	state := next(t, conn, ws.EventState)
	assert.Equal(t, "IN_PROGRESS", state["status"])
	assert.InDelta(t, 3600, state["remaining_seconds"], 2)
	assert.Equal(t, false, state["expired"])

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionAnswer, QID: "q1", Answer: "B"}))
	saved := next(t, conn, ws.EventSaved)
	assert.Equal(t, "q1", saved["q_id"])
	assert.EqualValues(t, 50, saved["progress"])

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionAnswer, QID: "q9", Answer: "A"}))
	assert.Equal(t, "UNKNOWN_QUESTION", next(t, conn, ws.EventError)["code"])

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionSubmit}))
	res := next(t, conn, ws.EventGraded)
	assert.EqualValues(t, 5, res["score"])
	assert.EqualValues(t, 8, res["max_score"])
	assert.Equal(t, true, res["persisted"])
	assert.Equal(t, false, res["auto_submitted"])

	// A repeated submit reports the same result without a second write.
	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionSubmit}))
	assert.EqualValues(t, 5, next(t, conn, ws.EventGraded)["score"])

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionAnswer, QID: "q2", Answer: "True"}))
	assert.Equal(t, "SESSION_NOT_IN_PROGRESS", next(t, conn, ws.EventError)["code"])

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.Equal(t, 1, f.store.submits)
	assert.Equal(t, []float64{5}, f.store.scores)
}

func TestExamStream_ResetClosesStream(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, f.exam.ID, "")
	next(t, conn, ws.EventState)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionAnswer, QID: "q1", Answer: "B"}))
	next(t, conn, ws.EventSaved)

	f.store.restart(f.exam.ID)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionSubmit}))
	assert.Equal(t, "SESSION_RESET", next(t, conn, ws.EventError)["code"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.Zero(t, f.store.submits)
	assert.Equal(t, model.SessionStatusInProgress, f.store.sessions[f.exam.ID].Status)
}

func TestExamStream_PingAndUnknownAction(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, f.exam.ID, "")
	next(t, conn, ws.EventState)

	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionPing}))
	next(t, conn, ws.EventPong)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "cheat"}))
	assert.Equal(t, "INVALID_PAYLOAD", next(t, conn, ws.EventError)["code"])
}

func TestExamStream_AlreadySubmitted(t *testing.T) {
	f := newStreamFixture(t)
	now := time.Now().Add(-time.Hour)
	f.store.sessions[f.exam.ID] = &model.ExamSession{
		ExamID:    f.exam.ID,
		StudentID: 7,
		Status:    model.SessionStatusSubmitted,
		StartTime: &now,
	}

	conn := f.dial(t, f.exam.ID, "")
	assert.Equal(t, "SESSION_SUBMITTED", next(t, conn, ws.EventError)["code"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestExamStream_ExpiredAutoSubmits(t *testing.T) {
	f := newStreamFixture(t)
	start := time.Now().Add(-2 * time.Hour)
	f.store.sessions[f.exam.ID] = &model.ExamSession{
		ExamID:    f.exam.ID,
		StudentID: 7,
		Status:    model.SessionStatusInProgress,
		StartTime: &start,
		Answers:   map[string]string{"q2": "true"},
	}

	conn := f.dial(t, f.exam.ID, "")
	next(t, conn, ws.EventExpired)
	res := next(t, conn, ws.EventGraded)
	assert.Equal(t, true, res["auto_submitted"])
	assert.EqualValues(t, 3, res["score"])

	state := next(t, conn, ws.EventState)
	assert.Equal(t, "SUBMITTED", state["status"])
	assert.EqualValues(t, 0, state["remaining_seconds"])
	assert.Equal(t, true, state["expired"])
}

func TestExamStream_CameraDenied(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, f.exam.ID, "?camera=denied")

	proctor := next(t, conn, ws.EventProctor)
	assert.Equal(t, string(ws.ProctorUnavailable), proctor["status"])
	next(t, conn, ws.EventState)

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionFrame, Frame: jpeg}))
	assert.Equal(t, "CAMERA_UNAVAILABLE", next(t, conn, ws.EventError)["code"])

	f.proctor.mu.Lock()
	defer f.proctor.mu.Unlock()
	assert.Equal(t, 1, f.proctor.reported)
	assert.Zero(t, f.proctor.frames)
}

func TestExamStream_CameraLostMidExam(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, f.exam.ID, "")
	next(t, conn, ws.EventState)

	off := false
	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionCamera, Available: &off}))
	assert.Equal(t, string(ws.ProctorUnavailable), next(t, conn, ws.EventProctor)["status"])

	// Repeated reports are ignored.
	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionCamera, Available: &off}))
	require.NoError(t, conn.WriteJSON(ws.Request{Action: ws.ActionPing}))
	next(t, conn, ws.EventPong)

	f.proctor.mu.Lock()
	defer f.proctor.mu.Unlock()
	assert.Equal(t, 1, f.proctor.reported)
}

func TestExamStream_RejectsBeforeUpgrade(t *testing.T) {
	f := newStreamFixture(t)
	draft := &model.ExamDefinition{ID: uuid.New(), DurationMinutes: 30, Status: model.ExamStatusDraft}
	f.exams[draft.ID] = draft

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"draft exam", draft.ID.String(), http.StatusForbidden, "EXAM_NOT_PUBLISHED"},
		{"unknown exam", uuid.NewString(), http.StatusNotFound, "EXAM_NOT_FOUND"},
		{"bad id", "not-a-uuid", http.StatusBadRequest, "INVALID_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream/" + tt.path
			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}
