package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/middleware"
	"github.com/stemsi/examroom/internal/model"
	"github.com/stemsi/examroom/internal/proctor"
	"github.com/stemsi/examroom/internal/response"
	"github.com/stemsi/examroom/internal/service"
	"github.com/stemsi/examroom/internal/session"
	ws "github.com/stemsi/examroom/internal/websocket"
)

const (
	outboxSize     = 64
	actionTimeout  = 10 * time.Second
	cameraDenied   = "denied"
	defaultActions = 10
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// PublishedExams resolves an exam a student may sit.
type PublishedExams interface {
	FetchPublishedExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
}

// Proctor stores snapshots and records camera outages.
type Proctor interface {
	session.FrameSink
	ReportUnavailable(ctx context.Context, examID uuid.UUID, studentID int)
}

// WSHandler runs one session controller per exam stream.
type WSHandler struct {
	cfg      *config.Config
	exams    PublishedExams
	store    session.Store
	proctor  Proctor
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(cfg *config.Config, exams PublishedExams, store session.Store, proctor Proctor, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		cfg:      cfg,
		exams:    exams,
		store:    store,
		proctor:  proctor,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(cfg.AllowedOrigins),
	}
}

// stream is the per-connection state of an exam stream.
type stream struct {
	conn    *ws.Conn
	outbox  chan interface{}
	done    chan struct{}
	examID  uuid.UUID
	student int
	log     zerolog.Logger
}

// send queues v for the writer. It gives up once the connection is gone.
func (s *stream) send(v interface{}) {
	select {
	case s.outbox <- v:
	case <-s.done:
	}
}

// offer queues v unless the writer is behind. Used for ticks.
func (s *stream) offer(v interface{}) {
	select {
	case s.outbox <- v:
	default:
		s.log.Debug().Msg("Outbox full, dropping event")
	}
}

func (s *stream) fail(code response.ErrCode) {
	s.send(ws.ErrorResponse{Event: ws.EventError, Code: string(code), Error: response.GetMessage(code)})
}

// ending is queued after the last event; the writer sends it as an error
// and closes the connection, which ends the read loop.
type ending struct {
	code response.ErrCode
}

func (s *stream) end(code response.ErrCode) {
	s.send(ending{code: code})
}

// writeLoop drains the outbox until done. After a write error it keeps
// draining so controller callbacks never block on a dead connection.
func (s *stream) writeLoop() {
	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()

	broken := false
	for {
		select {
		case <-s.done:
			return
		case v := <-s.outbox:
			if broken {
				continue
			}
			if e, ok := v.(ending); ok {
				s.reject(e.code)
				broken = true
				continue
			}
			if err := s.conn.WriteTyped(v); err != nil {
				s.log.Debug().Err(err).Msg("Write failed")
				broken = true
				_ = s.conn.Close()
			}
		case <-ping.C:
			if !broken && s.conn.Ping() != nil {
				broken = true
				_ = s.conn.Close()
			}
		}
	}
}

// reject writes a final error and closes the stream.
func (s *stream) reject(code response.ErrCode) {
	_ = s.conn.WriteError(string(code), response.GetMessage(code))
	_ = s.conn.CloseWith(websocket.ClosePolicyViolation, string(code))
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Starts or resumes the attempt and streams the countdown, sync and grading
// events. A ?camera=denied query starts the attempt without proctoring.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	exam, err := h.exams.FetchPublishedExam(c.Request.Context(), examID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrExamNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
		case errors.Is(err, service.ErrExamNotPublished):
			response.Fail(c, http.StatusForbidden, response.ErrExamNotPublished)
		default:
			h.log.Error().Err(err).Str("exam_id", examID.String()).Msg("Failed to load exam for stream")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	st := &stream{
		conn:    ws.NewConn(raw),
		outbox:  make(chan interface{}, outboxSize),
		done:    make(chan struct{}),
		examID:  examID,
		student: claims.UserID,
		log: h.log.With().
			Int("student_id", claims.UserID).
			Str("exam_id", examID.String()).
			Logger(),
	}
	defer st.conn.Close()

	capture := proctor.NewFrameBuffer(h.cfg.MaxFrameBytes)
	if c.Query("camera") == cameraDenied {
		capture.Deny()
	}

	ctrl := session.NewController(exam, claims.UserID, h.store, session.Options{
		SyncInterval:      h.cfg.ProgressSyncInterval,
		ProctorInterval:   h.cfg.ProctorInterval,
		AutoSubmitExpired: h.cfg.AutoSubmitExpired,
		Capture:           capture,
		Sink:              h.proctor,
		OnEvent:           h.relay(st),
		Log:               h.log,
	})

	writerDone := make(chan struct{})
	go func() {
		st.writeLoop()
		close(writerDone)
	}()
	defer func() {
		ctrl.Close()
		close(st.done)
		<-writerDone
	}()

	state, err := ctrl.Start(c.Request.Context())
	switch {
	case errors.Is(err, session.ErrAttemptReset):
		st.reject(response.ErrSessionReset)
		return
	case errors.Is(err, session.ErrAlreadySubmitted):
		st.reject(response.ErrSessionSubmitted)
		return
	case err != nil && !errors.Is(err, session.ErrSubmitNotPersisted):
		st.log.Error().Err(err).Msg("Failed to start session")
		st.reject(response.ErrInternal)
		return
	}

	st.send(ws.StateResponse{
		Event:            ws.EventState,
		Status:           string(ctrl.Status()),
		RemainingSeconds: state.RemainingSeconds,
		Expired:          state.Expired,
		Progress:         ctrl.Progress(),
		Answers:          state.Answers,
	})

	st.log.Info().Int("remaining_seconds", state.RemainingSeconds).Msg("Student connected")
	h.readLoop(st, ctrl, capture)
}

// relay turns controller events into stream events.
func (h *WSHandler) relay(st *stream) func(session.Event) {
	return func(ev session.Event) {
		switch ev.Kind {
		case session.EventTick:
			st.offer(ws.TickResponse{Event: ws.EventTick, RemainingSeconds: ev.Remaining})
		case session.EventSynced:
			st.offer(ws.SyncedResponse{Event: ws.EventSynced, Progress: ev.Progress, OK: true})
		case session.EventSyncFailed:
			st.offer(ws.SyncedResponse{Event: ws.EventSynced, Progress: ev.Progress, OK: false})
		case session.EventExpired:
			st.send(ws.ExpiredResponse{Event: ws.EventExpired})
		case session.EventSubmitted:
			st.send(graded(ev.Result, ev.Err))
		case session.EventProctorUnavailable:
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			h.proctor.ReportUnavailable(ctx, st.examID, st.student)
			cancel()
			st.send(ws.ProctorResponse{Event: ws.EventProctor, Status: ws.ProctorUnavailable})
		case session.EventFrameUploaded:
			st.offer(ws.ProctorResponse{Event: ws.EventProctor, Status: ws.ProctorFrameStored})
		case session.EventReset:
			st.log.Warn().Msg("Attempt reset while connected, closing stream")
			st.end(response.ErrSessionReset)
		}
	}
}

func (h *WSHandler) readLoop(st *stream, ctrl *session.Controller, capture *proctor.FrameBuffer) {
	perSecond := h.cfg.WSActionsPerSecond
	if perSecond <= 0 {
		perSecond = defaultActions
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), perSecond*2)

	for {
		var req ws.Request
		if err := st.conn.ReadJSON(&req); err != nil {
			if ws.IsClosedNormally(err) {
				st.log.Debug().Msg("Connection closed")
			} else {
				st.log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		if !limiter.Allow() {
			st.fail(response.ErrRateLimitExceeded)
			continue
		}

		switch req.Action {
		case ws.ActionAnswer:
			h.handleAnswer(st, ctrl, &req)
		case ws.ActionSubmit:
			h.handleSubmit(st, ctrl)
		case ws.ActionRetrySubmit:
			h.handleRetry(st, ctrl)
		case ws.ActionFrame:
			h.handleFrame(st, capture, &req)
		case ws.ActionCamera:
			if req.Available != nil && !*req.Available {
				h.handleCameraLost(st, capture)
			}
		case ws.ActionPing:
			st.send(ws.PongResponse{Event: ws.EventPong})
		default:
			st.log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
			st.fail(response.ErrInvalidPayload)
		}
	}
}

func (h *WSHandler) handleAnswer(st *stream, ctrl *session.Controller, req *ws.Request) {
	if req.QID == "" {
		st.fail(response.ErrUnknownQuestion)
		return
	}

	progress, err := ctrl.SetAnswer(req.QID, req.Answer)
	switch {
	case err == nil:
		st.send(ws.SavedResponse{Event: ws.EventSaved, QID: req.QID, Progress: progress})
	case errors.Is(err, session.ErrUnknownQuestion):
		st.fail(response.ErrUnknownQuestion)
	case errors.Is(err, session.ErrTimeExpired):
		st.fail(response.ErrTimeExpired)
	default:
		st.fail(response.ErrSessionNotInProgress)
	}
}

func (h *WSHandler) handleSubmit(st *stream, ctrl *session.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	// Only the first submission emits an event; repeat it for later requests
	// once the first one has settled.
	already := ctrl.Result() != nil
	res, err := ctrl.Submit(ctx)
	switch {
	case errors.Is(err, session.ErrAttemptReset):
		// The reset event closes the stream.
	case errors.Is(err, session.ErrNotInProgress):
		st.fail(response.ErrSessionNotInProgress)
	case already:
		st.send(graded(res, err))
	}
}

func (h *WSHandler) handleRetry(st *stream, ctrl *session.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	res, err := ctrl.RetrySubmit(ctx)
	switch {
	case errors.Is(err, session.ErrAttemptReset):
		st.fail(response.ErrSessionReset)
	case errors.Is(err, session.ErrNotInProgress):
		st.fail(response.ErrSessionNotInProgress)
	default:
		st.send(graded(res, err))
	}
}

func (h *WSHandler) handleFrame(st *stream, capture *proctor.FrameBuffer, req *ws.Request) {
	err := capture.Push(req.Frame)
	switch {
	case err == nil:
	case errors.Is(err, proctor.ErrFrameTooLarge):
		st.fail(response.ErrFrameTooLarge)
	case errors.Is(err, proctor.ErrCameraDenied), errors.Is(err, proctor.ErrCaptureClosed):
		st.fail(response.ErrCameraOff)
	default:
		st.fail(response.ErrFrameRejected)
	}
}

func (h *WSHandler) handleCameraLost(st *stream, capture *proctor.FrameBuffer) {
	if !capture.Active() {
		return
	}
	capture.Deny()

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	h.proctor.ReportUnavailable(ctx, st.examID, st.student)

	st.log.Warn().Msg("Camera lost during exam")
	st.send(ws.ProctorResponse{Event: ws.EventProctor, Status: ws.ProctorUnavailable})
}

func graded(res *session.Result, err error) ws.GradedResponse {
	out := ws.GradedResponse{Event: ws.EventGraded}
	if res != nil {
		out.Score = res.Score
		out.MaxScore = res.MaxScore
		out.AutoSubmitted = res.AutoSubmitted
		out.Persisted = res.Persisted
		out.SubmittedAt = res.SubmittedAt
	}
	if err != nil {
		out.Error = response.GetMessage(response.ErrSubmitNotPersisted)
	}
	return out
}
