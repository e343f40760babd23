// Package websocket defines the exam stream protocol: the actions a student's
// browser sends and the events the server pushes back.
package websocket

import "time"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer      Action = "answer"
	ActionSubmit      Action = "submit"
	ActionRetrySubmit Action = "retry_submit"
	ActionFrame       Action = "frame"
	ActionCamera      Action = "camera"
	ActionPing        Action = "ping"
)

// Request is any client message. Fields not used by the action are ignored.
type Request struct {
	Action Action `json:"action"`

	// answer
	QID    string `json:"q_id,omitempty"`
	Answer string `json:"ans,omitempty"`

	// frame: base64 encoded JPEG, PNG or WebP snapshot
	Frame []byte `json:"frame,omitempty"`

	// camera: false when the student denied or lost camera access
	Available *bool `json:"available,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState   Event = "state"
	EventTick    Event = "tick"
	EventSaved   Event = "saved"
	EventSynced  Event = "synced"
	EventExpired Event = "expired"
	EventGraded  Event = "graded"
	EventProctor Event = "proctor"
	EventError   Event = "error"
	EventPong    Event = "pong"
)

// StateResponse is sent once the session is started or resumed.
type StateResponse struct {
	Event            Event             `json:"event"`
	Status           string            `json:"status"`
	RemainingSeconds int               `json:"remaining_seconds"`
	Expired          bool              `json:"expired"`
	Progress         int               `json:"progress"`
	Answers          map[string]string `json:"answers"`
}

type TickResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

type SavedResponse struct {
	Event    Event  `json:"event"`
	QID      string `json:"q_id"`
	Progress int    `json:"progress"`
}

// SyncedResponse reports a periodic progress sync. OK is false when the
// store could not be reached; the exam continues either way.
type SyncedResponse struct {
	Event    Event `json:"event"`
	Progress int   `json:"progress"`
	OK       bool  `json:"ok"`
}

type ExpiredResponse struct {
	Event Event `json:"event"`
}

// GradedResponse carries the submission result. Persisted false means the
// client should send retry_submit.
type GradedResponse struct {
	Event         Event     `json:"event"`
	Score         float64   `json:"score"`
	MaxScore      float64   `json:"max_score"`
	AutoSubmitted bool      `json:"auto_submitted"`
	Persisted     bool      `json:"persisted"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Error         string    `json:"error,omitempty"`
}

type ProctorStatus string

const (
	ProctorUnavailable ProctorStatus = "unavailable"
	ProctorFrameStored ProctorStatus = "frame_stored"
)

type ProctorResponse struct {
	Event  Event         `json:"event"`
	Status ProctorStatus `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
