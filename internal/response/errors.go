package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam catalog ──────────────────────────────────────────────────
	ErrExamNotFound     ErrCode = "EXAM_NOT_FOUND"
	ErrExamNotPublished ErrCode = "EXAM_NOT_PUBLISHED"
	ErrExamNotDraft     ErrCode = "EXAM_NOT_DRAFT"
	ErrNoQuestions      ErrCode = "NO_QUESTIONS"
	ErrInvalidExam      ErrCode = "INVALID_EXAM"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrSessionNotFound      ErrCode = "SESSION_NOT_FOUND"
	ErrSessionSubmitted     ErrCode = "SESSION_SUBMITTED"
	ErrSessionNotInProgress ErrCode = "SESSION_NOT_IN_PROGRESS"
	ErrSessionBusy          ErrCode = "SESSION_BUSY"
	ErrSessionReset         ErrCode = "SESSION_RESET"
	ErrTimeExpired          ErrCode = "TIME_EXPIRED"
	ErrUnknownQuestion      ErrCode = "UNKNOWN_QUESTION"
	ErrSubmitNotPersisted   ErrCode = "SUBMIT_NOT_PERSISTED"

	// ─── Proctoring ────────────────────────────────────────────────────
	ErrFrameRejected ErrCode = "FRAME_REJECTED"
	ErrFrameTooLarge ErrCode = "FRAME_TOO_LARGE"
	ErrCameraOff     ErrCode = "CAMERA_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

var messages = map[ErrCode]string{
	ErrInvalidCredentials: "Email or password is incorrect.",
	ErrTokenRequired:      "An authentication token is required.",
	ErrTokenInvalid:       "The authentication token is invalid or expired.",

	ErrPermissionDenied:  "Permission denied.",
	ErrStudentAccessOnly: "This resource is restricted to students.",
	ErrAdminAccessOnly:   "This resource is restricted to administrators.",

	ErrValidation:     "The submitted data is invalid.",
	ErrInvalidID:      "The ID format is invalid.",
	ErrInvalidPayload: "The request body could not be read.",

	ErrNotFound: "The requested resource was not found.",

	ErrExamNotFound:     "Exam not found.",
	ErrExamNotPublished: "This exam is not open to students.",
	ErrExamNotDraft:     "Only draft exams can be changed or published.",
	ErrNoQuestions:      "The exam has no questions.",
	ErrInvalidExam:      "The exam definition is invalid.",

	ErrSessionNotFound:      "No session exists for this exam.",
	ErrSessionSubmitted:     "This exam has already been submitted.",
	ErrSessionNotInProgress: "This exam session is not in progress.",
	ErrSessionBusy:          "This exam is already open in another window.",
	ErrSessionReset:         "This attempt was reset by an administrator. Reconnect to start again.",
	ErrTimeExpired:          "Exam time is over.",
	ErrUnknownQuestion:      "The question does not belong to this exam.",
	ErrSubmitNotPersisted:   "Your answers were graded but could not be saved. Please retry.",

	ErrFrameRejected: "The camera frame was rejected.",
	ErrFrameTooLarge: "The camera frame is too large.",
	ErrCameraOff:     "The camera is not available.",

	ErrRateLimitExceeded: "Too many requests. Please slow down.",

	ErrInternal: "An internal server error occurred.",
}

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "An unexpected error occurred."
}
