package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionExamsRead allows viewing exams and their sessions.
	PermissionExamsRead Permission = "exams:read"

	// PermissionExamsWrite allows creating exams.
	PermissionExamsWrite Permission = "exams:write"

	// PermissionExamsPublish allows publishing exams to students.
	PermissionExamsPublish Permission = "exams:publish"

	// PermissionExamsMonitor allows attaching to the live monitor and viewing proctor frames.
	PermissionExamsMonitor Permission = "exams:monitor"

	// PermissionSessionsReset allows resetting a student's exam session.
	PermissionSessionsReset Permission = "sessions:reset"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionExamsRead,
	PermissionExamsWrite,
	PermissionExamsPublish,
	PermissionExamsMonitor,
	PermissionSessionsReset,
}

// PermissionCodes returns AllPermissions as plain strings.
func PermissionCodes() []string {
	codes := make([]string, len(AllPermissions))
	for i, p := range AllPermissions {
		codes[i] = string(p)
	}
	return codes
}
