package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Sessions (instructor)
	RouteSessions        = "/api/sessions"
	RouteSession         = "/api/sessions/{id}"
	RouteSessionOpen     = "/api/sessions/{id}/open"
	RouteSessionClose    = "/api/sessions/{id}/close"
	RouteSessionRefresh  = "/api/sessions/{id}/refresh"
	RouteSessionToken    = "/api/sessions/{id}/token"
	RouteSessionStream   = "/api/sessions/{id}/token/stream"
	RouteSessionRecords  = "/api/sessions/{id}/attendance"
	RouteSessionStats    = "/api/sessions/{id}/stats"
	RouteSessionRecordMe = "/api/sessions/{id}/attendance/me"

	// Scans (student)
	RouteScans        = "/api/scans"
	RouteMyAttendance = "/api/me/attendance"

	RouteHealth = "/healthz"
)
