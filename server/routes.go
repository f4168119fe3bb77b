package server

import (
	"net/http"

	"github.com/jrsteele09/campus-attendance/identity"
)

func (s *Server) initRoutes() {
	s.RegisterRouteHandler("GET "+RouteHealth, ChainMiddleware(s.HealthHandler(), s.APIMiddleware()...))

	// Instructor routes
	instructor := s.APIMiddleware(s.RequireAuth(), s.RequireRole(identity.RoleInstructor))
	s.RegisterRouteHandler("POST "+RouteSessions, ChainMiddleware(s.ScheduleSessionHandler(), instructor...))
	s.RegisterRouteHandler("POST "+RouteSessionOpen, ChainMiddleware(s.OpenSessionHandler(), instructor...))
	s.RegisterRouteHandler("POST "+RouteSessionClose, ChainMiddleware(s.CloseSessionHandler(), instructor...))
	s.RegisterRouteHandler("POST "+RouteSessionRefresh, ChainMiddleware(s.RefreshTokenHandler(), instructor...))
	s.RegisterRouteHandler("GET "+RouteSessionToken, ChainMiddleware(s.CurrentTokenHandler(), instructor...))
	s.RegisterRouteHandler("GET "+RouteSessionStream, ChainMiddleware(s.TokenStreamHandler(), instructor...))
	s.RegisterRouteHandler("GET "+RouteSessionRecords, ChainMiddleware(s.ListAttendanceHandler(), instructor...))
	s.RegisterRouteHandler("GET "+RouteSessionStats, ChainMiddleware(s.StatsHandler(), instructor...))

	// Student routes
	student := s.APIMiddleware(s.RequireAuth(), s.RequireRole(identity.RoleStudent))
	s.RegisterRouteHandler("POST "+RouteScans, ChainMiddleware(s.SubmitScanHandler(), student...))
	s.RegisterRouteHandler("GET "+RouteSessionRecordMe, ChainMiddleware(s.HasRecordHandler(), student...))
	s.RegisterRouteHandler("GET "+RouteMyAttendance, ChainMiddleware(s.MyAttendanceHandler(), student...))

	// Any authenticated caller
	s.RegisterRouteHandler("GET "+RouteSession, ChainMiddleware(s.GetSessionHandler(), s.APIMiddleware(s.RequireAuth())...))

	// CORS preflight
	s.RegisterRouteHandler("OPTIONS /api/", ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, s.APIMiddleware()...))
}
