package server

import (
	"net/http"

	"github.com/jrsteele09/campus-attendance/attendance"
	"github.com/jrsteele09/campus-attendance/ledger"
)

type scanRequest struct {
	Token string `json:"token" validate:"required"`
}

type openResponse struct {
	SessionID string `json:"session_id"`
	Epoch     uint64 `json:"epoch"`
}

type recordsResponse struct {
	SessionID string           `json:"session_id,omitempty"`
	Records   []*ledger.Record `json:"records"`
}

type hasRecordResponse struct {
	SessionID string `json:"session_id"`
	Recorded  bool   `json:"recorded"`
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.health != nil {
			if err := s.health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ScheduleSessionHandler consumes session metadata from the schedule service
func (s *Server) ScheduleSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req attendance.ScheduleRequest
		if err := s.decodeJSON(r, &req); err != nil {
			writeServiceError(w, r, err)
			return
		}
		session, err := s.attendance.ScheduleSession(r.Context(), principalFrom(r), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	}
}

func (s *Server) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.attendance.GetSession(r.Context(), principalFrom(r), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) OpenSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		epoch, err := s.attendance.OpenSession(r.Context(), principalFrom(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, openResponse{SessionID: id, Epoch: epoch})
	}
}

func (s *Server) CloseSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.attendance.CloseSession(r.Context(), principalFrom(r), r.PathValue("id")); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RefreshTokenHandler rotates the epoch and returns the new token, which is
// also pushed to token stream subscribers.
func (s *Server) RefreshTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := s.attendance.RefreshToken(r.Context(), principalFrom(r), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		s.tokens.Publish(tok)
		writeJSON(w, http.StatusOK, tok)
	}
}

func (s *Server) CurrentTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := s.attendance.GetCurrentToken(r.Context(), principalFrom(r), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tok)
	}
}

func (s *Server) ListAttendanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		records, err := s.attendance.ListAttendance(r.Context(), principalFrom(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, recordsResponse{SessionID: id, Records: records})
	}
}

func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := s.attendance.Stats(r.Context(), principalFrom(r), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// SubmitScanHandler records the caller's attendance. Rejections are
// returned with the reason verbatim so the client can tell a duplicate
// from a stale code.
func (s *Server) SubmitScanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scanRequest
		if err := s.decodeJSON(r, &req); err != nil {
			writeServiceError(w, r, err)
			return
		}
		res, err := s.attendance.SubmitScan(r.Context(), principalFrom(r), req.Token)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, scanStatus(res), res)
	}
}

func (s *Server) HasRecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		recorded, err := s.attendance.HasRecord(r.Context(), principalFrom(r), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, hasRecordResponse{SessionID: id, Recorded: recorded})
	}
}

func (s *Server) MyAttendanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := s.attendance.MyAttendance(r.Context(), principalFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, recordsResponse{Records: records})
	}
}
