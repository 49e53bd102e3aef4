package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mockmate/coaching-session-engine/internal/recording"
	redisclient "github.com/mockmate/coaching-session-engine/internal/redis"
	"github.com/mockmate/coaching-session-engine/internal/session"
)

func toSessionResponse(s *session.Session) SessionResponse {
	extra := make([]string, 0, len(s.AdditionalParticipants))
	for _, id := range s.AdditionalParticipants {
		extra = append(extra, id.String())
	}

	return SessionResponse{
		ID:                     s.ID,
		CandidateID:            s.CandidateID,
		ExpertID:               s.ExpertID,
		ScheduledDate:          s.ScheduledDate,
		StartTime:              s.StartTime,
		DurationMinutes:        s.DurationMinutes,
		SessionType:            string(s.SessionType),
		Status:                 string(s.Status),
		PaymentAmount:          s.PaymentAmount,
		PaymentStatus:          s.PaymentStatus,
		MeetingID:              s.MeetingID,
		RecordingURL:           s.RecordingURL,
		IsRecordingEnabled:     s.IsRecordingEnabled,
		AdditionalParticipants: extra,
		RescheduledFrom:        s.RescheduledFrom,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

func availabilityHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expertID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_expert_id", "id must be a valid UUID")
			return
		}
		date := r.URL.Query().Get("date")

		avail, err := svc.Availability(r.Context(), expertID, date)
		if err != nil {
			handleSessionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, AvailabilityResponse{
			ExpertID: expertID,
			Date:     date,
			Slots:    avail.Slots,
			Count:    avail.Count,
		})
	}
}

func reserveHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		candidateID, err := uuid.Parse(req.CandidateID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_candidate_id", "candidate_id must be a valid UUID")
			return
		}
		expertID, err := uuid.Parse(req.ExpertID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_expert_id", "expert_id must be a valid UUID")
			return
		}

		extra := make([]uuid.UUID, 0, len(req.AdditionalParticipants))
		for _, raw := range req.AdditionalParticipants {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_participant_id", "additional_participants must be valid UUIDs")
				return
			}
			extra = append(extra, id)
		}

		recordingEnabled := true
		if req.RecordingEnabled != nil {
			recordingEnabled = *req.RecordingEnabled
		}

		created, err := svc.Reserve(r.Context(), session.ReserveParams{
			CandidateID:            candidateID,
			ExpertID:               expertID,
			Date:                   req.Date,
			StartTime:              req.StartTime,
			SessionType:            session.Type(req.SessionType),
			PaymentAmount:          req.PaymentAmount,
			RecordingEnabled:       recordingEnabled,
			AdditionalParticipants: extra,
		})
		if err != nil {
			handleSessionError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toSessionResponse(created))
	}
}

func getSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_session_id", "id must be a valid UUID")
			return
		}

		sess, err := svc.GetSession(r.Context(), id)
		if err != nil {
			handleSessionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSessionResponse(sess))
	}
}

func listSessionsHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		var (
			sessions []session.Session
			err      error
		)

		switch {
		case r.URL.Query().Get("candidate_id") != "":
			var candidateID uuid.UUID
			candidateID, err = uuid.Parse(r.URL.Query().Get("candidate_id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_candidate_id", "candidate_id must be a valid UUID")
				return
			}
			sessions, err = svc.ListByCandidate(r.Context(), candidateID, limit, offset)
		case r.URL.Query().Get("expert_id") != "":
			var expertID uuid.UUID
			expertID, err = uuid.Parse(r.URL.Query().Get("expert_id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_expert_id", "expert_id must be a valid UUID")
				return
			}
			sessions, err = svc.ListByExpert(r.Context(), expertID, limit, offset)
		default:
			writeError(w, http.StatusBadRequest, "missing_filter", "candidate_id or expert_id is required")
			return
		}

		if err != nil {
			handleSessionError(w, err)
			return
		}

		out := make([]SessionResponse, 0, len(sessions))
		for i := range sessions {
			out = append(out, toSessionResponse(&sessions[i]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func cancelSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_session_id", "id must be a valid UUID")
			return
		}
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		cancelled, err := svc.Cancel(r.Context(), id, ident.UserID, ident.Role)
		if err != nil {
			handleSessionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSessionResponse(cancelled))
	}
}

func rescheduleSessionHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_session_id", "id must be a valid UUID")
			return
		}
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		created, err := svc.Reschedule(r.Context(), id, ident.UserID, ident.Role, req.Date, req.StartTime)
		if err != nil {
			handleSessionError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toSessionResponse(created))
	}
}

func forceStatusHandler(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_session_id", "id must be a valid UUID")
			return
		}
		ident, ok := GetIdentity(r.Context())
		if !ok || ident.Role != session.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin_only", "status override requires the admin role")
			return
		}

		var req ForceStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		updated, err := svc.ForceStatus(r.Context(), id, session.Status(req.Status))
		if err != nil {
			handleSessionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSessionResponse(updated))
	}
}

func recordingURLHandler(svc *session.Service, pipeline *recording.Pipeline, urlTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_session_id", "id must be a valid UUID")
			return
		}
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		sess, err := svc.GetSession(r.Context(), id)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		if ident.Role != session.RoleAdmin && !sess.IsParticipant(ident.UserID) {
			writeError(w, http.StatusForbidden, "access_denied", "only session participants may fetch the recording")
			return
		}

		url, err := pipeline.SignedLink(r.Context(), id)
		if err != nil {
			handleRecordingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, RecordingURLResponse{
			URL:       url,
			ExpiresAt: time.Now().Add(urlTTL),
		})
	}
}

func downloadRecordingHandler(pipeline *recording.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			writeError(w, http.StatusBadRequest, "missing_token", "token query parameter is required")
			return
		}

		rc, rec, err := pipeline.Open(r.Context(), token)
		if err != nil {
			handleRecordingError(w, err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "video/webm")
		w.Header().Set("Content-Disposition", `attachment; filename="`+rec.MeetingID+`.webm"`)
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)
	}
}

func handleSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrInvalidDate),
		errors.Is(err, session.ErrOffGridSlot):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	case errors.Is(err, session.ErrSlotDisabled):
		writeError(w, http.StatusConflict, "slot_not_open", err.Error())
	case errors.Is(err, session.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", "slot no longer available, please choose another")
	case errors.Is(err, session.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, session.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access_denied", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleRecordingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recording.ErrRecordingNotFound),
		errors.Is(err, recording.ErrRecordingNotReady):
		writeError(w, http.StatusNotFound, "recording_not_ready", err.Error())
	case errors.Is(err, recording.ErrBadToken):
		writeError(w, http.StatusForbidden, "invalid_token", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
