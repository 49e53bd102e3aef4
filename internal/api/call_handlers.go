package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mockmate/coaching-session-engine/internal/call"
	"github.com/mockmate/coaching-session-engine/internal/recording"
	"github.com/mockmate/coaching-session-engine/internal/session"
)

// Media chunks arrive over the opaque duplex channel in production; the HTTP
// surface caps a single posted chunk to keep buffers sane.
const maxChunkBytes = 8 << 20

func joinCallHandler(mgr *call.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meetingID := chi.URLParam(r, "meetingID")
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		state, err := mgr.Join(r.Context(), meetingID, ident.UserID, ident.Role)
		if err != nil {
			handleCallError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, JoinResponse{MeetingID: meetingID, RoomState: string(state)})
	}
}

func leaveCallHandler(mgr *call.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meetingID := chi.URLParam(r, "meetingID")
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		if err := mgr.Leave(r.Context(), meetingID, ident.UserID); err != nil {
			handleCallError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, JoinResponse{MeetingID: meetingID, RoomState: string(mgr.RoomState(meetingID))})
	}
}

func endCallHandler(mgr *call.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meetingID := chi.URLParam(r, "meetingID")
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		if err := mgr.End(r.Context(), meetingID, ident.UserID, ident.Role); err != nil {
			handleCallError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, JoinResponse{MeetingID: meetingID, RoomState: string(call.RoomEnded)})
	}
}

func signalHandler(mgr *call.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meetingID := chi.URLParam(r, "meetingID")
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		var req SignalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := mgr.Signal(meetingID, ident.UserID, req.Payload); err != nil {
			handleCallError(w, err)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func heartbeatHandler(mgr *call.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meetingID := chi.URLParam(r, "meetingID")
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}

		if err := mgr.Heartbeat(meetingID, ident.UserID); err != nil {
			handleCallError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func mediaChunkHandler(mgr *call.Manager, pipeline *recording.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meetingID := chi.URLParam(r, "meetingID")
		ident, ok := GetIdentity(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_identity", "caller identity is required")
			return
		}
		if !mgr.Member(meetingID, ident.UserID) {
			writeError(w, http.StatusForbidden, "access_denied", "only joined call members may upload media")
			return
		}

		chunk, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_chunk", "could not read media chunk")
			return
		}

		if err := pipeline.AppendChunk(meetingID, chunk); err != nil {
			if errors.Is(err, recording.ErrNotCapturing) {
				writeError(w, http.StatusConflict, "not_capturing", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func handleCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access_denied", err.Error())
	case errors.Is(err, call.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session_closed", "this session is no longer available")
	case errors.Is(err, call.ErrRoomEnded):
		writeError(w, http.StatusConflict, "room_ended", err.Error())
	case errors.Is(err, call.ErrNotInRoom):
		writeError(w, http.StatusBadRequest, "not_in_room", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
