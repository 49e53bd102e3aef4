package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type ReserveRequest struct {
	CandidateID            string   `json:"candidate_id"`
	ExpertID               string   `json:"expert_id"`
	Date                   string   `json:"date"`
	StartTime              string   `json:"start_time"`
	SessionType            string   `json:"session_type,omitempty"`
	PaymentAmount          float64  `json:"payment_amount,omitempty"`
	RecordingEnabled       *bool    `json:"recording_enabled,omitempty"`
	AdditionalParticipants []string `json:"additional_participants,omitempty"`
}

type RescheduleRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
}

type ForceStatusRequest struct {
	Status string `json:"status"`
}

type SignalRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type SessionResponse struct {
	ID                     uuid.UUID  `json:"id"`
	CandidateID            uuid.UUID  `json:"candidate_id"`
	ExpertID               uuid.UUID  `json:"expert_id"`
	ScheduledDate          string     `json:"scheduled_date"`
	StartTime              string     `json:"start_time"`
	DurationMinutes        int        `json:"duration_minutes"`
	SessionType            string     `json:"session_type"`
	Status                 string     `json:"status"`
	PaymentAmount          float64    `json:"payment_amount"`
	PaymentStatus          string     `json:"payment_status"`
	MeetingID              string     `json:"meeting_id"`
	RecordingURL           *string    `json:"recording_url,omitempty"`
	IsRecordingEnabled     bool       `json:"is_recording_enabled"`
	AdditionalParticipants []string   `json:"additional_participants,omitempty"`
	RescheduledFrom        *uuid.UUID `json:"rescheduled_from,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type AvailabilityResponse struct {
	ExpertID uuid.UUID `json:"expert_id"`
	Date     string    `json:"date"`
	Slots    []string  `json:"slots"`
	Count    int       `json:"count"`
}

type JoinResponse struct {
	MeetingID string `json:"meeting_id"`
	RoomState string `json:"room_state"`
}

type RecordingURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
