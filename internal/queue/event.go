// Package queue defines message payloads exchanged over the message broker.
package queue

// SessionEvent is published on every session lifecycle transition. It carries
// enough for downstream consumers (admin dashboard, analytics) to act without
// querying the primary database.
type SessionEvent struct {
	EventType     string  `json:"event_type"`
	SessionID     string  `json:"session_id"`
	CandidateID   string  `json:"candidate_id"`
	ExpertID      string  `json:"expert_id"`
	ScheduledDate string  `json:"scheduled_date"`
	StartTime     string  `json:"start_time"`
	Status        string  `json:"status"`
	MeetingID     string  `json:"meeting_id,omitempty"`
	RecordingURL  string  `json:"recording_url,omitempty"`
	PaymentAmount float64 `json:"payment_amount,omitempty"`
	OccurredAt    string  `json:"occurred_at"`
}
