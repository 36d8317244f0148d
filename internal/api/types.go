package api

import (
	"time"

	"github.com/google/uuid"
)

type BookAppointmentRequest struct {
	PatientID  string `json:"patient_id"`
	ProviderID string `json:"provider_id"`
	SlotStart  string `json:"slot_start"`
	Type       string `json:"type,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

type CancelAppointmentRequest struct {
	ActorRole string `json:"actor_role"`
	ActorID   string `json:"actor_id"`
}

type RescheduleAppointmentRequest struct {
	ProviderID string `json:"provider_id"`
	SlotStart  string `json:"slot_start"`
	ActorID    string `json:"actor_id,omitempty"`
}

type AppointmentResponse struct {
	ID         uuid.UUID `json:"id"`
	PatientID  uuid.UUID `json:"patient_id"`
	ProviderID uuid.UUID `json:"provider_id"`
	SlotStart  time.Time `json:"slot_start"`
	SlotEnd    time.Time `json:"slot_end"`
	Type       string    `json:"type"`
	Priority   string    `json:"priority"`
	Status     string    `json:"status"`
}

type SlotResponse struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	State      string    `json:"state"`
	Version    int64     `json:"version"`
}

type SuggestionResponse struct {
	Slot            SlotResponse `json:"slot"`
	GapScoreMinutes float64      `json:"gap_score_minutes"`
	PriorityBooking bool         `json:"priority_booking,omitempty"`
}

type QueueEntryResponse struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	Position      int       `json:"position"`
	Status        string    `json:"status"`
	Priority      string    `json:"priority"`
	CheckInTime   time.Time `json:"check_in_time"`
}

type WaitEstimateResponse struct {
	QueueEntryID uuid.UUID `json:"queue_entry_id"`
	WaitSeconds  float64   `json:"wait_seconds"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
