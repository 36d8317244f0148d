package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/scheduling"
	"github.com/careflow/scheduling-core/internal/slot"
)

func bookAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		key, ok := parseSlotKey(w, req.ProviderID, req.SlotStart)
		if !ok {
			return
		}

		apptType, ok := scheduling.ParseAppointmentType(req.Type)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_type", "unknown appointment type")
			return
		}

		priority, ok := scheduling.ParsePriority(req.Priority)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_priority", "unknown priority")
			return
		}

		appt, err := svc.Book(r.Context(), patientID, key, apptType, priority)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		role := scheduling.Role(req.ActorRole)
		if role != scheduling.RolePatient && role != scheduling.RoleReceptionist {
			writeError(w, http.StatusBadRequest, "invalid_actor_role", "actor_role must be patient or receptionist")
			return
		}

		actorID, err := uuid.Parse(req.ActorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
			return
		}

		if err := svc.Cancel(r.Context(), id, role, actorID); err != nil {
			handleSchedulingError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func rescheduleAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req RescheduleAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		key, ok := parseSlotKey(w, req.ProviderID, req.SlotStart)
		if !ok {
			return
		}

		actorID := uuid.Nil
		if req.ActorID != "" {
			parsed, err := uuid.Parse(req.ActorID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
				return
			}
			actorID = parsed
		}

		appt, err := svc.Reschedule(r.Context(), id, key, actorID)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func querySlotsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(r.URL.Query().Get("provider_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		from, to, ok := parseTimeRange(w, r)
		if !ok {
			return
		}

		slots, err := svc.QuerySlots(r.Context(), providerID, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, toSlotResponse(s))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func suggestSlotsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		patientID, err := uuid.Parse(q.Get("patient_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		apptType, ok := scheduling.ParseAppointmentType(q.Get("type"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_type", "unknown appointment type")
			return
		}

		priority, ok := scheduling.ParsePriority(q.Get("priority"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_priority", "unknown priority")
			return
		}

		req := scheduling.SuggestRequest{
			PatientID:      patientID,
			Type:           apptType,
			Priority:       priority,
			Specialization: q.Get("specialization"),
		}
		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
				return
			}
			req.From = t
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
				return
			}
			req.To = t
		}

		suggestions, err := svc.SuggestSlots(r.Context(), req)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		resp := make([]SuggestionResponse, 0, len(suggestions))
		for _, s := range suggestions {
			resp = append(resp, SuggestionResponse{
				Slot:            toSlotResponse(s.Slot),
				GapScoreMinutes: s.GapScore.Minutes(),
				PriorityBooking: s.PriorityBooking,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleSchedulingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, scheduling.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, scheduling.ErrInvalidSlot):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSlotInPast):
		writeError(w, http.StatusBadRequest, "slot_in_past", err.Error())
	case errors.Is(err, scheduling.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, scheduling.ErrWindowClosed):
		writeError(w, http.StatusUnprocessableEntity, "cancellation_window_closed", err.Error())
	case errors.Is(err, scheduling.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:         a.ID,
		PatientID:  a.PatientID,
		ProviderID: a.ProviderID,
		SlotStart:  a.SlotStart,
		SlotEnd:    a.SlotEnd,
		Type:       string(a.Type),
		Priority:   string(a.Priority),
		Status:     string(a.Status),
	}
}

func toSlotResponse(s slot.Slot) SlotResponse {
	return SlotResponse{
		ProviderID: s.ProviderID,
		Start:      s.Start,
		End:        s.End,
		State:      string(s.State),
		Version:    s.Version,
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseSlotKey(w http.ResponseWriter, providerID, slotStart string) (slot.Key, bool) {
	pid, err := uuid.Parse(providerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
		return slot.Key{}, false
	}
	start, err := time.Parse(time.RFC3339, slotStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_start", "slot_start must be RFC3339")
		return slot.Key{}, false
	}
	return slot.Key{ProviderID: pid, Start: start}, true
}

func parseTimeRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()

	from := time.Now()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
			return time.Time{}, time.Time{}, false
		}
		from = t
	}

	to := from.Add(24 * time.Hour)
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
			return time.Time{}, time.Time{}, false
		}
		to = t
	}

	return from, to, true
}
