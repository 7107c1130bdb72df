package model

import (
	"github.com/google/uuid"
)

// Event types double as broker routing keys.
const (
	EventAppointmentBooked   = "appointment.booked"
	EventAppointmentCanceled = "appointment.canceled"
)

// AppointmentEvent is the broker wire format shared by both event types.
// CanceledBy is only set on appointment.canceled.
type AppointmentEvent struct {
	AppointmentID uuid.UUID  `json:"appointmentId"`
	PatientID     uuid.UUID  `json:"patientId"`
	PatientName   string     `json:"patientName"`
	DoctorID      uuid.UUID  `json:"doctorId"`
	DoctorName    string     `json:"doctorName"`
	Date          string     `json:"date"`
	StartTime     string     `json:"startTime"`
	EndTime       string     `json:"endTime"`
	CanceledBy    *uuid.UUID `json:"canceledBy,omitempty"`
}

// NewAppointmentEvent builds the payload from a persisted appointment.
func NewAppointmentEvent(apt *Appointment) AppointmentEvent {
	return AppointmentEvent{
		AppointmentID: apt.ID,
		PatientID:     apt.PatientID,
		PatientName:   apt.PatientName,
		DoctorID:      apt.DoctorID,
		DoctorName:    apt.DoctorName,
		Date:          apt.Date,
		StartTime:     apt.StartTime,
		EndTime:       apt.EndTime,
		CanceledBy:    apt.CanceledBy,
	}
}
