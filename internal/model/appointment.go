package model

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	AppointmentStatusScheduled AppointmentStatus = "scheduled"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCanceled  AppointmentStatus = "canceled"
)

// IsTerminal reports whether no further transition is allowed. Transitions are
// one-way: scheduled -> completed or scheduled -> canceled.
func (s AppointmentStatus) IsTerminal() bool {
	return s == AppointmentStatusCompleted || s == AppointmentStatusCanceled
}

// Appointment denormalizes patient and doctor names at booking time; they are
// not kept in sync with the directory afterwards. SlotID is a weak reference
// to a slot owned by the external directory.
type Appointment struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	PatientID   uuid.UUID         `db:"patient_id" json:"patient_id"`
	PatientName string            `db:"patient_name" json:"patient_name"`
	DoctorID    uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	DoctorName  string            `db:"doctor_name" json:"doctor_name"`
	SlotID      uuid.UUID         `db:"slot_id" json:"slot_id"`
	Date        string            `db:"date" json:"date"`
	StartTime   string            `db:"start_time" json:"start_time"`
	EndTime     string            `db:"end_time" json:"end_time"`
	Status      AppointmentStatus `db:"status" json:"status"`
	Notes       string            `db:"notes" json:"notes,omitempty"`
	CanceledBy  *uuid.UUID        `db:"canceled_by" json:"canceled_by,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

type CreateAppointmentRequest struct {
	DoctorID uuid.UUID `json:"doctor_id" binding:"required"`
	SlotID   uuid.UUID `json:"slot_id" binding:"required"`
	Notes    string    `json:"notes" binding:"max=1000"`
}

type AppointmentFilters struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Status    AppointmentStatus
	StartDate time.Time
	EndDate   time.Time
}

// Role is the capability carried by an access token.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Actor identifies the authenticated caller of a workflow.
type Actor struct {
	ID   uuid.UUID
	Name string
	Role Role
}
