package model

import (
	"github.com/google/uuid"
)

// Doctor and Slot mirror the external directory's wire shapes. The directory
// owns this data; we only read it and toggle slot availability.
type Doctor struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Specialty string    `json:"specialty,omitempty"`
}

type Slot struct {
	ID          uuid.UUID `json:"id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	Date        string    `json:"date"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
	IsAvailable bool      `json:"is_available"`
}
