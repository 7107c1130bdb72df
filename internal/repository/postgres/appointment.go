package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/internal/repository"
)

type appointmentRepository struct {
	db *sqlx.DB
}

func NewAppointmentRepository(db *sqlx.DB) repository.AppointmentRepository {
	return &appointmentRepository{db: db}
}

func (r *appointmentRepository) Create(ctx context.Context, apt *model.Appointment) error {
	query := `
		INSERT INTO appointments (
			id, patient_id, patient_name, doctor_id, doctor_name, slot_id,
			date, start_time, end_time, status, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		apt.ID,
		apt.PatientID,
		apt.PatientName,
		apt.DoctorID,
		apt.DoctorName,
		apt.SlotID,
		apt.Date,
		apt.StartTime,
		apt.EndTime,
		apt.Status,
		apt.Notes,
		apt.CreatedAt,
		apt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	query := `
		SELECT id, patient_id, patient_name, doctor_id, doctor_name, slot_id,
			   date, start_time, end_time, status, notes, canceled_by,
			   created_at, updated_at
		FROM appointments
		WHERE id = $1
	`
	var apt model.Appointment
	err := r.db.GetContext(ctx, &apt, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}
	return &apt, nil
}

func (r *appointmentRepository) List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	query := `
		SELECT id, patient_id, patient_name, doctor_id, doctor_name, slot_id,
			   date, start_time, end_time, status, notes, canceled_by,
			   created_at, updated_at
		FROM appointments
		WHERE 1=1
	`
	args := []interface{}{}
	idx := 1

	if filters.PatientID != uuid.Nil {
		query += fmt.Sprintf(" AND patient_id = $%d", idx)
		args = append(args, filters.PatientID)
		idx++
	}
	if filters.DoctorID != uuid.Nil {
		query += fmt.Sprintf(" AND doctor_id = $%d", idx)
		args = append(args, filters.DoctorID)
		idx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filters.Status)
		idx++
	}
	if !filters.StartDate.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, filters.StartDate)
		idx++
	}
	if !filters.EndDate.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, filters.EndDate)
		idx++
	}
	query += " ORDER BY created_at DESC"

	var appointments []*model.Appointment
	if err := r.db.SelectContext(ctx, &appointments, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	return appointments, nil
}

func (r *appointmentRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to model.AppointmentStatus, canceledBy *uuid.UUID) (bool, error) {
	query := `
		UPDATE appointments
		SET status = $1, canceled_by = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	result, err := r.db.ExecContext(ctx, query, to, canceledBy, time.Now(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition appointment status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

func (r *appointmentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM appointments WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete appointment: %w", err)
	}
	return nil
}
