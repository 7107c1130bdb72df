package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/carewire/booking-api/internal/model"
)

// ErrNoRows is returned by lookups for absent rows so callers do not depend
// on database/sql directly.
var ErrNoRows = errors.New("no rows found")

type AppointmentRepository interface {
	Create(ctx context.Context, apt *model.Appointment) error
	Get(ctx context.Context, id uuid.UUID) (*model.Appointment, error)
	List(ctx context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error)
	// TransitionStatus flips status from->to only if the current status still
	// equals from, reporting whether a row changed. This is the mechanical
	// guard behind the one-way state machine.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to model.AppointmentStatus, canceledBy *uuid.UUID) (bool, error)
	// Delete removes a partially-booked appointment during compensation.
	Delete(ctx context.Context, id uuid.UUID) error
}

type OutboxRepository interface {
	Create(ctx context.Context, event *model.OutboxEvent) error
	// GetPending returns events due for publication, oldest first.
	GetPending(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, retryAt time.Time) error
	MoveToDeadLetter(ctx context.Context, event *model.OutboxEvent, errorMessage string) error
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}
