package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carewire/booking-api/internal/gateway"
	"github.com/carewire/booking-api/internal/lease"
	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/internal/repository"
	"github.com/carewire/booking-api/internal/service/event"
	apperrors "github.com/carewire/booking-api/pkg/errors"
	"github.com/carewire/booking-api/pkg/logger"
	"github.com/carewire/booking-api/pkg/metrics"
)

// Service drives the booking, cancellation and completion workflows across
// the slot directory, the local appointment store and the event outbox.
type Service struct {
	repo      repository.AppointmentRepository
	directory gateway.Client
	events    event.Emitter
	leaser    lease.SlotLeaser
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func NewService(
	repo repository.AppointmentRepository,
	directory gateway.Client,
	events event.Emitter,
	leaser lease.SlotLeaser,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		repo:      repo,
		directory: directory,
		events:    events,
		leaser:    leaser,
		logger:    log,
		metrics:   m,
	}
}

// BookAppointment runs the booking saga. The slot's availability check and
// the conditional lock run under a per-slot lease so two concurrent bookings
// for the same slot cannot both pass the check.
func (s *Service) BookAppointment(ctx context.Context, actor model.Actor, req *model.CreateAppointmentRequest) (*model.Appointment, error) {
	if actor.Role != model.RolePatient {
		return nil, apperrors.Forbidden("only patients may book appointments")
	}

	var apt *model.Appointment
	err := s.leaser.WithSlotLease(ctx, req.SlotID, func(ctx context.Context) error {
		var err error
		apt, err = s.bookLocked(ctx, actor, req)
		return err
	})
	if errors.Is(err, lease.ErrNotAcquired) {
		return nil, apperrors.SlotUnavailable("slot is being booked by someone else")
	}
	if err != nil {
		return nil, err
	}
	return apt, nil
}

func (s *Service) bookLocked(ctx context.Context, actor model.Actor, req *model.CreateAppointmentRequest) (*model.Appointment, error) {
	slot, err := s.directory.GetSlot(ctx, req.DoctorID, req.SlotID)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, apperrors.SlotUnavailable("slot does not exist")
	}
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("could not verify slot availability", err)
	}
	if !slot.IsAvailable {
		return nil, apperrors.SlotUnavailable("slot is not available")
	}

	doctor, err := s.directory.GetDoctor(ctx, req.DoctorID)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, apperrors.NotFound("doctor", err)
	}
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("could not fetch doctor details", err)
	}

	now := time.Now()
	apt := &model.Appointment{
		ID:          uuid.New(),
		PatientID:   actor.ID,
		PatientName: actor.Name,
		DoctorID:    doctor.ID,
		DoctorName:  doctor.Name,
		SlotID:      slot.ID,
		Date:        slot.Date,
		StartTime:   slot.StartTime,
		EndTime:     slot.EndTime,
		Status:      model.AppointmentStatusScheduled,
		Notes:       req.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	sg := newSaga("book_appointment", s.logger, s.metrics)

	if err := s.repo.Create(ctx, apt); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to persist appointment: %w", err))
	}
	sg.committed("persist_appointment", func(ctx context.Context) error {
		return s.repo.Delete(ctx, apt.ID)
	})

	// Lock the slot. A 409 from the directory means the conditional update
	// lost to a concurrent booking: a business rejection, not an outage, but
	// either way the appointment persisted above must not survive.
	if err := s.directory.SetAvailability(ctx, slot.ID, false); err != nil {
		sg.compensate(ctx, err)
		if errors.Is(err, gateway.ErrRejected) {
			return nil, apperrors.SlotUnavailable("slot is no longer available")
		}
		return nil, apperrors.UpstreamUnavailable("could not lock slot", err)
	}

	s.emit(ctx, model.EventAppointmentBooked, apt)
	return apt, nil
}

// CancelAppointment flips status to canceled and releases the slot. If the
// release fails on infrastructure, the status flip is reverted so the
// appointment and the directory do not drift apart.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, actor model.Actor) (*model.Appointment, error) {
	apt, err := s.getOwned(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	sg := newSaga("cancel_appointment", s.logger, s.metrics)

	ok, err := s.repo.TransitionStatus(ctx, id, model.AppointmentStatusScheduled, model.AppointmentStatusCanceled, &actor.ID)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to cancel appointment: %w", err))
	}
	if !ok {
		return nil, s.conflictForCurrentStatus(ctx, id, "cancel")
	}
	sg.committed("cancel_status", func(ctx context.Context) error {
		_, err := s.repo.TransitionStatus(ctx, id, model.AppointmentStatusCanceled, model.AppointmentStatusScheduled, nil)
		return err
	})

	if err := s.directory.SetAvailability(ctx, apt.SlotID, true); err != nil && !errors.Is(err, gateway.ErrRejected) {
		sg.compensate(ctx, err)
		return nil, apperrors.UpstreamUnavailable("could not release slot", err)
	}

	apt.Status = model.AppointmentStatusCanceled
	apt.CanceledBy = &actor.ID
	s.emit(ctx, model.EventAppointmentCanceled, apt)
	return apt, nil
}

// CompleteAppointment has no downstream calls; it is a plain guarded
// transition.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID, actor model.Actor) (*model.Appointment, error) {
	apt, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != model.RoleDoctor || apt.DoctorID != actor.ID {
		return nil, apperrors.Forbidden("only the appointment's doctor may complete it")
	}

	ok, err := s.repo.TransitionStatus(ctx, id, model.AppointmentStatusScheduled, model.AppointmentStatusCompleted, nil)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to complete appointment: %w", err))
	}
	if !ok {
		return nil, s.conflictForCurrentStatus(ctx, id, "complete")
	}

	apt.Status = model.AppointmentStatusCompleted
	return apt, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, actor model.Actor) (*model.Appointment, error) {
	return s.getOwned(ctx, id, actor)
}

// ListAppointments scopes results to the caller: patients see their own
// appointments, doctors see theirs.
func (s *Service) ListAppointments(ctx context.Context, actor model.Actor, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	if filters == nil {
		filters = &model.AppointmentFilters{}
	}
	switch actor.Role {
	case model.RolePatient:
		filters.PatientID = actor.ID
		filters.DoctorID = uuid.Nil
	case model.RoleDoctor:
		filters.DoctorID = actor.ID
		filters.PatientID = uuid.Nil
	default:
		return nil, apperrors.Forbidden("unknown role")
	}

	appointments, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to list appointments: %w", err))
	}
	return appointments, nil
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*model.Appointment, error) {
	apt, err := s.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNoRows) {
		return nil, apperrors.NotFound("appointment", err)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return apt, nil
}

// getOwned loads an appointment and authorizes the actor: the owning patient
// and the owning doctor both qualify, regardless of workflow.
func (s *Service) getOwned(ctx context.Context, id uuid.UUID, actor model.Actor) (*model.Appointment, error) {
	apt, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case model.RolePatient:
		if apt.PatientID != actor.ID {
			return nil, apperrors.Forbidden("appointment belongs to another patient")
		}
	case model.RoleDoctor:
		if apt.DoctorID != actor.ID {
			return nil, apperrors.Forbidden("appointment belongs to another doctor")
		}
	default:
		return nil, apperrors.Forbidden("unknown role")
	}
	return apt, nil
}

// conflictForCurrentStatus names the status that blocked a transition.
func (s *Service) conflictForCurrentStatus(ctx context.Context, id uuid.UUID, action string) error {
	apt, err := s.repo.Get(ctx, id)
	if err != nil {
		return apperrors.Conflict(fmt.Sprintf("cannot %s appointment: not in scheduled status", action))
	}
	return apperrors.Conflict(fmt.Sprintf("cannot %s appointment with status %q", action, apt.Status))
}

// emit stages the event for asynchronous publication. Failure here is
// logged and swallowed: event delivery is decoupled from the request's
// critical path.
func (s *Service) emit(ctx context.Context, eventType string, apt *model.Appointment) {
	payload := model.NewAppointmentEvent(apt)
	if err := s.events.Emit(ctx, eventType, payload); err != nil {
		s.logger.Error(err, "failed to stage event",
			"event_type", eventType,
			"appointment_id", apt.ID.String())
	}
}
