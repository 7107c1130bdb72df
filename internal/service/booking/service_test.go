package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewire/booking-api/internal/gateway"
	"github.com/carewire/booking-api/internal/lease"
	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/internal/repository"
	apperrors "github.com/carewire/booking-api/pkg/errors"
	"github.com/carewire/booking-api/pkg/logger"
	"github.com/carewire/booking-api/pkg/metrics"
)

type fakeRepo struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]*model.Appointment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{appointments: make(map[uuid.UUID]*model.Appointment)}
}

func (r *fakeRepo) Create(_ context.Context, apt *model.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *apt
	r.appointments[apt.ID] = &cp
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id uuid.UUID) (*model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	apt, ok := r.appointments[id]
	if !ok {
		return nil, repository.ErrNoRows
	}
	cp := *apt
	return &cp, nil
}

func (r *fakeRepo) List(_ context.Context, filters *model.AppointmentFilters) ([]*model.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Appointment
	for _, apt := range r.appointments {
		if filters.PatientID != uuid.Nil && apt.PatientID != filters.PatientID {
			continue
		}
		if filters.DoctorID != uuid.Nil && apt.DoctorID != filters.DoctorID {
			continue
		}
		if filters.Status != "" && apt.Status != filters.Status {
			continue
		}
		cp := *apt
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRepo) TransitionStatus(_ context.Context, id uuid.UUID, from, to model.AppointmentStatus, canceledBy *uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	apt, ok := r.appointments[id]
	if !ok || apt.Status != from {
		return false, nil
	}
	apt.Status = to
	apt.CanceledBy = canceledBy
	return true, nil
}

func (r *fakeRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.appointments, id)
	return nil
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.appointments)
}

// fakeDirectory applies conditional availability updates: a no-op toggle is
// rejected with gateway.ErrRejected, like the real directory's 409.
type fakeDirectory struct {
	mu      sync.Mutex
	doctors map[uuid.UUID]*model.Doctor
	slots   map[uuid.UUID]*model.Slot
	setErr  error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		doctors: make(map[uuid.UUID]*model.Doctor),
		slots:   make(map[uuid.UUID]*model.Slot),
	}
}

func (d *fakeDirectory) CheckAvailability(ctx context.Context, doctorID, slotID uuid.UUID) (bool, error) {
	slot, err := d.GetSlot(ctx, doctorID, slotID)
	if err != nil {
		return false, err
	}
	return slot.IsAvailable, nil
}

func (d *fakeDirectory) GetSlot(_ context.Context, doctorID, slotID uuid.UUID) (*model.Slot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, ok := d.slots[slotID]
	if !ok || slot.DoctorID != doctorID {
		return nil, gateway.ErrNotFound
	}
	cp := *slot
	return &cp, nil
}

func (d *fakeDirectory) GetDoctor(_ context.Context, doctorID uuid.UUID) (*model.Doctor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doctor, ok := d.doctors[doctorID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *doctor
	return &cp, nil
}

func (d *fakeDirectory) SetAvailability(_ context.Context, slotID uuid.UUID, isAvailable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setErr != nil {
		return d.setErr
	}
	slot, ok := d.slots[slotID]
	if !ok {
		return gateway.ErrNotFound
	}
	if slot.IsAvailable == isAvailable {
		return gateway.ErrRejected
	}
	slot.IsAvailable = isAvailable
	return nil
}

func (d *fakeDirectory) failNextSet(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setErr = err
}

func (d *fakeDirectory) slotAvailable(slotID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slots[slotID].IsAvailable
}

type emitted struct {
	eventType string
	payload   interface{}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
	err    error
}

func (e *fakeEmitter) Emit(_ context.Context, eventType string, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, emitted{eventType: eventType, payload: payload})
	return nil
}

func (e *fakeEmitter) byType(eventType string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, ev := range e.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// passLeaser runs the critical section without real locking; tests that
// exercise the race use the Redis leaser against miniredis instead.
type passLeaser struct{}

func (passLeaser) WithSlotLease(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fixture struct {
	svc       *Service
	repo      *fakeRepo
	directory *fakeDirectory
	emitter   *fakeEmitter
	doctor    model.Actor
	patient   model.Actor
	slotID    uuid.UUID
}

func newFixture(t *testing.T, leaser lease.SlotLeaser) *fixture {
	t.Helper()

	repo := newFakeRepo()
	directory := newFakeDirectory()
	emitter := &fakeEmitter{}
	log := logger.NewLogger(nil)
	m := metrics.NewMetrics("test", prometheus.NewRegistry())

	doctorID := uuid.New()
	slotID := uuid.New()
	directory.doctors[doctorID] = &model.Doctor{ID: doctorID, Name: "Dr. Ishaan Rao"}
	directory.slots[slotID] = &model.Slot{
		ID:          slotID,
		DoctorID:    doctorID,
		Date:        "2026-09-14",
		StartTime:   "09:00",
		EndTime:     "09:30",
		IsAvailable: true,
	}

	return &fixture{
		svc:       NewService(repo, directory, emitter, leaser, log, m),
		repo:      repo,
		directory: directory,
		emitter:   emitter,
		doctor:    model.Actor{ID: doctorID, Name: "Dr. Ishaan Rao", Role: model.RoleDoctor},
		patient:   model.Actor{ID: uuid.New(), Name: "Maya Chen", Role: model.RolePatient},
		slotID:    slotID,
	}
}

func (f *fixture) book(t *testing.T) *model.Appointment {
	t.Helper()
	apt, err := f.svc.BookAppointment(context.Background(), f.patient, &model.CreateAppointmentRequest{
		DoctorID: f.doctor.ID,
		SlotID:   f.slotID,
	})
	require.NoError(t, err)
	return apt
}

func TestBookAppointment(t *testing.T) {
	f := newFixture(t, passLeaser{})

	apt := f.book(t)

	assert.Equal(t, model.AppointmentStatusScheduled, apt.Status)
	assert.Equal(t, f.patient.ID, apt.PatientID)
	assert.Equal(t, "Maya Chen", apt.PatientName)
	assert.Equal(t, "Dr. Ishaan Rao", apt.DoctorName)
	assert.Equal(t, "2026-09-14", apt.Date)
	assert.False(t, f.directory.slotAvailable(f.slotID), "slot should be locked")

	events := f.emitter.byType(model.EventAppointmentBooked)
	require.Len(t, events, 1)
	payload := events[0].payload.(model.AppointmentEvent)
	assert.Equal(t, apt.ID, payload.AppointmentID)
	assert.Nil(t, payload.CanceledBy)
}

func TestBookRequiresPatientRole(t *testing.T) {
	f := newFixture(t, passLeaser{})

	_, err := f.svc.BookAppointment(context.Background(), f.doctor, &model.CreateAppointmentRequest{
		DoctorID: f.doctor.ID,
		SlotID:   f.slotID,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrForbidden))
}

func TestBookUnavailableSlot(t *testing.T) {
	f := newFixture(t, passLeaser{})
	f.book(t)

	_, err := f.svc.BookAppointment(context.Background(), f.patient, &model.CreateAppointmentRequest{
		DoctorID: f.doctor.ID,
		SlotID:   f.slotID,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrSlotUnavailable))
}

func TestBookUnknownDoctorCreatesNothing(t *testing.T) {
	f := newFixture(t, passLeaser{})
	delete(f.directory.doctors, f.doctor.ID)

	_, err := f.svc.BookAppointment(context.Background(), f.patient, &model.CreateAppointmentRequest{
		DoctorID: f.doctor.ID,
		SlotID:   f.slotID,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrNotFound))
	assert.Zero(t, f.repo.count())
}

func TestBookSlotLockFailureCompensates(t *testing.T) {
	f := newFixture(t, passLeaser{})
	f.directory.failNextSet(errors.New("directory down"))

	_, err := f.svc.BookAppointment(context.Background(), f.patient, &model.CreateAppointmentRequest{
		DoctorID: f.doctor.ID,
		SlotID:   f.slotID,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrUpstreamUnavailable))

	// The persisted appointment must be rolled back.
	assert.Zero(t, f.repo.count())
	assert.Empty(t, f.emitter.byType(model.EventAppointmentBooked))
}

func TestBookSlotLockRejectedIsBusinessRejection(t *testing.T) {
	f := newFixture(t, passLeaser{})
	f.directory.failNextSet(gateway.ErrRejected)

	_, err := f.svc.BookAppointment(context.Background(), f.patient, &model.CreateAppointmentRequest{
		DoctorID: f.doctor.ID,
		SlotID:   f.slotID,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrSlotUnavailable))
	assert.Zero(t, f.repo.count())
}

func TestBookSurvivesEmitFailure(t *testing.T) {
	f := newFixture(t, passLeaser{})
	f.emitter.err = errors.New("outbox insert failed")

	apt := f.book(t)
	assert.Equal(t, model.AppointmentStatusScheduled, apt.Status)
	assert.Equal(t, 1, f.repo.count())
}

func TestConcurrentBookingsExactlyOneWins(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := newFixture(t, lease.NewRedisSlotLeaser(client, 5*time.Second))
	otherPatient := model.Actor{ID: uuid.New(), Name: "Noor Aziz", Role: model.RolePatient}

	type result struct{ err error }
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for _, actor := range []model.Actor{f.patient, otherPatient} {
		wg.Add(1)
		go func(a model.Actor) {
			defer wg.Done()
			_, err := f.svc.BookAppointment(context.Background(), a, &model.CreateAppointmentRequest{
				DoctorID: f.doctor.ID,
				SlotID:   f.slotID,
			})
			results <- result{err: err}
		}(actor)
	}
	wg.Wait()
	close(results)

	var wins, rejections int
	for r := range results {
		if r.err == nil {
			wins++
		} else if apperrors.IsCode(r.err, apperrors.ErrSlotUnavailable) {
			rejections++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, rejections)
	assert.Equal(t, 1, f.repo.count())
}

func TestCancelByPatient(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	canceled, err := f.svc.CancelAppointment(context.Background(), apt.ID, f.patient)
	require.NoError(t, err)

	assert.Equal(t, model.AppointmentStatusCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledBy)
	assert.Equal(t, f.patient.ID, *canceled.CanceledBy)
	assert.True(t, f.directory.slotAvailable(f.slotID), "slot should be released")

	events := f.emitter.byType(model.EventAppointmentCanceled)
	require.Len(t, events, 1)
	payload := events[0].payload.(model.AppointmentEvent)
	require.NotNil(t, payload.CanceledBy)
	assert.Equal(t, f.patient.ID, *payload.CanceledBy)
}

func TestCancelByOwningDoctor(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	canceled, err := f.svc.CancelAppointment(context.Background(), apt.ID, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusCanceled, canceled.Status)
}

func TestCancelByForeignPatientForbidden(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	intruder := model.Actor{ID: uuid.New(), Role: model.RolePatient}
	_, err := f.svc.CancelAppointment(context.Background(), apt.ID, intruder)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrForbidden))

	stored, err := f.repo.Get(context.Background(), apt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusScheduled, stored.Status)
}

func TestCancelTwiceIsConflict(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	_, err := f.svc.CancelAppointment(context.Background(), apt.ID, f.patient)
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(context.Background(), apt.ID, f.patient)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrConflict))
	assert.Contains(t, err.Error(), "canceled")
}

func TestCancelSlotReleaseFailureRevertsStatus(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)
	f.directory.failNextSet(errors.New("directory down"))

	_, err := f.svc.CancelAppointment(context.Background(), apt.ID, f.patient)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrUpstreamUnavailable))

	// The status flip must be compensated back to scheduled.
	stored, getErr := f.repo.Get(context.Background(), apt.ID)
	require.NoError(t, getErr)
	assert.Equal(t, model.AppointmentStatusScheduled, stored.Status)
	assert.Empty(t, f.emitter.byType(model.EventAppointmentCanceled))
}

func TestCancelUnknownAppointment(t *testing.T) {
	f := newFixture(t, passLeaser{})

	_, err := f.svc.CancelAppointment(context.Background(), uuid.New(), f.patient)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrNotFound))
}

func TestCompleteByOwningDoctor(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	completed, err := f.svc.CompleteAppointment(context.Background(), apt.ID, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentStatusCompleted, completed.Status)
}

func TestCompleteByPatientForbidden(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	_, err := f.svc.CompleteAppointment(context.Background(), apt.ID, f.patient)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrForbidden))
}

func TestCompleteCanceledAppointmentIsConflict(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	_, err := f.svc.CancelAppointment(context.Background(), apt.ID, f.patient)
	require.NoError(t, err)

	_, err = f.svc.CompleteAppointment(context.Background(), apt.ID, f.doctor)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrConflict))

	stored, getErr := f.repo.Get(context.Background(), apt.ID)
	require.NoError(t, getErr)
	assert.Equal(t, model.AppointmentStatusCanceled, stored.Status, "terminal status must not change")
}

func TestCompleteTwiceIsConflict(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	_, err := f.svc.CompleteAppointment(context.Background(), apt.ID, f.doctor)
	require.NoError(t, err)

	_, err = f.svc.CompleteAppointment(context.Background(), apt.ID, f.doctor)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrConflict))
}

func TestGetAppointmentScopedToOwner(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	_, err := f.svc.GetAppointment(context.Background(), apt.ID, f.patient)
	assert.NoError(t, err)

	_, err = f.svc.GetAppointment(context.Background(), apt.ID, f.doctor)
	assert.NoError(t, err)

	_, err = f.svc.GetAppointment(context.Background(), apt.ID, model.Actor{ID: uuid.New(), Role: model.RolePatient})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrForbidden))
}

func TestListScopedByRole(t *testing.T) {
	f := newFixture(t, passLeaser{})
	apt := f.book(t)

	// A patient asking for another patient's appointments still only sees
	// their own.
	list, err := f.svc.ListAppointments(context.Background(), f.patient, &model.AppointmentFilters{PatientID: uuid.New()})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, apt.ID, list[0].ID)

	list, err = f.svc.ListAppointments(context.Background(), f.doctor, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	stranger := model.Actor{ID: uuid.New(), Role: model.RoleDoctor}
	list, err = f.svc.ListAppointments(context.Background(), stranger, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}
