package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/pkg/metrics"
)

func newTestClient(t *testing.T, handler http.Handler, maxRetries int) Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	return NewClient(Config{
		BaseURL:    srv.URL,
		Timeout:    time.Second,
		MaxRetries: maxRetries,
	}, m, &logger)
}

func slotsHandler(doctorID uuid.UUID, slots []model.Slot) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/doctors/%s/slots", doctorID), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(slots)
	})
	return mux
}

func TestGetSlotReturnsMatchingSlot(t *testing.T) {
	doctorID := uuid.New()
	slotID := uuid.New()
	c := newTestClient(t, slotsHandler(doctorID, []model.Slot{
		{ID: uuid.New(), DoctorID: doctorID, IsAvailable: false},
		{ID: slotID, DoctorID: doctorID, Date: "2026-09-01", IsAvailable: true},
	}), 0)

	slot, err := c.GetSlot(context.Background(), doctorID, slotID)
	require.NoError(t, err)
	assert.Equal(t, slotID, slot.ID)
	assert.True(t, slot.IsAvailable)

	available, err := c.CheckAvailability(context.Background(), doctorID, slotID)
	require.NoError(t, err)
	assert.True(t, available)
}

func TestGetSlotUnknownSlotIsNotFound(t *testing.T) {
	doctorID := uuid.New()
	c := newTestClient(t, slotsHandler(doctorID, nil), 0)

	_, err := c.GetSlot(context.Background(), doctorID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDoctorMapsNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), 2)

	_, err := c.GetDoctor(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetAvailabilityConflictIsRejectedNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	}), 3)

	err := c.SetAvailability(context.Background(), uuid.New(), false)
	assert.ErrorIs(t, err, ErrRejected)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestServerErrorsAreRetriedThenIndeterminate(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}), 2)

	err := c.SetAvailability(context.Background(), uuid.New(), false)
	require.Error(t, err)
	// Indeterminate, never a business answer.
	assert.NotErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestTransientFailureRecoversOnRetry(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), 2)

	err := c.SetAvailability(context.Background(), uuid.New(), true)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestContextCancellationAbortsRetries(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.SetAvailability(ctx, uuid.New(), true)
	require.Error(t, err)
}
