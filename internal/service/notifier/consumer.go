package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/carewire/booking-api/internal/email"
	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/pkg/logger"
	"github.com/carewire/booking-api/pkg/messaging"
	"github.com/carewire/booking-api/pkg/metrics"
)

// AddressBook resolves recipient email addresses. The identity service owns
// patient addresses; the directory owns doctor addresses.
type AddressBook interface {
	PatientEmail(ctx context.Context, patientID string) (string, error)
	DoctorEmail(ctx context.Context, doctorID string) (string, error)
}

// Consumer turns appointment events into one email per participant. Handle
// implements the broker's at-least-once contract: it acknowledges (returns
// nil) only when both sends succeeded or the message is a known duplicate.
type Consumer struct {
	email     email.Service
	addresses AddressBook
	// seen is the idempotency window: appointmentId+eventType pairs handled
	// recently. Redeliveries of a processed pair are acked without
	// re-sending.
	seen    *cache.Cache
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewConsumer(emailSvc email.Service, addresses AddressBook, dedupWindow time.Duration, log *logger.Logger, m *metrics.Metrics) *Consumer {
	if dedupWindow <= 0 {
		dedupWindow = time.Hour
	}
	return &Consumer{
		email:     emailSvc,
		addresses: addresses,
		seen:      cache.New(dedupWindow, dedupWindow),
		logger:    log,
		metrics:   m,
	}
}

func (c *Consumer) Handle(ctx context.Context, d messaging.Delivery) error {
	var evt model.AppointmentEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		c.metrics.ConsumerMessages.WithLabelValues(d.EventType, "malformed").Inc()
		return fmt.Errorf("failed to decode event: %w", err)
	}

	key := evt.AppointmentID.String() + ":" + d.EventType
	if _, dup := c.seen.Get(key); dup {
		c.metrics.ConsumerDuplicates.Inc()
		c.logger.Debug("skipping duplicate delivery",
			"appointment_id", evt.AppointmentID.String(),
			"event_type", d.EventType)
		return nil
	}

	if err := c.notify(ctx, d.EventType, &evt); err != nil {
		c.metrics.ConsumerMessages.WithLabelValues(d.EventType, "error").Inc()
		return err
	}

	c.seen.SetDefault(key, struct{}{})
	c.metrics.ConsumerMessages.WithLabelValues(d.EventType, "ok").Inc()
	return nil
}

func (c *Consumer) notify(ctx context.Context, eventType string, evt *model.AppointmentEvent) error {
	patientAddr, err := c.addresses.PatientEmail(ctx, evt.PatientID.String())
	if err != nil {
		return fmt.Errorf("failed to resolve patient address: %w", err)
	}
	doctorAddr, err := c.addresses.DoctorEmail(ctx, evt.DoctorID.String())
	if err != nil {
		return fmt.Errorf("failed to resolve doctor address: %w", err)
	}

	patientSubject, patientBody, doctorSubject, doctorBody := compose(eventType, evt)

	if err := c.email.Send(ctx, patientAddr, patientSubject, patientBody); err != nil {
		return fmt.Errorf("failed to notify patient: %w", err)
	}
	if err := c.email.Send(ctx, doctorAddr, doctorSubject, doctorBody); err != nil {
		return fmt.Errorf("failed to notify doctor: %w", err)
	}
	return nil
}

func compose(eventType string, evt *model.AppointmentEvent) (patientSubject, patientBody, doctorSubject, doctorBody string) {
	when := fmt.Sprintf("%s %s-%s", evt.Date, evt.StartTime, evt.EndTime)

	switch eventType {
	case model.EventAppointmentCanceled:
		who := "the patient"
		if evt.CanceledBy != nil && *evt.CanceledBy == evt.DoctorID {
			who = "the doctor"
		}
		patientSubject = "Appointment canceled"
		patientBody = fmt.Sprintf("Your appointment with %s on %s was canceled by %s.",
			evt.DoctorName, when, who)
		doctorSubject = "Appointment canceled"
		doctorBody = fmt.Sprintf("The appointment with %s on %s was canceled by %s.",
			evt.PatientName, when, who)
	default:
		patientSubject = "Appointment confirmed"
		patientBody = fmt.Sprintf("Your appointment with %s on %s is confirmed.",
			evt.DoctorName, when)
		doctorSubject = "New appointment booked"
		doctorBody = fmt.Sprintf("%s booked an appointment on %s.",
			evt.PatientName, when)
	}
	return
}
