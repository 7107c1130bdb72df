package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carewire/booking-api/internal/model"
	"github.com/carewire/booking-api/pkg/circuitbreaker"
	"github.com/carewire/booking-api/pkg/metrics"
)

// Business answers from the directory. Any other non-nil error from a Client
// method is indeterminate: the caller could not get an answer and must fail
// the enclosing workflow rather than treat it as a negative one.
var (
	ErrNotFound = errors.New("not found in directory")
	// ErrRejected means the conditional availability update lost: the slot's
	// current state no longer matched what the caller expected.
	ErrRejected = errors.New("availability update rejected")
)

// Client wraps outbound calls to the external doctor/slot directory.
type Client interface {
	CheckAvailability(ctx context.Context, doctorID, slotID uuid.UUID) (bool, error)
	// SetAvailability conditionally toggles a slot: the directory applies the
	// change only if the slot is currently in the opposite state, and answers
	// 409 otherwise (surfaced as ErrRejected).
	SetAvailability(ctx context.Context, slotID uuid.UUID, isAvailable bool) error
	GetDoctor(ctx context.Context, doctorID uuid.UUID) (*model.Doctor, error)
	GetSlot(ctx context.Context, doctorID, slotID uuid.UUID) (*model.Slot, error)
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

type client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	cb         *circuitbreaker.CircuitBreaker
	logger     *zerolog.Logger
	metrics    *metrics.Metrics
}

func NewClient(cfg Config, m *metrics.Metrics, logger *zerolog.Logger) Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	return &client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		cb: circuitbreaker.New(circuitbreaker.Settings{
			Name:        "slot-directory",
			MaxFailures: 5,
			Cooldown:    15 * time.Second,
		}),
		logger:  logger,
		metrics: m,
	}
}

func (c *client) CheckAvailability(ctx context.Context, doctorID, slotID uuid.UUID) (bool, error) {
	slot, err := c.GetSlot(ctx, doctorID, slotID)
	if err != nil {
		return false, err
	}
	return slot.IsAvailable, nil
}

func (c *client) GetDoctor(ctx context.Context, doctorID uuid.UUID) (*model.Doctor, error) {
	var doctor model.Doctor
	err := c.do(ctx, "get_doctor", http.MethodGet, fmt.Sprintf("/doctors/%s", doctorID), nil, &doctor)
	if err != nil {
		return nil, err
	}
	return &doctor, nil
}

func (c *client) GetSlot(ctx context.Context, doctorID, slotID uuid.UUID) (*model.Slot, error) {
	var slots []model.Slot
	err := c.do(ctx, "get_slots", http.MethodGet, fmt.Sprintf("/doctors/%s/slots", doctorID), nil, &slots)
	if err != nil {
		return nil, err
	}
	for i := range slots {
		if slots[i].ID == slotID {
			return &slots[i], nil
		}
	}
	return nil, ErrNotFound
}

func (c *client) SetAvailability(ctx context.Context, slotID uuid.UUID, isAvailable bool) error {
	body := map[string]bool{"is_available": isAvailable}
	return c.do(ctx, "set_availability", http.MethodPut, fmt.Sprintf("/slots/%s", slotID), body, nil)
}

// do runs one directory request with a bounded deadline, retrying transport
// and 5xx failures with exponential backoff. 4xx responses are business
// answers and are never retried.
func (c *client) do(ctx context.Context, operation, method, path string, body, out interface{}) error {
	timer := time.Now()
	defer func() {
		c.metrics.GatewayLatency.WithLabelValues(operation).Observe(time.Since(timer).Seconds())
	}()

	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				c.metrics.GatewayRequests.WithLabelValues(operation, "canceled").Inc()
				return fmt.Errorf("directory call canceled: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		// Business answers are successes from the breaker's point of view;
		// only infrastructure failures may open it.
		var bizErr error
		err := c.cb.Execute(func() error {
			attemptErr := c.attempt(ctx, method, path, body, out)
			if errors.Is(attemptErr, ErrNotFound) || errors.Is(attemptErr, ErrRejected) {
				bizErr = attemptErr
				return nil
			}
			return attemptErr
		})
		if err == nil {
			if bizErr != nil {
				c.metrics.GatewayRequests.WithLabelValues(operation, "rejected").Inc()
				return bizErr
			}
			c.metrics.GatewayRequests.WithLabelValues(operation, "ok").Inc()
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			c.metrics.GatewayRequests.WithLabelValues(operation, "breaker_open").Inc()
			return fmt.Errorf("directory unreachable: %w", err)
		}
		lastErr = err
		c.logger.Warn().Err(err).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Msg("directory request failed")
	}

	c.metrics.GatewayRequests.WithLabelValues(operation, "error").Inc()
	return fmt.Errorf("directory unreachable: %w", lastErr)
}

func (c *client) attempt(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrRejected
	case resp.StatusCode >= 500:
		return fmt.Errorf("directory returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: directory returned %d", ErrRejected, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
