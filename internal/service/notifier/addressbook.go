package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/carewire/booking-api/internal/config"
)

// httpAddressBook resolves addresses from the identity service, which exposes
// GET /patients/:id and GET /doctors/:id with {id, name, email} bodies.
type httpAddressBook struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAddressBook(cfg *config.IdentityConfig) AddressBook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &httpAddressBook{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *httpAddressBook) PatientEmail(ctx context.Context, patientID string) (string, error) {
	return a.lookup(ctx, "/patients/"+patientID)
}

func (a *httpAddressBook) DoctorEmail(ctx context.Context, doctorID string) (string, error) {
	return a.lookup(ctx, "/doctors/"+doctorID)
}

func (a *httpAddressBook) lookup(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity service returned %d for %s", resp.StatusCode, path)
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode identity response: %w", err)
	}
	if body.Email == "" {
		return "", fmt.Errorf("identity service returned no address for %s", path)
	}
	return body.Email, nil
}
