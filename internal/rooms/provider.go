package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"callflow/internal/call"

	"github.com/google/uuid"
)

// Provider is the provider-agnostic boundary to the external conferencing
// service.
//
// Rules:
// - No provider SDK calls outside room adapters.
// - The returned room reference is opaque to the call core; it is stored on
//   the session and handed back to clients verbatim.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error
	CreateRoom(ctx context.Context, kind call.Kind) (string, error)
}

// OpaqueProvider mints local room references without an external service.
// Default for local/dev and tests.
type OpaqueProvider struct{}

func (OpaqueProvider) Name() string { return "opaque" }

func (OpaqueProvider) HealthCheck(ctx context.Context) error { return nil }

func (OpaqueProvider) CreateRoom(ctx context.Context, kind call.Kind) (string, error) {
	return fmt.Sprintf("room-%s-%s", kind, uuid.NewString()), nil
}

// HTTPProvider requests rooms from a conferencing service over HTTP.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rooms health check: status %d", resp.StatusCode)
	}
	return nil
}

type createRoomResponse struct {
	RoomRef string `json:"room_ref"`
}

func (p *HTTPProvider) CreateRoom(ctx context.Context, kind call.Kind) (string, error) {
	url := fmt.Sprintf("%s/rooms?kind=%s", p.BaseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create room: status %d", resp.StatusCode)
	}

	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	if out.RoomRef == "" {
		return "", fmt.Errorf("create room: empty room_ref")
	}
	return out.RoomRef, nil
}
