package regclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client notifies the external registration UI when a new pending UID
// shows up at a kiosk. The UI owns the actual linking flow; this side only
// emits the signal.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, calls succeed without going out,
// which keeps local setups working without the registration service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// NotifyPending posts the pending UID to the registration service.
func (c *Client) NotifyPending(ctx context.Context, uid string) error {
	if c.Skip {
		return nil
	}
	if uid == "" {
		return fmt.Errorf("uid required")
	}

	body, _ := json.Marshal(map[string]string{"uid": uid})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/registrations/pending", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("registration service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration service error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}

// Health checks if the registration service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("registration service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("registration service unhealthy: %s", resp.Status)
	}
	return nil
}
