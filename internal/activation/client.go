// Package activation queries the external identity system for
// activation lifecycle status.
package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

var _ push.ActivationStatusSource = (*Client)(nil)

// Client is a thin wrapper over the activation status HTTP API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// NewClient creates an activation status client.
func NewClient(rawURL string, timeout time.Duration) (*Client, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return &Client{
		baseURL: parsed,
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type statusResponse struct {
	ActivationID string `json:"activationId"`
	Status       string `json:"activationStatus"`
}

// Status fetches the current status of one activation.
func (c *Client) Status(ctx context.Context, activationID string) (push.ActivationStatus, error) {
	endpoint := fmt.Sprintf("%s/activation/%s/status", c.baseURL.String(), url.PathEscape(activationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("activation status request failed: %s", resp.Status)
	}
	var payload statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return push.ActivationStatus(payload.Status), nil
}
