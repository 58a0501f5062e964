// Package homeassistant reads engine metrics from Home Assistant entity
// states over the REST API.
package homeassistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/kaizen/internal/httpkit"
)

// Client is a minimal Home Assistant REST client.
type Client struct {
	baseURL    string
	header     http.Header
	httpClient *http.Client
}

// NewClient returns a client for baseURL authenticated with a long-lived
// access token. Dial-level failures are retried once after a short
// delay.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  http.Header{"Authorization": {"Bearer " + token}},
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(1, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

// State is an entity state.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Ping checks that the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := httpkit.GetJSON(ctx, c.httpClient, c.baseURL+"/api/", c.header, &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetState returns one entity's state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var st State
	u := c.baseURL + "/api/states/" + url.PathEscape(entityID)
	if err := httpkit.GetJSON(ctx, c.httpClient, u, c.header, &st); err != nil {
		return nil, fmt.Errorf("get state %s: %w", entityID, err)
	}
	return &st, nil
}
