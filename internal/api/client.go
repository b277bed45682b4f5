// internal/api/client.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/OCAP2/locsync/internal/geo"
	"github.com/OCAP2/locsync/internal/server"
	"github.com/OCAP2/locsync/pkg/streaming"
)

// Client reads the HTTP API of a running locsync instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Healthcheck checks that the instance is up and returns its sync counters.
func (c *Client) Healthcheck(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	if err := c.get(ctx, "/healthcheck", &out); err != nil {
		return server.HealthResponse{}, fmt.Errorf("healthcheck: %w", err)
	}
	return out, nil
}

// Markers returns the marker snapshot the instance is serving.
func (c *Client) Markers(ctx context.Context) (server.MarkersResponse, error) {
	var out server.MarkersResponse
	if err := c.get(ctx, "/api/v1/markers", &out); err != nil {
		return server.MarkersResponse{}, fmt.Errorf("markers: %w", err)
	}
	return out, nil
}

// Marker returns the marker of one member.
func (c *Client) Marker(ctx context.Context, memberID string) (streaming.Marker, error) {
	var out streaming.Marker
	if err := c.get(ctx, "/api/v1/markers/"+url.PathEscape(memberID), &out); err != nil {
		return streaming.Marker{}, fmt.Errorf("marker %s: %w", memberID, err)
	}
	return out, nil
}

// Region returns the initial map viewport.
func (c *Client) Region(ctx context.Context) (geo.Region, error) {
	var out geo.Region
	if err := c.get(ctx, "/api/v1/region", &out); err != nil {
		return geo.Region{}, fmt.Errorf("region: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
