// Package directory talks to the remote device directory: the backend
// registry consulted to resolve a pairing code and to mirror this device's
// registration. It exposes exactly the two operations the pairing flow
// needs.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Device roles recognized by the directory.
const (
	RoleStation = "station"
	RolePad     = "pad"
)

// ErrNotFound indicates no directory entry matched the lookup.
var ErrNotFound = errors.New("directory: device not found")

// Device is one entry in the remote device directory.
type Device struct {
	ID          string    `json:"id"`
	SalonID     string    `json:"salon_id"`
	Role        string    `json:"role"`
	Name        string    `json:"name,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	PairedTo    string    `json:"paired_to,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Client is the device-directory boundary consumed by the pairing registry.
type Client interface {
	// FindByPairingCode returns the single directory entry holding the
	// normalized code with the given role, or ErrNotFound.
	FindByPairingCode(ctx context.Context, code, role string) (Device, error)
	// UpsertDevice creates or updates a device record keyed by salon and
	// device fingerprint. The operation is idempotent.
	UpsertDevice(ctx context.Context, d Device) error
}

// HTTPClient implements Client against the backend's JSON API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewHTTPClient builds a directory client for the given base URL.
func NewHTTPClient(httpClient *http.Client, baseURL, apiKey string) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
	}
}

func (c *HTTPClient) FindByPairingCode(ctx context.Context, code, role string) (Device, error) {
	q := url.Values{}
	q.Set("pairing_code", code)
	q.Set("role", role)

	var out struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices?"+q.Encode(), nil, &out); err != nil {
		return Device{}, err
	}
	if len(out.Devices) != 1 {
		return Device{}, ErrNotFound
	}
	return out.Devices[0], nil
}

func (c *HTTPClient) UpsertDevice(ctx context.Context, d Device) error {
	return c.do(ctx, http.MethodPut, "/devices", d, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	case resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("directory %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return nil
}
