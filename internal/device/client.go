package device

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/axectl/internal/errors"
)

const defaultTimeout = 10 * time.Second

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// HTTPClient talks to the miner's HTTP API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the device at host (with optional
// :port).
func NewHTTPClient(host string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    "http://" + host,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SystemInfo fetches one telemetry sample.
func (c *HTTPClient) SystemInfo(ctx context.Context) (*Telemetry, error) {
	errFactory := errors.New()

	body, err := c.do(ctx, http.MethodGet, "/api/system/info", nil)
	if err != nil {
		return nil, err
	}

	var info Telemetry
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errFactory.Wrap(ErrMalformed, err)
	}

	// A response without frequency or core voltage is not a usable sample,
	// whatever the status code said.
	if info.Frequency == 0 || info.VoltageMV() == 0 {
		return nil, errFactory.WithMessage(ErrMalformed, "incomplete system info")
	}

	return &info, nil
}

// SetVoltage applies a core voltage in millivolts. The device treats PATCH
// bodies as partial updates, so only this field changes.
func (c *HTTPClient) SetVoltage(ctx context.Context, mv int) error {
	return c.patchSystem(ctx, map[string]any{"coreVoltage": mv})
}

// SetFrequency applies a core clock in megahertz.
func (c *HTTPClient) SetFrequency(ctx context.Context, mhz int) error {
	return c.patchSystem(ctx, map[string]any{"frequency": mhz})
}

// SetPools points the device at a primary stratum endpoint with an optional
// fallback.
func (c *HTTPClient) SetPools(ctx context.Context, primary, backup PoolEndpoint) error {
	payload := map[string]any{
		"stratumURL":  primary.Host,
		"stratumPort": primary.Port,
	}
	if backup.Host != "" {
		payload["fallbackStratumURL"] = backup.Host
		payload["fallbackStratumPort"] = backup.Port
	}

	return c.patchSystem(ctx, payload)
}

// Restart reboots the device. Required for stratum changes to take effect.
func (c *HTTPClient) Restart(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/system/restart", nil)
	return err
}

func (c *HTTPClient) patchSystem(ctx context.Context, payload map[string]any) error {
	errFactory := errors.New()

	body, err := json.Marshal(payload)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	_, err = c.do(ctx, http.MethodPatch, "/api/system", body)

	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	errFactory := errors.New()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(classify(err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errFactory.Wrap(ErrMalformed, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errFactory.WithData(ErrBadStatus, resp.StatusCode)
	}

	return data, nil
}

// classify maps transport errors onto the device error taxonomy.
func classify(err error) errors.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	return ErrUnreachable
}
