package nettiego

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
	"github.com/partikus/nettiego-watcher/services/watcher/internal/utils"
)

const (
	// DataPath serves the current sensor readings.
	DataPath = "/data.json"
	// ConfigPath serves the device configuration, including its id.
	ConfigPath = "/config.json"

	maxBodyBytes  = 1 << 20
	maxErrorBytes = 256
)

// Client talks to a single device. It performs exactly one request per call;
// retrying is left to the caller.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a device client. The http.Client is expected to be shared
// between devices so connections are pooled; nil falls back to a default one.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    httpClient,
	}
}

// BaseURL returns the normalized device address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchMeasurement retrieves /data.json and normalizes it.
func (c *Client) FetchMeasurement(ctx context.Context) (models.Measurement, error) {
	var payload models.DataResponse
	if err := c.getJSON(ctx, DataPath, &payload); err != nil {
		return models.Measurement{}, err
	}
	return utils.ToMeasurement(payload.SensorDataValues), nil
}

// FetchDeviceInfo retrieves /config.json and extracts the device identity.
func (c *Client) FetchDeviceInfo(ctx context.Context) (models.DeviceInfo, error) {
	var payload models.ConfigResponse
	if err := c.getJSON(ctx, ConfigPath, &payload); err != nil {
		return models.DeviceInfo{}, err
	}
	return utils.ToDeviceInfo(payload), nil
}

// Probe reports whether the device answers /config.json with valid JSON.
func (c *Client) Probe(ctx context.Context) bool {
	_, err := c.FetchDeviceInfo(ctx)
	return err == nil
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	// Setting Accept-Encoding turns off the transport's transparent
	// decompression, so gzip bodies are decoded in readBody.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnreachableError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode}
		}
		// A broken gzip stream is the device's fault; anything else is the
		// connection failing mid-body.
		if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) {
			return &MalformedResponseError{Path: path, Err: err}
		}
		return &UnreachableError{URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(body, maxErrorBytes)}
	}

	if !json.Valid(body) {
		return &MalformedResponseError{Path: path, Err: errors.New("body is not valid JSON")}
	}
	if first := firstByte(body); first != '{' {
		return &MalformedResponseError{Path: path, Err: fmt.Errorf("expected JSON object, got %q", first)}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &MalformedResponseError{Path: path, Err: err}
	}
	return nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func firstByte(b []byte) byte {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
