// Package sheetapi fetches the raw sheet payload from the remote
// spreadsheet endpoint.
//
// The endpoint returns a sheet-name-keyed table of rows as JSON. The client
// makes no attempt to interpret the body; decoding and validation belong to
// the sheetparse package. All transport failures look the same to callers;
// the sync coordinator treats any error here uniformly via its fallback
// chain.
package sheetapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNoEndpoint is returned when no endpoint URL is configured.
var ErrNoEndpoint = errors.New("sheetapi: no endpoint configured")

// Config configures the client.
type Config struct {
	// URL is the sheet endpoint.
	URL string
	// Timeout bounds one request. Default: 30s.
	Timeout time.Duration
	// MaxBytes bounds the response body. Default: 10 MiB.
	MaxBytes int64
	// UserAgent is sent with every request.
	UserAgent string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "timetab/1.0"
	}
}

// Client fetches the raw payload.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// FetchRaw GETs the configured endpoint and returns the raw response body.
// A timestamp query parameter defeats intermediary caching.
func (c *Client) FetchRaw(ctx context.Context) ([]byte, error) {
	if c.cfg.URL == "" {
		return nil, ErrNoEndpoint
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sheetapi: endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("sheetapi: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheetapi: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sheetapi: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("sheetapi: read body: %w", err)
	}
	return body, nil
}
