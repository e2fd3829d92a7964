package tsdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nugget/homepulse/internal/httpkit"
)

// Dead-letter reasons attached to batches the store permanently rejects.
const (
	ReasonAuth   = "tsdb:auth"
	ReasonSchema = "tsdb:schema"
)

// WriteError describes a rejected write. Permanent errors must not be
// retried: the same payload with the same credential will fail the same
// way every time.
type WriteError struct {
	StatusCode int
	Body       string
	// Reason classifies permanent rejections (ReasonAuth, ReasonSchema).
	// Empty for transient errors.
	Reason    string
	Permanent bool
}

func (e *WriteError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent " + e.Reason
	}
	return fmt.Sprintf("tsdb: write rejected (%s): status %d: %s", kind, e.StatusCode, e.Body)
}

// IsPermanent reports whether err is a write rejection that retrying
// cannot fix. Network errors and nil are never permanent.
func IsPermanent(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Permanent
}

// ClientConfig configures a time-series client.
type ClientConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Timeout bounds a single write or health request (default 30s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is a minimal InfluxDB v2 write-path client.
type Client struct {
	writeURL   string
	healthURL  string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the v2 write API. The write endpoint
// and query string are precomputed; only the request body varies.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	q := url.Values{}
	q.Set("org", cfg.Org)
	q.Set("bucket", cfg.Bucket)
	q.Set("precision", "ns")

	return &Client{
		writeURL:  cfg.URL + "/api/v2/write?" + q.Encode(),
		healthURL: cfg.URL + "/health",
		token:     cfg.Token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithLogger(cfg.Logger),
		),
	}
}

// Write ships one batch of line-protocol data. A nil return means the
// store durably accepted every point. Failures are classified: network
// errors, 408, 429, and 5xx are transient; 401/403 and 400/413 are
// permanent with a reason.
func (c *Client) Write(ctx context.Context, lines []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.writeURL, bytes.NewReader(lines))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}

	we := &WriteError{
		StatusCode: resp.StatusCode,
		Body:       httpkit.ReadErrorBody(resp.Body, 512),
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		we.Permanent = true
		we.Reason = ReasonAuth
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		we.Permanent = true
		we.Reason = ReasonSchema
	}
	return we
}

// Ping probes the store's health endpoint. Used for the startup
// reachability check; a failure is reported but never fatal.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}
