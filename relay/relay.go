// Package relay posts trap envelopes to the downstream HTTP sink.
//
// Each envelope is sent exactly once. A failed delivery is logged by the
// client and returned as a *RelayError; nothing is retried:
//
//	c, err := relay.New(relay.Options{Host: "collector", Port: 8080})
//	if err != nil {
//		return err
//	}
//	_ = c.Relay(ctx, env)
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/geekxflood/traprelay/logging"
)

// DefaultPath is the sink path used when Options.Path is empty.
const DefaultPath = "/snmptrap"

// RelayError describes a failed delivery. StatusCode is zero when no
// response was received.
type RelayError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RelayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("relay to %s failed: %v", e.URL, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Options configure a Client.
type Options struct {
	Host string
	Port int

	// Path defaults to DefaultPath.
	Path string

	// Timeout bounds the whole request. Default 5s.
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client relays envelopes. It is safe for concurrent use.
type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// New validates opts and creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, errors.New("relay host cannot be empty")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("relay port must be between 1 and 65535, got %d", opts.Port)
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		url:    "http://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)) + opts.Path,
		http:   client,
		logger: logging.OrComponent(opts.Logger, "relay"),
	}, nil
}

// URL returns the sink URL.
func (c *Client) URL() string {
	return c.url
}

// Relay posts env once. Failures are logged here and returned.
func (c *Client) Relay(ctx context.Context, env *Envelope) error {
	err := c.post(ctx, env)
	if err != nil {
		var re *RelayError
		if errors.As(err, &re) {
			c.logger.ErrorContext(ctx, "failed to relay trap",
				"url", re.URL,
				"status", re.StatusCode,
				"error", re.Err)
		}
		return err
	}

	c.logger.DebugContext(ctx, "trap relayed", "url", c.url)
	return nil
}

func (c *Client) post(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &RelayError{URL: c.url, Err: fmt.Errorf("failed to encode envelope: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &RelayError{URL: c.url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &RelayError{URL: c.url, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RelayError{
			URL:        c.url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %q", resp.Status),
		}
	}
	return nil
}
