package notify

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

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrAuthFailed means no bearer token could be obtained from the login endpoint.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrNotificationFailed means the notification endpoint did not accept the payload.
	ErrNotificationFailed = errors.New("notification failed")
)

// Payload describes an archived artifact to the backend.
type Payload struct {
	Project  string         `json:"project"`
	App      string         `json:"app"`
	FilePath string         `json:"filepath"`
	Metadata map[string]any `json:"metadata"`
}

// Config holds the backend endpoints and credentials.
type Config struct {
	LoginURL  string
	NotifyURL string
	Email     string
	Password  string
	Timeout   time.Duration
	// HTTPClient overrides the default traced client.
	HTTPClient *http.Client
}

// Dispatcher logs in to the backend and posts notifications. Tokens are not cached: every
// Dispatch performs a fresh login.
type Dispatcher struct {
	client *http.Client
	cfg    Config
	logger zerolog.Logger
}

// NewDispatcher validates cfg and builds a Dispatcher.
func NewDispatcher(cfg Config, logger zerolog.Logger) (*Dispatcher, error) {
	if err := validateURL("login", cfg.LoginURL); err != nil {
		return nil, err
	}
	if err := validateURL("notification", cfg.NotifyURL); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Dispatcher{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "notify").Logger(),
	}, nil
}

// Dispatch authenticates and then notifies. Nothing is retried.
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload) error {
	token, err := d.Authenticate(ctx)
	if err != nil {
		return err
	}
	return d.Notify(ctx, token, payload)
}

// Authenticate exchanges the configured credentials for a token.
func (d *Dispatcher) Authenticate(ctx context.Context) (string, error) {
	credentials := map[string]string{
		"email":    d.cfg.Email,
		"password": d.cfg.Password,
	}

	body, err := d.postJSON(ctx, d.cfg.LoginURL, credentials, "")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	var resp struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode login response: %w", ErrAuthFailed, err)
	}
	if strings.TrimSpace(resp.Access) == "" {
		return "", fmt.Errorf("%w: login response has no access token", ErrAuthFailed)
	}

	d.logger.Debug().Msg("login succeeded")
	return resp.Access, nil
}

// Notify posts payload with the token in the Authorization header.
func (d *Dispatcher) Notify(ctx context.Context, token string, payload Payload) error {
	if payload.Metadata == nil {
		payload.Metadata = map[string]any{}
	}

	body, err := d.postJSON(ctx, d.cfg.NotifyURL, payload, token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotificationFailed, err)
	}

	d.logger.Info().
		Str("project", payload.Project).
		Str("filepath", payload.FilePath).
		RawJSON("response", compactJSON(body)).
		Msg("backend notified")
	return nil
}

func (d *Dispatcher) postJSON(ctx context.Context, endpoint string, v any, token string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return nil, fmt.Errorf("post %s: unexpected status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return body, nil
}

func validateURL(name, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s url is required", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s url: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s url must use http or https: %s", name, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s url has no host: %s", name, raw)
	}
	return nil
}

// compactJSON keeps response logging valid JSON even when the backend replies with text.
func compactJSON(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil || buf.Len() == 0 {
		quoted, _ := json.Marshal(string(body))
		return quoted
	}
	return buf.Bytes()
}
